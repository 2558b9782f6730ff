// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package odp

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/odp/pkg/errors"
)

var (
	// ErrOutOfRange is returned when a fault falls outside of a region.
	ErrOutOfRange = errors.New(unix.EFAULT, "address range is outside of the region")

	// ErrAddressSpaceGone is returned when the owning address space has
	// exited.
	ErrAddressSpaceGone = errors.New(unix.ESRCH, "owning address space has exited")
)
