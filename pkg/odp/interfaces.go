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
	"context"

	"gvisor.dev/odp/pkg/hostarch"
)

// Page is a reference to a physical page returned by AddressSpace.PinPages.
type Page interface {
	// PhysAddr returns the physical address of the page.
	PhysAddr() uint64

	// Put drops the reference returned by PinPages.
	Put()

	// SetDirty marks the page as written to.
	SetDirty()
}

// AddressSpace is the address space of the process that owns a region. It
// may differ from the address space of the caller of MapPages.
type AddressSpace interface {
	// ID uniquely identifies the address space for the lifetime of the
	// process.
	ID() uint64

	// Get takes a user reference on the address space if it has not
	// exited, and returns false otherwise.
	Get() bool

	// Put drops a reference taken by Get.
	Put()

	// PinPages pins up to n consecutive system pages starting at addr and
	// returns references to them. It stops at the first page that cannot
	// be pinned, and returns an error only if no page could be pinned.
	//
	// Preconditions: addr is page aligned. The caller holds a reference
	// taken by Get.
	PinPages(ctx context.Context, addr hostarch.Addr, n int, write bool) ([]Page, error)

	// PageShiftAt returns the page shift of the mapping containing addr and
	// whether it is a huge page mapping. ok is false if addr is not mapped
	// by a huge page mapping.
	PageShiftAt(addr hostarch.Addr) (shift uint, ok bool)

	// RegisterNotifier arranges for n to be called on mapping changes.
	RegisterNotifier(n MMUNotifier) error

	// UnregisterNotifierNoRelease removes n without calling n.Release.
	// Callbacks already in flight may still run after it returns.
	UnregisterNotifierNoRelease(n MMUNotifier)
}

// Device is the DMA device that regions are mapped for.
type Device interface {
	// MapPage maps size bytes of physical memory starting at p for DMA and
	// returns the device address. The returned address is aligned to size.
	MapPage(p Page, size uint64) (uint64, error)

	// UnmapPage undoes MapPage.
	UnmapPage(dma uint64, size uint64)

	// InvalidateRange quiesces any device state referencing [start, end)
	// of r. It is called before the core unmaps those pages.
	InvalidateRange(r *Region, start, end hostarch.Addr)
}

// NotifierRange describes a range invalidation.
type NotifierRange struct {
	Start hostarch.Addr
	End   hostarch.Addr

	// Blockable is false if the callback must not sleep.
	Blockable bool
}

// MMUNotifier receives address space change notifications.
type MMUNotifier interface {
	// Release is called when the address space is torn down.
	Release(ctx context.Context)

	// InvalidateRangeStart is called before the mappings in r change. It
	// may only fail with EAGAIN, and only if r is not blockable.
	InvalidateRangeStart(ctx context.Context, r NotifierRange) error

	// InvalidateRangeEnd is called after the mappings in r changed, for
	// every successful InvalidateRangeStart.
	InvalidateRangeEnd(ctx context.Context, r NotifierRange)
}
