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

// Package odp implements on-demand paging memory regions.
//
// An on-demand paging region lets a DMA-capable device access pageable
// memory of a process without pinning it for the lifetime of the
// registration. Pages are pinned and DMA-mapped lazily when the device
// faults on them (Region.MapPages), and are unmapped again whenever the
// owning address space changes the underlying mapping (the MMUNotifier
// callbacks implemented by the per address space registry).
//
// Lock order:
//
//	Context.perMMListMu
//	  perMM.umemMu
//	    Region.mu
//
// Faults never hold perMM.umemMu while pinning pages, and never hold
// Region.mu across calls into the AddressSpace.
package odp

import (
	"fmt"
)

// AccessBits are the permission bits kept in the low bits of each DMA list
// entry, and requested by MapPages.
type AccessBits uint64

const (
	// ReadAllowed permits device reads of the page.
	ReadAllowed AccessBits = 1 << 0

	// WriteAllowed permits device writes of the page. Pages mapped with
	// WriteAllowed are marked dirty when unmapped.
	WriteAllowed AccessBits = 1 << 1

	// DMAAddrMask extracts the DMA address from a DMA list entry.
	DMAAddrMask = ^uint64(ReadAllowed | WriteAllowed)
)

// String implements fmt.Stringer.
func (a AccessBits) String() string {
	r, w := "-", "-"
	if a&ReadAllowed != 0 {
		r = "r"
	}
	if a&WriteAllowed != 0 {
		w = "w"
	}
	return r + w
}

// AccessFlags are the registration flags of a memory region.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic

	// AccessOnDemand requests on-demand paging. Register rejects
	// registrations without it.
	AccessOnDemand

	// AccessHugeTLB maps the region at the huge page granularity of the
	// backing mapping.
	AccessHugeTLB
)

// writable returns true if flags allow device writes.
func (f AccessFlags) writable() bool {
	return f&(AccessLocalWrite|AccessRemoteWrite|AccessRemoteAtomic) != 0
}

// RegionState is the lifecycle state of a Region.
type RegionState int

const (
	// Registering regions have tables but are not yet indexed.
	Registering RegionState = iota

	// Active regions accept faults and invalidations.
	Active

	// Invalidating regions have at least one invalidation in flight.
	Invalidating

	// Dying regions belong to an address space that has been torn down.
	Dying

	// Destroyed regions have been released.
	Destroyed
)

// String implements fmt.Stringer.
func (s RegionState) String() string {
	switch s {
	case Registering:
		return "Registering"
	case Active:
		return "Active"
	case Invalidating:
		return "Invalidating"
	case Dying:
		return "Dying"
	case Destroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("RegionState(%d)", int(s))
	}
}
