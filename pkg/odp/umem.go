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
	"fmt"
	"sync/atomic"

	"gvisor.dev/odp/pkg/errors/linuxerr"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/intervaltree"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/sync"
)

// Region is an on-demand paging memory region.
//
// Slot i of a region covers [Start() + i<<PageShift(), Start() +
// (i+1)<<PageShift()). A slot is mapped iff both its page list and DMA list
// entries are set.
type Region struct {
	ctx   *Context
	perMM *perMM

	// start and end bound the region. They are aligned to pageShift and
	// immutable.
	start     hostarch.Addr
	end       hostarch.Addr
	pageShift uint
	writable  bool

	// implicit regions span the whole address space, have no page tables
	// and are not indexed. Faults are served by child regions.
	implicit bool

	// node is the region's entry in perMM.tree. It is protected by
	// perMM.umemMu.
	node *intervaltree.Node[hostarch.Addr, *Region]

	// dying is set when the owning address space is torn down.
	dying atomic.Bool

	// notifierCompletion is completed whenever notifiersCount drops to zero,
	// and when the region is dying or released.
	notifierCompletion sync.Completion

	// mu protects the fields below.
	mu sync.Mutex

	// pageList holds the page mapped at each slot.
	//
	// +checklocks:mu
	pageList []Page

	// dmaList holds the DMA address of each slot ORed with its AccessBits,
	// or zero.
	//
	// +checklocks:mu
	dmaList []uint64

	// npages is the number of mapped slots.
	//
	// +checklocks:mu
	npages int

	// notifiersSeq is incremented at the end of every invalidation.
	//
	// +checklocks:mu
	notifiersSeq uint64

	// notifiersCount is the number of invalidations in flight.
	//
	// +checklocks:mu
	notifiersCount int

	// indexed is true while node is in the tree.
	//
	// +checklocks:mu
	indexed bool

	// released is set by Release.
	//
	// +checklocks:mu
	released bool
}

// Register registers an on-demand paging region for [addr, addr+length) of
// as. The range is expanded to the region's page size.
func (c *Context) Register(ctx context.Context, as AddressSpace, addr hostarch.Addr, length uint64, access AccessFlags) (*Region, error) {
	if access&AccessOnDemand == 0 {
		return nil, linuxerr.EINVAL
	}
	if !c.OnDemandSupported() {
		return nil, linuxerr.EOPNOTSUPP
	}
	pageShift := uint(hostarch.PageShift)
	if access&AccessHugeTLB != 0 {
		shift, ok := as.PageShiftAt(addr)
		if !ok {
			return nil, linuxerr.EINVAL
		}
		pageShift = shift
	}
	r := &Region{
		ctx:       c,
		start:     addr,
		pageShift: pageShift,
		writable:  access.writable(),
	}
	if err := r.initTables(addr, length); err != nil {
		return nil, err
	}
	if access&AccessHugeTLB != 0 && !r.hugeBacked(as) {
		return nil, linuxerr.EINVAL
	}
	p, err := c.getPerMM(as)
	if err != nil {
		return nil, err
	}
	r.perMM = p
	r.activate()
	log.Debugf("Registered region [%v, %v) shift %d for address space %d", r.start, r.end, r.pageShift, as.ID())
	return r, nil
}

// RegisterImplicit registers a region spanning all of as. Faults on it are
// served by child regions created with AllocChild.
func (c *Context) RegisterImplicit(ctx context.Context, as AddressSpace, access AccessFlags) (*Region, error) {
	if access&AccessOnDemand == 0 {
		return nil, linuxerr.EINVAL
	}
	if !c.OnDemandSupported() {
		return nil, linuxerr.EOPNOTSUPP
	}
	p, err := c.getPerMM(as)
	if err != nil {
		return nil, err
	}
	r := &Region{
		ctx:       c,
		perMM:     p,
		start:     0,
		end:       ^hostarch.Addr(0),
		pageShift: hostarch.PageShift,
		writable:  access.writable(),
		implicit:  true,
	}
	r.notifierCompletion.CompleteAll()
	regionsRegistered.Increment()
	liveRegions.Increment()
	return r, nil
}

// AllocChild registers a region for [addr, addr+length) sharing the address
// space registry of the implicit region r.
func (r *Region) AllocChild(ctx context.Context, addr hostarch.Addr, length uint64) (*Region, error) {
	if !r.implicit {
		return nil, linuxerr.EINVAL
	}
	child := &Region{
		ctx:       r.ctx,
		start:     addr,
		pageShift: hostarch.PageShift,
		writable:  r.writable,
	}
	if err := child.initTables(addr, length); err != nil {
		return nil, err
	}
	r.ctx.incPerMM(r.perMM)
	child.perMM = r.perMM
	child.activate()
	return child, nil
}

// initTables computes the region bounds and allocates its page tables.
func (r *Region) initTables(addr hostarch.Addr, length uint64) error {
	pageSize := uint64(1) << r.pageShift
	r.start = addr.AlignDown(r.pageShift)
	end, ok := addr.AddLength(length)
	if !ok {
		return linuxerr.EOVERFLOW
	}
	if r.end, ok = end.AlignUp(r.pageShift); !ok || uint64(r.end) < pageSize {
		return linuxerr.EOVERFLOW
	}
	pages := uint64(r.end-r.start) >> r.pageShift
	if pages == 0 {
		return linuxerr.EINVAL
	}
	if limit := r.ctx.opts.MaxRegionPages; limit != 0 && pages > limit {
		return linuxerr.ENOMEM
	}
	r.pageList = make([]Page, pages)
	r.dmaList = make([]uint64, pages)
	// No invalidation is in flight.
	r.notifierCompletion.CompleteAll()
	return nil
}

// hugeBacked returns true if every page of r is backed by a page of size
// r.PageSize() in as.
func (r *Region) hugeBacked(as AddressSpace) bool {
	for a := r.start; a < r.end; a += hostarch.Addr(r.PageSize()) {
		if shift, ok := as.PageShiftAt(a); !ok || shift != r.pageShift {
			return false
		}
	}
	return true
}

// activate makes r visible to invalidations.
func (r *Region) activate() {
	r.mu.Lock()
	r.indexed = true
	r.mu.Unlock()
	r.perMM.insert(r)
	regionsRegistered.Increment()
	liveRegions.Increment()
}

// Release unmaps all pages of r and unregisters it. Release is idempotent.
func (r *Region) Release(ctx context.Context) {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()

	if !r.implicit {
		r.UnmapPages(r.start, r.end)

		p := r.perMM
		p.umemMu.Lock()
		r.mu.Lock()
		if r.indexed {
			p.tree.Remove(r.node)
			r.indexed = false
		}
		r.mu.Unlock()
		p.umemMu.Unlock()
	}
	// Wake faults waiting for invalidations to finish; they will observe
	// the release.
	r.notifierCompletion.CompleteAll()
	liveRegions.Decrement()
	log.Debugf("Released region [%v, %v)", r.start, r.end)
	r.ctx.putPerMM(r.perMM)
}

// Start returns the first address of the region.
func (r *Region) Start() hostarch.Addr {
	return r.start
}

// End returns the address one past the end of the region.
func (r *Region) End() hostarch.Addr {
	return r.end
}

// PageShift returns log2 of the region's page size.
func (r *Region) PageShift() uint {
	return r.pageShift
}

// PageSize returns the region's page size.
func (r *Region) PageSize() uint64 {
	return 1 << r.pageShift
}

// Implicit returns true for regions created by RegisterImplicit.
func (r *Region) Implicit() bool {
	return r.implicit
}

// Writable returns true if the region was registered for device writes.
func (r *Region) Writable() bool {
	return r.writable
}

// AddressSpace returns the address space owning the region.
func (r *Region) AddressSpace() AddressSpace {
	return r.perMM.as
}

// Context returns the context the region was registered through.
func (r *Region) Context() *Context {
	return r.ctx
}

// Dying returns true if the owning address space has been torn down.
func (r *Region) Dying() bool {
	return r.dying.Load()
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("region[%v, %v)", r.start, r.end)
}

// State returns the lifecycle state of r.
func (r *Region) State() RegionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.released:
		return Destroyed
	case r.dying.Load():
		return Dying
	case r.notifiersCount > 0:
		return Invalidating
	case r.indexed || r.implicit:
		return Active
	default:
		return Registering
	}
}

// NPages returns the number of mapped slots.
func (r *Region) NPages() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.npages
}

// slotIndex returns the slot containing addr.
func (r *Region) slotIndex(addr hostarch.Addr) int {
	return int((addr - r.start) >> r.pageShift)
}

// Slot returns the DMA list entry and page of the slot containing addr. ok is
// false if addr is outside of the region or the slot is not mapped.
func (r *Region) Slot(addr hostarch.Addr) (dma uint64, page Page, ok bool) {
	if r.implicit || addr < r.start || addr >= r.end {
		return 0, nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.slotIndex(addr)
	return r.dmaList[i], r.pageList[i], r.dmaList[i] != 0
}

// CheckMappings verifies that every slot has either both or neither of a
// page and a DMA address, and that npages matches.
func (r *Region) CheckMappings() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mapped := 0
	for i := range r.dmaList {
		if (r.dmaList[i] != 0) != (r.pageList[i] != nil) {
			return fmt.Errorf("%v slot %d: dma %#x page %v", r, i, r.dmaList[i], r.pageList[i])
		}
		if r.dmaList[i] != 0 {
			mapped++
		}
	}
	if mapped != r.npages {
		return fmt.Errorf("%v: %d mapped slots, npages %d", r, mapped, r.npages)
	}
	return nil
}

// VisitMapped calls fn for every mapped slot in ascending address order.
func (r *Region) VisitMapped(fn func(addr hostarch.Addr, dma uint64, page Page)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, dma := range r.dmaList {
		if dma != 0 {
			fn(r.start+hostarch.Addr(uint64(i)<<r.pageShift), dma, r.pageList[i])
		}
	}
}
