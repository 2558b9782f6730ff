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

package memsim

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/google/btree"
	"gvisor.dev/odp/pkg/errors/linuxerr"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/odp"
	"gvisor.dev/odp/pkg/refs"
	"gvisor.dev/odp/pkg/sync"
)

// MapOpts configures a mapping created by Map.
type MapOpts struct {
	// Writable allows pinning for write.
	Writable bool

	// Huge backs the mapping with huge pages. The mapping must be huge page
	// aligned.
	Huge bool
}

// AddressSpace is a simulated process address space. It implements
// odp.AddressSpace.
//
// Its reference count models users of the address space: Get fails once the
// count has dropped to zero, which happens when Exit is called and every
// fault holding a reference has finished.
type AddressSpace struct {
	refs.AtomicRefCount

	id uint64

	// nonBlocking makes invalidations non-blockable first.
	nonBlocking atomic.Bool

	// exited is set once the address space is torn down.
	exited atomic.Bool

	// exitOnce guards the initial reference dropped by Exit.
	exitOnce sync.Once

	// mu protects the page table and mappings.
	mu sync.Mutex

	// +checklocks:mu
	vmas *btree.BTreeG[*vma]

	// +checklocks:mu
	ptes *btree.BTreeG[*pte]

	// notifiersMu protects notifiers.
	notifiersMu sync.Mutex

	// +checklocks:notifiersMu
	notifiers []odp.MMUNotifier

	// registerErr is returned by the next RegisterNotifier call, if set.
	//
	// +checklocks:notifiersMu
	registerErr error

	// invalidationRetries counts non-blockable invalidations retried in
	// blocking mode.
	invalidationRetries atomic.Int64
}

var _ odp.AddressSpace = (*AddressSpace)(nil)

// NewAddressSpace returns an empty address space.
func NewAddressSpace(id uint64) *AddressSpace {
	as := &AddressSpace{
		id:   id,
		vmas: btree.NewG(2, vmasLess),
		ptes: btree.NewG(16, ptesLess),
	}
	as.InitRefs(fmt.Sprintf("memsim.AddressSpace(%d)", id))
	return as
}

// ID implements odp.AddressSpace.ID.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// Get implements odp.AddressSpace.Get.
func (as *AddressSpace) Get() bool {
	return as.TryIncRef()
}

// Put implements odp.AddressSpace.Put.
func (as *AddressSpace) Put() {
	as.DecRef(as.teardown)
}

// SetNonBlocking makes invalidations try a non-blockable pass first. Ranges
// rejected with EAGAIN are retried in blocking mode.
func (as *AddressSpace) SetNonBlocking(nonBlocking bool) {
	as.nonBlocking.Store(nonBlocking)
}

// InvalidationRetries returns the number of non-blockable invalidations that
// had to be retried in blocking mode.
func (as *AddressSpace) InvalidationRetries() int64 {
	return as.invalidationRetries.Load()
}

// FailNextRegister makes the next RegisterNotifier call return err.
func (as *AddressSpace) FailNextRegister(err error) {
	as.notifiersMu.Lock()
	defer as.notifiersMu.Unlock()
	as.registerErr = err
}

// Map creates a mapping of [addr, addr+length). Pages are allocated when
// first pinned.
func (as *AddressSpace) Map(addr hostarch.Addr, length uint64, opts MapOpts) error {
	ar, ok := addr.ToRange(length)
	if !ok || !ar.IsPageAligned() || length == 0 {
		return linuxerr.EINVAL
	}
	if opts.Huge && (ar.Start.HugeRoundDown() != ar.Start || ar.End.HugeRoundDown() != ar.End) {
		return linuxerr.EINVAL
	}
	if as.exited.Load() {
		return linuxerr.ESRCH
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	var overlap bool
	as.vmas.Ascend(func(v *vma) bool {
		if v.start < ar.End && ar.Start < v.end {
			overlap = true
			return false
		}
		return true
	})
	if overlap {
		return linuxerr.EEXIST
	}
	perms := hostarch.Read
	if opts.Writable {
		perms = hostarch.ReadWrite
	}
	as.vmas.ReplaceOrInsert(&vma{
		start: ar.Start,
		end:   ar.End,
		perms: perms,
		huge:  opts.Huge,
	})
	return nil
}

// findVMALocked returns the mapping containing addr.
//
// +checklocks:as.mu
func (as *AddressSpace) findVMALocked(addr hostarch.Addr) *vma {
	var found *vma
	as.vmas.DescendLessOrEqual(&vma{start: addr}, func(v *vma) bool {
		if addr < v.end {
			found = v
		}
		return false
	})
	return found
}

// pageLocked returns the page mapped at addr, allocating it if needed.
//
// +checklocks:as.mu
func (as *AddressSpace) pageLocked(v *vma, addr hostarch.Addr) *Page {
	if e, ok := as.ptes.Get(&pte{addr: addr}); ok {
		return e.page
	}
	if !v.huge {
		p := newPage(allocPhys(hostarch.PageSize))
		as.ptes.ReplaceOrInsert(&pte{addr: addr, page: p})
		return p
	}
	// Populate the whole huge page with physically contiguous pages.
	head := addr.HugeRoundDown()
	phys := allocPhys(hostarch.HugePageSize)
	var ret *Page
	for off := uint64(0); off < hostarch.HugePageSize; off += hostarch.PageSize {
		a := head + hostarch.Addr(off)
		if _, ok := as.ptes.Get(&pte{addr: a}); ok {
			continue
		}
		p := newPage(phys + off)
		as.ptes.ReplaceOrInsert(&pte{addr: a, page: p})
		if a == addr {
			ret = p
		}
	}
	return ret
}

// PinPages implements odp.AddressSpace.PinPages.
func (as *AddressSpace) PinPages(ctx context.Context, addr hostarch.Addr, n int, write bool) ([]odp.Page, error) {
	if !addr.IsPageAligned() || n <= 0 {
		return nil, linuxerr.EINVAL
	}
	if err := ctx.Err(); err != nil {
		return nil, linuxerr.EINTR
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	want := hostarch.Read
	if write {
		want = hostarch.ReadWrite
	}
	pages := make([]odp.Page, 0, n)
	for i := 0; i < n; i++ {
		a := addr + hostarch.Addr(i*hostarch.PageSize)
		v := as.findVMALocked(a)
		if v == nil || !v.perms.SupersetOf(want) {
			break
		}
		p := as.pageLocked(v, a)
		p.Get()
		pages = append(pages, p)
	}
	if len(pages) == 0 {
		return nil, linuxerr.EFAULT
	}
	return pages, nil
}

// PageShiftAt implements odp.AddressSpace.PageShiftAt.
func (as *AddressSpace) PageShiftAt(addr hostarch.Addr) (uint, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if v := as.findVMALocked(addr); v != nil && v.huge {
		return hostarch.HugePageShift, true
	}
	return hostarch.PageShift, false
}

// Lookup returns the page currently mapped at addr, if any.
func (as *AddressSpace) Lookup(addr hostarch.Addr) (*Page, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e, ok := as.ptes.Get(&pte{addr: addr.RoundDown()})
	if !ok {
		return nil, false
	}
	return e.page, true
}

// PinCount returns the number of pins on the page mapped at addr.
func (as *AddressSpace) PinCount(addr hostarch.Addr) int {
	if p, ok := as.Lookup(addr); ok {
		return p.Pins()
	}
	return 0
}

// Dirty returns true if the page mapped at addr is dirty.
func (as *AddressSpace) Dirty(addr hostarch.Addr) bool {
	if p, ok := as.Lookup(addr); ok {
		return p.Dirty()
	}
	return false
}

// Perms returns the permissions of the mapping containing addr.
func (as *AddressSpace) Perms(addr hostarch.Addr) (hostarch.AccessType, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	v := as.findVMALocked(addr)
	if v == nil {
		return hostarch.NoAccess, false
	}
	return v.perms, true
}

// RegisterNotifier implements odp.AddressSpace.RegisterNotifier.
func (as *AddressSpace) RegisterNotifier(n odp.MMUNotifier) error {
	as.notifiersMu.Lock()
	defer as.notifiersMu.Unlock()
	if err := as.registerErr; err != nil {
		as.registerErr = nil
		return err
	}
	if as.exited.Load() {
		return linuxerr.ESRCH
	}
	as.notifiers = append(as.notifiers, n)
	return nil
}

// UnregisterNotifierNoRelease implements
// odp.AddressSpace.UnregisterNotifierNoRelease.
func (as *AddressSpace) UnregisterNotifierNoRelease(n odp.MMUNotifier) {
	as.notifiersMu.Lock()
	defer as.notifiersMu.Unlock()
	as.notifiers = slices.DeleteFunc(as.notifiers, func(m odp.MMUNotifier) bool {
		return m == n
	})
}

// Notifiers returns the number of registered notifiers.
func (as *AddressSpace) Notifiers() int {
	as.notifiersMu.Lock()
	defer as.notifiersMu.Unlock()
	return len(as.notifiers)
}

func (as *AddressSpace) snapshotNotifiers() []odp.MMUNotifier {
	as.notifiersMu.Lock()
	defer as.notifiersMu.Unlock()
	return slices.Clone(as.notifiers)
}

// BeginInvalidate runs InvalidateRangeStart on every notifier for [start,
// end) and returns a function that runs the matching InvalidateRangeEnd
// calls. The page table is not changed.
func (as *AddressSpace) BeginInvalidate(ctx context.Context, start, end hostarch.Addr) func() {
	ns := as.snapshotNotifiers()
	if as.nonBlocking.Load() {
		nr := odp.NotifierRange{Start: start, End: end, Blockable: false}
		var started []odp.MMUNotifier
		failed := false
		for _, n := range ns {
			if err := n.InvalidateRangeStart(ctx, nr); err != nil {
				failed = true
				continue
			}
			started = append(started, n)
		}
		if !failed {
			return func() { endAll(ctx, started, nr) }
		}
		// Undo and retry in blocking mode.
		endAll(ctx, started, nr)
		as.invalidationRetries.Add(1)
		log.Debugf("address space %d: non-blockable invalidation of [%v, %v) retried", as.id, start, end)
	}
	nr := odp.NotifierRange{Start: start, End: end, Blockable: true}
	for _, n := range ns {
		if err := n.InvalidateRangeStart(ctx, nr); err != nil {
			panic(fmt.Sprintf("blockable invalidation failed: %v", err))
		}
	}
	return func() { endAll(ctx, ns, nr) }
}

func endAll(ctx context.Context, ns []odp.MMUNotifier, nr odp.NotifierRange) {
	for _, n := range ns {
		n.InvalidateRangeEnd(ctx, nr)
	}
}

// Munmap removes the mappings of [addr, addr+length), invalidating them
// first.
func (as *AddressSpace) Munmap(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ar, ok := addr.ToRange(length)
	if !ok || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	end := as.BeginInvalidate(ctx, ar.Start, ar.End)
	defer end()

	as.mu.Lock()
	defer as.mu.Unlock()
	as.dropPTEsLocked(ar)
	var split []*vma
	var remove []*vma
	as.vmas.Ascend(func(v *vma) bool {
		if v.start >= ar.End {
			return false
		}
		if v.end <= ar.Start {
			return true
		}
		remove = append(remove, v)
		if v.start < ar.Start {
			split = append(split, &vma{start: v.start, end: ar.Start, perms: v.perms, huge: v.huge})
		}
		if v.end > ar.End {
			split = append(split, &vma{start: ar.End, end: v.end, perms: v.perms, huge: v.huge})
		}
		return true
	})
	for _, v := range remove {
		as.vmas.Delete(v)
	}
	for _, v := range split {
		as.vmas.ReplaceOrInsert(v)
	}
	return nil
}

// dropPTEsLocked removes the page table entries in ar.
//
// +checklocks:as.mu
func (as *AddressSpace) dropPTEsLocked(ar hostarch.AddrRange) {
	var drop []*pte
	as.ptes.AscendRange(&pte{addr: ar.Start}, &pte{addr: ar.End}, func(e *pte) bool {
		drop = append(drop, e)
		return true
	})
	for _, e := range drop {
		as.ptes.Delete(e)
	}
}

// Migrate moves the present pages of [addr, addr+length) to new physical
// pages, invalidating them first. Huge pages are migrated whole.
func (as *AddressSpace) Migrate(ctx context.Context, addr hostarch.Addr, length uint64) error {
	ar, ok := addr.ToRange(length)
	if !ok || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	end := as.BeginInvalidate(ctx, ar.Start, ar.End)
	defer end()

	as.mu.Lock()
	defer as.mu.Unlock()
	var moved []*pte
	as.ptes.AscendRange(&pte{addr: ar.Start}, &pte{addr: ar.End}, func(e *pte) bool {
		moved = append(moved, e)
		return true
	})
	for _, e := range moved {
		if v := as.findVMALocked(e.addr); v != nil && v.huge {
			// Whole huge pages only; partial ones stay in place.
			head := e.addr.HugeRoundDown()
			if head < ar.Start || head+hostarch.HugePageSize > ar.End {
				continue
			}
			if e.addr == head {
				phys := allocPhys(hostarch.HugePageSize)
				for off := uint64(0); off < hostarch.HugePageSize; off += hostarch.PageSize {
					as.ptes.ReplaceOrInsert(&pte{addr: head + hostarch.Addr(off), page: newPage(phys + off)})
				}
			}
			continue
		}
		as.ptes.ReplaceOrInsert(&pte{addr: e.addr, page: newPage(allocPhys(hostarch.PageSize))})
	}
	return nil
}

// ReplacePageNoNotify replaces the page mapped at addr without notifying,
// modelling a lost invalidation.
func (as *AddressSpace) ReplacePageNoNotify(addr hostarch.Addr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	addr = addr.RoundDown()
	if _, ok := as.ptes.Get(&pte{addr: addr}); !ok {
		return linuxerr.EFAULT
	}
	as.ptes.ReplaceOrInsert(&pte{addr: addr, page: newPage(allocPhys(hostarch.PageSize))})
	return nil
}

// Exit drops the initial reference on the address space. Once all faults in
// progress have finished, every notifier is released and the page table is
// torn down.
func (as *AddressSpace) Exit() {
	as.exitOnce.Do(as.Put)
}

// Exited returns true once the address space has been torn down.
func (as *AddressSpace) Exited() bool {
	return as.exited.Load()
}

// teardown runs when the last user reference is dropped.
func (as *AddressSpace) teardown() {
	as.exited.Store(true)
	ctx := context.Background()
	for _, n := range as.snapshotNotifiers() {
		n.Release(ctx)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.ptes.Clear(false)
	as.vmas.Clear(false)
	log.Debugf("address space %d exited", as.id)
}
