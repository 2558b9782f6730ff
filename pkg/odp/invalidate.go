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

	"gvisor.dev/odp/pkg/errors/linuxerr"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/log"
)

// startAccount marks the start of an invalidation of r. Faults that commit
// pages before the matching endAccount retry.
func (r *Region) startAccount() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notifiersCount == 0 {
		r.notifierCompletion.Reinit()
	}
	r.notifiersCount++
	invalidations.Increment()
}

// endAccount marks the end of an invalidation of r.
func (r *Region) endAccount() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiersSeq++
	r.notifiersCount--
	if r.notifiersCount < 0 {
		panic(r.String() + ": unbalanced invalidation end")
	}
	if r.notifiersCount == 0 {
		r.notifierCompletion.CompleteAll()
	}
}

// UnmapPages DMA-unmaps every mapped slot of r overlapping [start, end).
// Pages mapped for writing are marked dirty. Unmapping unmapped slots is a
// no-op.
func (r *Region) UnmapPages(start, end hostarch.Addr) {
	if r.implicit {
		return
	}
	start = max(start, r.start).AlignDown(r.pageShift)
	end = min(end, r.end)

	r.mu.Lock()
	defer r.mu.Unlock()
	for addr := start; addr < end; addr += hostarch.Addr(r.PageSize()) {
		idx := r.slotIndex(addr)
		page := r.pageList[idx]
		if page == nil {
			continue
		}
		dma := r.dmaList[idx]
		r.ctx.dev.UnmapPage(dma&DMAAddrMask, r.PageSize())
		if dma&uint64(WriteAllowed) != 0 {
			page.SetDirty()
		}
		r.pageList[idx] = nil
		r.dmaList[idx] = 0
		r.npages--
		pagesUnmapped.Increment()
	}
}

// enterCallback starts an RCU read-side critical section covering a notifier
// callback. It returns false, having exited the section, if p was freed.
func (p *perMM) enterCallback(name string) (int, bool) {
	tok := p.ctx.rcu.ReadLock()
	if p.freed.Load() {
		p.ctx.rcu.ReadUnlock(tok)
		log.Debugf("per-mm %p: %s after free ignored", p, name)
		return 0, false
	}
	return tok, true
}

// Release implements MMUNotifier.Release.
//
// Every region is marked dying and unmapped. Its invalidation count is left
// raised, so racing faults retry until they observe the dying flag.
func (p *perMM) Release(ctx context.Context) {
	tok, ok := p.enterCallback("release")
	if !ok {
		return
	}
	defer p.ctx.rcu.ReadUnlock(tok)

	p.umemMu.RLock()
	defer p.umemMu.RUnlock()
	if !p.active {
		return
	}
	log.Debugf("Address space %d released with %d regions", p.as.ID(), p.tree.Len())
	p.forEachInRange(0, ^hostarch.Addr(0), func(r *Region) {
		r.startAccount()
		r.dying.Store(true)
		r.notifierCompletion.CompleteAll()
		p.ctx.dev.InvalidateRange(r, r.start, r.end)
		r.UnmapPages(r.start, r.end)
	})
}

// InvalidateRangeStart implements MMUNotifier.InvalidateRangeStart.
//
// On success the read lock on umemMu is held until InvalidateRangeEnd, so the
// set of regions cannot change in between.
func (p *perMM) InvalidateRangeStart(ctx context.Context, nr NotifierRange) error {
	tok, ok := p.enterCallback("range start")
	if !ok {
		return nil
	}
	defer p.ctx.rcu.ReadUnlock(tok)

	if nr.Blockable {
		p.umemMu.RLock()
	} else if !p.umemMu.TryRLock() {
		return linuxerr.EAGAIN
	}
	if !p.active {
		// active never becomes true again, so InvalidateRangeEnd skips the
		// unlock without taking the lock.
		p.umemMu.RUnlock()
		return nil
	}
	if !nr.Blockable && p.anyInRange(nr.Start, nr.End) {
		p.umemMu.RUnlock()
		return linuxerr.EAGAIN
	}
	p.forEachInRange(nr.Start, nr.End, func(r *Region) {
		r.startAccount()
		p.ctx.dev.InvalidateRange(r, nr.Start, nr.End)
		r.UnmapPages(nr.Start, nr.End)
	})
	return nil
}

// InvalidateRangeEnd implements MMUNotifier.InvalidateRangeEnd.
func (p *perMM) InvalidateRangeEnd(ctx context.Context, nr NotifierRange) {
	tok, ok := p.enterCallback("range end")
	if !ok {
		return
	}
	defer p.ctx.rcu.ReadUnlock(tok)

	// Safe without the lock: if active was set at InvalidateRangeStart the
	// read lock is still held and it cannot have been cleared.
	if !p.isActive() {
		return
	}
	p.forEachInRange(nr.Start, nr.End, func(r *Region) {
		r.endAccount()
	})
	p.umemMu.RUnlock()
}
