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

// NotifierSeq returns the invalidation sequence number to pass to MapPages.
// It must be read before the caller looks up the pages it is about to map.
func (r *Region) NotifierSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifiersSeq
}

// RetryNeeded returns true if an invalidation is in flight or has completed
// since seq was read by NotifierSeq.
func (r *Region) RetryNeeded(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retryNeededLocked(seq)
}

// +checklocks:r.mu
func (r *Region) retryNeededLocked(seq uint64) bool {
	return r.notifiersCount > 0 || r.notifiersSeq != seq
}

// WaitNotifiers blocks until no invalidation is in flight on r, or ctx is
// cancelled.
func (r *Region) WaitNotifiers(ctx context.Context) error {
	return r.notifierCompletion.Wait(ctx)
}

// mapResult is the outcome of committing a single page.
type mapResult int

const (
	mapOK mapResult = iota
	mapRetry
	mapFault
	mapMismatch
	mapReleased
)

// MapPages pins and DMA-maps the pages backing [userVirt, userVirt+bcnt) of
// r with the given access, and returns the number of region pages mapped
// starting at the page containing userVirt.
//
// currentSeq must have been read with NotifierSeq before the caller decided
// to fault. If an invalidation races with the fault, MapPages returns EAGAIN
// and the caller must fault again with a fresh sequence number. Pages already
// mapped at a slot are not pinned again; their access bits are merged.
//
// If pinning fails after some pages were mapped the count mapped so far is
// returned without an error. Errors while committing pages are returned even
// if earlier pages were mapped.
func (r *Region) MapPages(ctx context.Context, userVirt hostarch.Addr, bcnt uint64, access AccessBits, currentSeq uint64) (int, error) {
	pageFaults.Increment()
	defer mapPagesLatency.Start().Finish()

	if access == 0 || access&^(ReadAllowed|WriteAllowed) != 0 {
		return 0, linuxerr.EINVAL
	}
	if r.implicit {
		// Faults on implicit regions are served by children.
		return 0, linuxerr.EINVAL
	}
	end, ok := userVirt.AddLength(bcnt)
	if !ok || userVirt < r.start || end > r.end {
		return 0, ErrOutOfRange
	}

	as := r.perMM.as
	if r.dying.Load() || !as.Get() {
		return 0, ErrAddressSpaceGone
	}
	defer as.Put()

	pageMask := hostarch.Addr(1)<<r.pageShift - 1
	bcnt += uint64(userVirt & pageMask)
	userVirt &^= pageMask
	startIdx := r.slotIndex(userVirt)
	k := startIdx
	write := access&WriteAllowed != 0

	var (
		result   = mapOK
		pinErr   error
		physPrev uint64
	)
	for bcnt > 0 {
		npages := min(uint64(r.ctx.opts.PinBatchPages), (bcnt+hostarch.PageSize-1)/hostarch.PageSize)
		pages, err := as.PinPages(ctx, userVirt, int(npages), write)
		if err == nil && len(pages) == 0 {
			err = linuxerr.EFAULT
		}
		if err != nil {
			pinErr = err
			break
		}
		bcnt -= min(bcnt, uint64(len(pages))<<hostarch.PageShift)

		r.mu.Lock()
		j := 0
		for ; j < len(pages); j, userVirt = j+1, userVirt+hostarch.PageSize {
			page := pages[j]
			if userVirt&pageMask != 0 {
				// A tail page of a larger region page. It must be
				// contiguous with the head page, which the DMA mapping
				// covers.
				physPrev += hostarch.PageSize
				if page.PhysAddr() != physPrev {
					result = mapFault
					break
				}
				page.Put()
				continue
			}
			if result = r.mapSinglePageLocked(k, page, access, currentSeq); result != mapOK {
				break
			}
			physPrev = page.PhysAddr()
			k++
		}
		r.mu.Unlock()

		if result != mapOK {
			// mapSinglePageLocked consumes its page; tail pages do not.
			if result == mapFault && userVirt&pageMask != 0 {
				pages[j].Put()
			}
			for j++; j < len(pages); j++ {
				pages[j].Put()
			}
			break
		}
	}

	switch result {
	case mapOK:
	case mapRetry:
		faultRetries.Increment()
		return 0, linuxerr.EAGAIN
	case mapMismatch:
		mismatchedPages.Increment()
		faultRetries.Increment()
		r.invalidateSlot(ctx, k)
		return 0, linuxerr.EAGAIN
	case mapReleased:
		return 0, linuxerr.EFAULT
	default:
		log.Debugf("%v: failed to map page at %v", r, userVirt)
		return 0, linuxerr.EFAULT
	}
	if pinErr != nil {
		if k == startIdx {
			return 0, pinErr
		}
		log.Debugf("%v: pinning stopped at %v after %d pages: %v", r, userVirt, k-startIdx, pinErr)
	}
	return k - startIdx, nil
}

// mapSinglePageLocked commits page at slot idx. It always drops the pin on
// page.
//
// +checklocks:r.mu
func (r *Region) mapSinglePageLocked(idx int, page Page, access AccessBits, currentSeq uint64) mapResult {
	defer page.Put()

	if r.released {
		return mapReleased
	}
	if r.retryNeededLocked(currentSeq) {
		return mapRetry
	}
	switch {
	case r.dmaList[idx] == 0:
		dma, err := r.ctx.dev.MapPage(page, r.PageSize())
		if err != nil {
			log.Debugf("%v: DMA mapping slot %d failed: %v", r, idx, err)
			return mapFault
		}
		r.dmaList[idx] = dma | uint64(access)
		r.pageList[idx] = page
		r.npages++
		pagesMapped.Increment()
	case r.pageList[idx] == page:
		r.dmaList[idx] |= uint64(access)
	default:
		r.ctx.mismatchLog.Warningf("%v: got different pages from the device and the address space at slot %d: device phys %#x, address space phys %#x",
			r, idx, r.pageList[idx].PhysAddr(), page.PhysAddr())
		return mapMismatch
	}
	return mapOK
}

// invalidateSlot forcibly unmaps slot idx as an invalidation would.
func (r *Region) invalidateSlot(ctx context.Context, idx int) {
	start := r.start + hostarch.Addr(uint64(idx)<<r.pageShift)
	end := start + hostarch.Addr(r.PageSize())
	r.startAccount()
	r.ctx.dev.InvalidateRange(r, start, end)
	r.UnmapPages(start, end)
	r.endAccount()
}
