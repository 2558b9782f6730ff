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

// Package pagefault resolves device page faults on on-demand paging regions.
//
// A Handler plays the role of a device driver's fault work: it maps the
// faulting range, and when the mapping races with an invalidation it waits
// for the region's invalidations to finish and retries with backoff.
package pagefault

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/odp/pkg/errors/linuxerr"
	"gvisor.dev/odp/pkg/gate"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/metric"
	"gvisor.dev/odp/pkg/odp"
	"gvisor.dev/odp/pkg/sync"
)

var (
	faultsResolved  = metric.MustCreateNewUint64Metric("pagefault_resolved", "Number of device faults resolved.")
	faultsFailed    = metric.MustCreateNewUint64Metric("pagefault_failed", "Number of device faults that could not be resolved.")
	notifierTimeout = metric.MustCreateNewUint64Metric("pagefault_notifier_wait_timeouts", "Number of retried faults that timed out waiting for invalidations.")
	childrenCreated = metric.MustCreateNewUint64Metric("pagefault_implicit_children", "Number of child regions created for implicit regions.")
)

// Opts configures a Handler.
type Opts struct {
	// Retries bounds how often a fault that raced with an invalidation is
	// retried.
	Retries int

	// RetryInitial and RetryMax bound the backoff between retries.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// NotifierWaitTimeout bounds the wait for invalidations on the region
	// before a retry.
	NotifierWaitTimeout time.Duration

	// ChildSize is the size of child regions created for implicit regions.
	// It must be a multiple of the page size.
	ChildSize uint64
}

// Handler resolves faults. It is safe for concurrent use.
type Handler struct {
	opts Opts

	// gate is closed by Close; faults in progress hold it.
	gate gate.Gate

	// implicitMu serializes child creation.
	implicitMu sync.Mutex

	// children are the child regions created per implicit region.
	//
	// +checklocks:implicitMu
	children map[*odp.Region][]*odp.Region
}

// NewHandler returns a new Handler.
func NewHandler(opts Opts) *Handler {
	return &Handler{
		opts:     opts,
		children: make(map[*odp.Region][]*odp.Region),
	}
}

// HandleFault maps [addr, addr+length) of r for a device read, or write if
// write is set. It returns the number of region pages mapped, or ENODEV once
// Close has been called.
func (h *Handler) HandleFault(ctx context.Context, r *odp.Region, addr hostarch.Addr, length uint64, write bool) (int, error) {
	if !h.gate.Enter() {
		return 0, linuxerr.ENODEV
	}
	defer h.gate.Leave()

	access := odp.ReadAllowed
	if write {
		access |= odp.WriteAllowed
	}
	var (
		n   int
		err error
	)
	if r.Implicit() {
		n, err = h.handleImplicit(ctx, r, addr, length, access)
	} else {
		n, err = h.mapWithRetry(ctx, r, addr, length, access)
	}
	if err != nil {
		faultsFailed.Increment()
		return n, err
	}
	faultsResolved.Increment()
	return n, nil
}

func (h *Handler) newBackOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     h.opts.RetryInitial,
		RandomizationFactor: 0.1,
		Multiplier:          2,
		MaxInterval:         h.opts.RetryMax,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.opts.Retries)), ctx)
}

// mapWithRetry maps the range, retrying faults that raced with an
// invalidation.
func (h *Handler) mapWithRetry(ctx context.Context, r *odp.Region, addr hostarch.Addr, length uint64, access odp.AccessBits) (int, error) {
	var n int
	op := func() error {
		seq := r.NotifierSeq()
		got, err := r.MapPages(ctx, addr, length, access, seq)
		switch {
		case err == nil:
			n = got
			return nil
		case err == linuxerr.EAGAIN:
			h.waitNotifiers(ctx, r, seq)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := backoff.Retry(op, h.newBackOff(ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		log.Debugf("%v: fault on [%v, +%#x) failed: %v", r, addr, length, err)
		return 0, err
	}
	return n, nil
}

// waitNotifiers waits for invalidations of r to finish.
func (h *Handler) waitNotifiers(ctx context.Context, r *odp.Region, seq uint64) {
	wctx, cancel := context.WithTimeout(ctx, h.opts.NotifierWaitTimeout)
	defer cancel()
	if err := r.WaitNotifiers(wctx); err != nil && ctx.Err() == nil {
		notifierTimeout.Increment()
		log.Warningf("%v: timed out waiting for invalidations, seq %d retry needed %t", r, seq, r.RetryNeeded(seq))
	}
}

// handleImplicit resolves a fault on an implicit region by faulting on the
// child regions covering the range, creating them as needed.
func (h *Handler) handleImplicit(ctx context.Context, parent *odp.Region, addr hostarch.Addr, length uint64, access odp.AccessBits) (int, error) {
	end, ok := addr.AddLength(length)
	if !ok || length == 0 {
		return 0, odp.ErrOutOfRange
	}
	total := 0
	for cur := addr; cur < end; {
		child, err := h.child(ctx, parent, cur)
		if err != nil {
			return total, err
		}
		chunkEnd := min(end, child.End())
		n, err := h.mapWithRetry(ctx, child, cur, uint64(chunkEnd-cur), access)
		total += n
		if err != nil {
			return total, err
		}
		cur = chunkEnd
	}
	return total, nil
}

// child returns the child region of parent containing addr.
func (h *Handler) child(ctx context.Context, parent *odp.Region, addr hostarch.Addr) (*odp.Region, error) {
	h.implicitMu.Lock()
	defer h.implicitMu.Unlock()
	for _, c := range h.children[parent] {
		if c.Start() <= addr && addr < c.End() {
			return c, nil
		}
	}
	start := addr - addr%hostarch.Addr(h.opts.ChildSize)
	c, err := parent.AllocChild(ctx, start, h.opts.ChildSize)
	if err != nil {
		return nil, err
	}
	h.children[parent] = append(h.children[parent], c)
	childrenCreated.Increment()
	log.Debugf("created %v for implicit fault at %v", c, addr)
	return c, nil
}

// Children returns the number of child regions created for parent.
func (h *Handler) Children(parent *odp.Region) int {
	h.implicitMu.Lock()
	defer h.implicitMu.Unlock()
	return len(h.children[parent])
}

// ReleaseImplicit releases the children of parent and then parent.
func (h *Handler) ReleaseImplicit(ctx context.Context, parent *odp.Region) {
	h.implicitMu.Lock()
	children := h.children[parent]
	delete(h.children, parent)
	h.implicitMu.Unlock()
	for _, c := range children {
		c.Release(ctx)
	}
	parent.Release(ctx)
}

// Close stops new faults, waits for faults in progress, and releases every
// child region created by h. Implicit parents stay registered.
func (h *Handler) Close(ctx context.Context) {
	h.gate.Close()
	h.implicitMu.Lock()
	children := h.children
	h.children = make(map[*odp.Region][]*odp.Region)
	h.implicitMu.Unlock()
	for _, cs := range children {
		for _, c := range cs {
			c.Release(ctx)
		}
	}
}
