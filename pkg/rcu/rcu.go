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

// Package rcu implements a small sleepable read-copy-update domain.
//
// Readers bracket accesses to shared objects with ReadLock and ReadUnlock.
// Writers that unpublish an object either call Synchronize, which returns
// once every read-side critical section that could have observed the object
// has ended, or hand the object's destructor to CallRCU, which runs it on a
// background worker after such a grace period.
//
// Read-side critical sections may block. Each Domain keeps two reader
// counters; a grace period flips the active counter and waits for the
// retired one to drain.
package rcu

import (
	"sync/atomic"
	"time"

	"gvisor.dev/odp/pkg/sync"
)

const (
	// minPoll and maxPoll bound the interval at which Synchronize checks
	// whether the retired reader counter has drained.
	minPoll = 10 * time.Microsecond
	maxPoll = time.Millisecond
)

// Domain is an RCU domain. The zero value is not usable; use NewDomain.
type Domain struct {
	// readers counts read-side critical sections per index.
	readers [2]atomic.Int64

	// idx is the index new readers use.
	idx atomic.Uint32

	// gpMu serializes grace periods.
	gpMu sync.Mutex

	// mu protects the fields below.
	mu sync.Mutex

	// idle is signalled when pending drops to zero.
	idle *sync.Cond

	// +checklocks:mu
	callbacks []func()

	// pending is the number of callbacks queued or running.
	//
	// +checklocks:mu
	pending int

	// +checklocks:mu
	closed bool

	// kick wakes the worker. It has a buffer of one.
	kick chan struct{}

	// stop is closed by Close; done is closed when the worker exits.
	stop chan struct{}
	done chan struct{}

	// gracePeriods counts completed grace periods.
	gracePeriods atomic.Uint64
}

// NewDomain returns a new Domain and starts its callback worker.
func NewDomain() *Domain {
	d := &Domain{
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	d.idle = sync.NewCond(&d.mu)
	go d.worker()
	return d
}

// ReadLock enters a read-side critical section and returns a token that must
// be passed to the matching ReadUnlock.
func (d *Domain) ReadLock() int {
	for {
		i := d.idx.Load()
		d.readers[i].Add(1)
		if d.idx.Load() == i {
			return int(i)
		}
		// A grace period started between the load and the increment. It
		// may already have seen readers[i] drained; retry on the new index.
		d.readers[i].Add(-1)
	}
}

// ReadUnlock exits the read-side critical section identified by token.
func (d *Domain) ReadUnlock(token int) {
	if d.readers[token].Add(-1) < 0 {
		panic("rcu: ReadUnlock without matching ReadLock")
	}
}

// Synchronize blocks until all read-side critical sections that began before
// the call have ended. It must not be called from inside a read-side critical
// section of the same domain.
func (d *Domain) Synchronize() {
	d.gpMu.Lock()
	defer d.gpMu.Unlock()

	old := d.idx.Load()
	d.idx.Store(old ^ 1)
	poll := minPoll
	for d.readers[old].Load() != 0 {
		time.Sleep(poll)
		if poll < maxPoll {
			poll *= 2
		}
	}
	d.gracePeriods.Add(1)
}

// GracePeriods returns the number of grace periods completed so far.
func (d *Domain) GracePeriods() uint64 {
	return d.gracePeriods.Load()
}

// CallRCU queues fn to run after a grace period. Callbacks queued after Close
// are run synchronously after a grace period on the caller's goroutine.
func (d *Domain) CallRCU(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.Synchronize()
		fn()
		return
	}
	d.callbacks = append(d.callbacks, fn)
	d.pending++
	d.mu.Unlock()

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Barrier waits until every callback queued before the call has run.
func (d *Domain) Barrier() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.idle.Wait()
	}
}

// Close runs all queued callbacks and stops the worker. The Domain remains
// usable for read-side critical sections and Synchronize.
func (d *Domain) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stop)
	<-d.done
}

func (d *Domain) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.kick:
			d.runBatch()
		case <-d.stop:
			d.runBatch()
			return
		}
	}
}

// runBatch runs every callback queued so far after a single grace period.
func (d *Domain) runBatch() {
	d.mu.Lock()
	cbs := d.callbacks
	d.callbacks = nil
	d.mu.Unlock()
	if len(cbs) == 0 {
		return
	}

	d.Synchronize()
	for _, fn := range cbs {
		fn()
	}

	d.mu.Lock()
	d.pending -= len(cbs)
	if d.pending == 0 {
		d.idle.Broadcast()
	}
	d.mu.Unlock()
}
