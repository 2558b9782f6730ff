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

package sync

import (
	"context"
	"time"
)

// Completion is a one-shot broadcast event that can be re-armed. Waiters block
// until CompleteAll is called; Reinit returns the Completion to the pending
// state for the next round of waiters.
//
// The zero value of Completion is pending.
type Completion struct {
	mu Mutex

	// done is true after CompleteAll and before the next Reinit.
	//
	// +checklocks:mu
	done bool

	// ch is closed when done becomes true. It is allocated lazily.
	//
	// +checklocks:mu
	ch chan struct{}
}

// chLocked returns the channel for the current round.
//
// +checklocks:c.mu
func (c *Completion) chLocked() chan struct{} {
	if c.ch == nil {
		c.ch = make(chan struct{})
		if c.done {
			close(c.ch)
		}
	}
	return c.ch
}

// Reinit re-arms c. Goroutines already woken by a previous CompleteAll are
// not affected.
func (c *Completion) Reinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		c.done = false
		c.ch = nil
	}
}

// CompleteAll wakes all current and future waiters until the next Reinit.
func (c *Completion) CompleteAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	if c.ch != nil {
		close(c.ch)
	}
}

// Done returns true if c has been completed since the last Reinit.
func (c *Completion) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Wait blocks until c is completed or ctx is cancelled, in which case it
// returns ctx.Err().
func (c *Completion) Wait(ctx context.Context) error {
	c.mu.Lock()
	ch := c.chLocked()
	c.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until c is completed or timeout elapses. It returns true
// if c was completed.
func (c *Completion) WaitTimeout(timeout time.Duration) bool {
	c.mu.Lock()
	ch := c.chLocked()
	c.mu.Unlock()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
