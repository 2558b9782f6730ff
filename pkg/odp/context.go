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
	"time"

	"github.com/google/btree"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/rcu"
	"gvisor.dev/odp/pkg/sync"
)

// DefaultPinBatchPages is the default number of pages pinned per batch.
const DefaultPinBatchPages = 512

// ContextOpts configures a Context.
type ContextOpts struct {
	// PinBatchPages is the maximum number of system pages pinned by a single
	// PinPages call. Zero selects DefaultPinBatchPages.
	PinBatchPages int

	// MaxRegionPages limits the page table size of a single region. Zero
	// means no limit.
	MaxRegionPages uint64

	// MismatchLogInterval limits how often page mismatches are logged.
	// Zero logs every mismatch.
	MismatchLogInterval time.Duration
}

// Context is the user context of a device. It owns the per address space
// registries of all regions registered through it.
type Context struct {
	dev  Device
	opts ContextOpts

	// rcu defers the final free of per address space registries until no
	// notifier callback can reference them.
	rcu *rcu.Domain

	mismatchLog log.Logger

	// perMMListMu protects perMMList and the refcounts of its entries.
	perMMListMu sync.Mutex

	// perMMList holds the live registries, ordered by address space ID.
	//
	// +checklocks:perMMListMu
	perMMList *btree.BTreeG[*perMM]

	// +checklocks:perMMListMu
	closed bool
}

// NewContext returns a Context mapping regions for dev. A nil dev creates a
// context without on-demand paging support.
func NewContext(dev Device, opts ContextOpts) *Context {
	if opts.PinBatchPages <= 0 {
		opts.PinBatchPages = DefaultPinBatchPages
	}
	mismatchLog := log.Logger(log.Log())
	if opts.MismatchLogInterval > 0 {
		mismatchLog = log.BasicRateLimitedLogger(opts.MismatchLogInterval)
	}
	return &Context{
		dev:         dev,
		opts:        opts,
		rcu:         rcu.NewDomain(),
		mismatchLog: mismatchLog,
		perMMList: btree.NewG(2, func(a, b *perMM) bool {
			return a.as.ID() < b.as.ID()
		}),
	}
}

// OnDemandSupported returns true if regions can be registered.
func (c *Context) OnDemandSupported() bool {
	return c.dev != nil
}

// Device returns the device regions are mapped for.
func (c *Context) Device() Device {
	return c.dev
}

// Lookup returns the first region registered for as that overlaps
// [addr, addr+length), or nil. Implicit regions are never returned.
func (c *Context) Lookup(as AddressSpace, addr hostarch.Addr, length uint64) *Region {
	if length == 0 {
		return nil
	}
	last := addr + hostarch.Addr(length-1)
	if last < addr {
		last = ^hostarch.Addr(0)
	}

	// p cannot be freed while the read lock is held.
	tok := c.rcu.ReadLock()
	defer c.rcu.ReadUnlock(tok)
	c.perMMListMu.Lock()
	p, ok := c.perMMList.Get(&perMM{as: as})
	c.perMMListMu.Unlock()
	if !ok {
		return nil
	}
	p.umemMu.RLock()
	defer p.umemMu.RUnlock()
	if !p.active {
		return nil
	}
	if n := p.tree.First(addr, last); n != nil {
		return n.Value
	}
	return nil
}

// AddressSpaces returns the number of address spaces with live regions.
func (c *Context) AddressSpaces() int {
	c.perMMListMu.Lock()
	defer c.perMMListMu.Unlock()
	return c.perMMList.Len()
}

// Close waits for deferred frees to finish and stops the reclamation worker.
// Regions still registered are leaked and reported.
func (c *Context) Close() {
	c.perMMListMu.Lock()
	if c.closed {
		c.perMMListMu.Unlock()
		return
	}
	c.closed = true
	leaked := c.perMMList.Len()
	c.perMMList.Ascend(func(p *perMM) bool {
		log.Warningf("Context closed with live regions: %s", p.LeakMessage())
		return true
	})
	c.perMMListMu.Unlock()

	c.rcu.Barrier()
	c.rcu.Close()
	if leaked > 0 {
		log.Warningf("Context closed with %d address spaces still registered", leaked)
	}
}
