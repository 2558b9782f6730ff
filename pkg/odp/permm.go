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
	"fmt"
	"sync/atomic"

	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/intervaltree"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/refs"
	"gvisor.dev/odp/pkg/sync"
)

// perMM tracks the regions of one address space registered through one
// Context. It is the MMUNotifier registered with the address space.
//
// Its reference count is the number of regions using it, and is only
// modified with Context.perMMListMu held.
type perMM struct {
	refs.AtomicRefCount

	ctx *Context
	as  AddressSpace

	// umemMu protects tree and active. Invalidations hold it for reading
	// from InvalidateRangeStart until the matching InvalidateRangeEnd.
	umemMu sync.RWMutex

	// +checklocks:umemMu
	tree intervaltree.Tree[hostarch.Addr, *Region]

	// active is false once the last region is gone. It never becomes true
	// again.
	//
	// +checklocks:umemMu
	active bool

	// freed is set by the deferred free.
	freed atomic.Bool
}

var _ MMUNotifier = (*perMM)(nil)

// getPerMMLocked returns the registry for as with a new reference, creating
// and registering it if needed.
//
// +checklocks:c.perMMListMu
func (c *Context) getPerMMLocked(as AddressSpace) (*perMM, error) {
	if p, ok := c.perMMList.Get(&perMM{as: as}); ok {
		p.IncRef()
		return p, nil
	}

	p := &perMM{
		ctx:    c,
		as:     as,
		active: true,
	}
	p.InitRefs(fmt.Sprintf("odp.perMM(as=%d)", as.ID()))
	if err := as.RegisterNotifier(p); err != nil {
		// Nothing else references p yet.
		p.DecRef(nil)
		return nil, err
	}
	c.perMMList.ReplaceOrInsert(p)
	log.Debugf("Registered per-mm %p for address space %d", p, as.ID())
	return p, nil
}

// getPerMM is getPerMMLocked for callers that do not hold perMMListMu.
func (c *Context) getPerMM(as AddressSpace) (*perMM, error) {
	c.perMMListMu.Lock()
	defer c.perMMListMu.Unlock()
	return c.getPerMMLocked(as)
}

// incPerMM takes an additional reference on p, which must be live.
func (c *Context) incPerMM(p *perMM) {
	c.perMMListMu.Lock()
	defer c.perMMListMu.Unlock()
	p.IncRef()
}

// putPerMM drops a reference on p, tearing it down with the last one.
func (c *Context) putPerMM(p *perMM) {
	dead := false
	c.perMMListMu.Lock()
	p.DecRef(func() {
		c.perMMList.Delete(p)

		// Racing notifier callbacks observe !active and do nothing.
		p.umemMu.Lock()
		if p.tree.Len() != 0 {
			panic(fmt.Sprintf("per-mm %p torn down with %d regions", p, p.tree.Len()))
		}
		p.active = false
		p.umemMu.Unlock()

		p.as.UnregisterNotifierNoRelease(p)
		dead = true
	})
	c.perMMListMu.Unlock()
	// Lookup holds an RCU read lock while taking perMMListMu, so the grace
	// period must not be waited for under it.
	if dead {
		c.rcu.CallRCU(p.free)
	}
}

// free runs once no notifier callback can still be using p.
func (p *perMM) free() {
	p.freed.Store(true)
	perMMFreed.Increment()
	log.Debugf("Freed per-mm %p for address space %d", p, p.as.ID())
}

// insert adds r to the interval tree.
func (p *perMM) insert(r *Region) {
	p.umemMu.Lock()
	defer p.umemMu.Unlock()
	r.node = p.tree.Insert(r.start, r.end-1, r)
}

// forEachInRange calls fn for every region overlapping [start, end).
//
// +checklocksread:p.umemMu
func (p *perMM) forEachInRange(start, end hostarch.Addr, fn func(*Region)) {
	if end <= start {
		return
	}
	p.tree.VisitOverlapping(start, end-1, func(n *intervaltree.Node[hostarch.Addr, *Region]) bool {
		fn(n.Value)
		return true
	})
}

// anyInRange returns true if any region overlaps [start, end).
//
// +checklocksread:p.umemMu
func (p *perMM) anyInRange(start, end hostarch.Addr) bool {
	if end <= start {
		return false
	}
	return p.tree.First(start, end-1) != nil
}

// isActive reads active. It is only called with umemMu read-held by an
// earlier InvalidateRangeStart, or when a stale result is harmless.
//
// +checklocksignore
func (p *perMM) isActive() bool {
	return p.active
}
