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

// Package memsim simulates the collaborators of on-demand paging regions: a
// process address space with a page table and notifier chain, and a DMA
// device with an IOMMU mapping table.
package memsim

import (
	"sync/atomic"

	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/sync"
)

// physBase is the first simulated physical address.
const physBase = 1 << 32

var (
	physMu sync.Mutex

	// +checklocks:physMu
	nextPhys uint64 = physBase
)

// allocPhys returns size bytes of fresh physical memory aligned to size.
func allocPhys(size uint64) uint64 {
	physMu.Lock()
	defer physMu.Unlock()
	p := (nextPhys + size - 1) &^ (size - 1)
	nextPhys = p + size
	return p
}

// Page is a simulated physical page. It implements odp.Page.
type Page struct {
	phys uint64

	// pins counts transient pins and device mappings.
	pins atomic.Int32

	dirty atomic.Bool
}

func newPage(phys uint64) *Page {
	return &Page{phys: phys}
}

// PhysAddr implements odp.Page.PhysAddr.
func (p *Page) PhysAddr() uint64 {
	return p.phys
}

// Get takes a pin on p.
func (p *Page) Get() {
	p.pins.Add(1)
}

// Put implements odp.Page.Put.
func (p *Page) Put() {
	if p.pins.Add(-1) < 0 {
		panic("memsim: page pin count went negative")
	}
}

// SetDirty implements odp.Page.SetDirty.
func (p *Page) SetDirty() {
	p.dirty.Store(true)
}

// Pins returns the number of outstanding pins on p.
func (p *Page) Pins() int {
	return int(p.pins.Load())
}

// Dirty returns true if p was marked dirty.
func (p *Page) Dirty() bool {
	return p.dirty.Load()
}

// pte is a page table entry.
type pte struct {
	addr hostarch.Addr
	page *Page
}

func ptesLess(a, b *pte) bool {
	return a.addr < b.addr
}

// vma is a mapping created by Map.
type vma struct {
	start hostarch.Addr
	end   hostarch.Addr
	perms hostarch.AccessType
	huge  bool
}

func vmasLess(a, b *vma) bool {
	return a.start < b.start
}
