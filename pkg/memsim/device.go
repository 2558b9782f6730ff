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
	"fmt"
	"time"

	"gvisor.dev/odp/pkg/errors/linuxerr"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/odp"
	"gvisor.dev/odp/pkg/sync"
)

// iovaBase is the first device address handed out.
const iovaBase = 1 << 40

// DeviceOpts configures a Device.
type DeviceOpts struct {
	// MapDelay is slept in every MapPage call.
	MapDelay time.Duration

	// InvalidateDelay is slept in every InvalidateRange call.
	InvalidateDelay time.Duration

	// MapHook, if set, is called by MapPage with the physical address of the
	// page before it is mapped.
	MapHook func(phys uint64)
}

// Invalidation records a call to Device.InvalidateRange.
type Invalidation struct {
	Region *odp.Region
	Start  hostarch.Addr
	End    hostarch.Addr
}

// iommuEntry is a device mapping.
type iommuEntry struct {
	page odp.Page
	size uint64
}

// Device is a simulated DMA device. It implements odp.Device.
type Device struct {
	opts DeviceOpts

	mu sync.Mutex

	// +checklocks:mu
	nextIOVA uint64

	// iommu maps device addresses to pages.
	//
	// +checklocks:mu
	iommu map[uint64]iommuEntry

	// +checklocks:mu
	failMaps int

	// +checklocks:mu
	invalidations []Invalidation

	// badUnmaps counts unmaps of addresses that were not mapped.
	//
	// +checklocks:mu
	badUnmaps int
}

var _ odp.Device = (*Device)(nil)

// NewDevice returns a new Device.
func NewDevice(opts DeviceOpts) *Device {
	return &Device{
		opts:     opts,
		nextIOVA: iovaBase,
		iommu:    make(map[uint64]iommuEntry),
	}
}

// getter is implemented by pages that can take an additional pin.
type getter interface {
	Get()
}

// MapPage implements odp.Device.MapPage. The mapping holds a pin on p.
func (d *Device) MapPage(p odp.Page, size uint64) (uint64, error) {
	if d.opts.MapHook != nil {
		d.opts.MapHook(p.PhysAddr())
	}
	if d.opts.MapDelay > 0 {
		time.Sleep(d.opts.MapDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failMaps > 0 {
		d.failMaps--
		return 0, linuxerr.EIO
	}
	iova := (d.nextIOVA + size - 1) &^ (size - 1)
	d.nextIOVA = iova + size
	d.iommu[iova] = iommuEntry{page: p, size: size}
	if g, ok := p.(getter); ok {
		g.Get()
	}
	return iova, nil
}

// UnmapPage implements odp.Device.UnmapPage.
func (d *Device) UnmapPage(dma uint64, size uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.iommu[dma]
	if !ok || e.size != size {
		d.badUnmaps++
		log.Warningf("device: unmap of unmapped address %#x size %#x", dma, size)
		return
	}
	delete(d.iommu, dma)
	e.page.Put()
}

// InvalidateRange implements odp.Device.InvalidateRange.
func (d *Device) InvalidateRange(r *odp.Region, start, end hostarch.Addr) {
	if d.opts.InvalidateDelay > 0 {
		time.Sleep(d.opts.InvalidateDelay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidations = append(d.invalidations, Invalidation{Region: r, Start: start, End: end})
}

// FailNextMaps makes the next n MapPage calls fail.
func (d *Device) FailNextMaps(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failMaps = n
}

// Mapped returns the number of live device mappings.
func (d *Device) Mapped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.iommu)
}

// Translate returns the physical address mapped at dma.
func (d *Device) Translate(dma uint64) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.iommu[dma&odp.DMAAddrMask]
	if !ok {
		return 0, false
	}
	return e.page.PhysAddr(), true
}

// Invalidations returns the InvalidateRange calls made so far.
func (d *Device) Invalidations() []Invalidation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Invalidation(nil), d.invalidations...)
}

// BadUnmaps returns the number of UnmapPage calls for unmapped addresses.
func (d *Device) BadUnmaps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.badUnmaps
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("device{mapped: %d, invalidations: %d}", len(d.iommu), len(d.invalidations))
}
