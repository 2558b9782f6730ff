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

package odp_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/odp/pkg/errors/linuxerr"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/memsim"
	"gvisor.dev/odp/pkg/odp"
)

const regionAccess = odp.AccessOnDemand | odp.AccessLocalWrite

type testEnv struct {
	ctx  context.Context
	as   *memsim.AddressSpace
	dev  *memsim.Device
	octx *odp.Context
}

func newTestEnv(t *testing.T, devOpts memsim.DeviceOpts, opts odp.ContextOpts) *testEnv {
	t.Helper()
	e := &testEnv{
		ctx: context.Background(),
		as:  memsim.NewAddressSpace(1),
		dev: memsim.NewDevice(devOpts),
	}
	e.octx = odp.NewContext(e.dev, opts)
	t.Cleanup(e.octx.Close)
	return e
}

func (e *testEnv) mapMemory(t *testing.T, addr hostarch.Addr, length uint64) {
	t.Helper()
	if err := e.as.Map(addr, length, memsim.MapOpts{Writable: true}); err != nil {
		t.Fatalf("Map(%v, %#x) failed: %v", addr, length, err)
	}
}

func (e *testEnv) register(t *testing.T, addr hostarch.Addr, length uint64) *odp.Region {
	t.Helper()
	r, err := e.octx.Register(e.ctx, e.as, addr, length, regionAccess)
	if err != nil {
		t.Fatalf("Register(%v, %#x) failed: %v", addr, length, err)
	}
	return r
}

// fault maps [addr, addr+length) with a fresh sequence number.
func fault(ctx context.Context, r *odp.Region, addr hostarch.Addr, length uint64, access odp.AccessBits) (int, error) {
	return r.MapPages(ctx, addr, length, access, r.NotifierSeq())
}

type slotState struct {
	Addr   hostarch.Addr
	Access odp.AccessBits
	Phys   uint64
}

// slots returns the mapped slots of r.
func slots(r *odp.Region) []slotState {
	var s []slotState
	r.VisitMapped(func(addr hostarch.Addr, dma uint64, page odp.Page) {
		s = append(s, slotState{
			Addr:   addr,
			Access: odp.AccessBits(dma &^ odp.DMAAddrMask),
			Phys:   page.PhysAddr(),
		})
	})
	return s
}

func checkMappings(t *testing.T, r *odp.Region) {
	t.Helper()
	if err := r.CheckMappings(); err != nil {
		t.Fatalf("CheckMappings: %v", err)
	}
}

func TestRegisterBounds(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{MaxRegionPages: 16})

	r := e.register(t, 0x1234, 0x2000)
	defer r.Release(e.ctx)
	if r.Start() != 0x1000 || r.End() != 0x4000 {
		t.Errorf("region bounds got [%v, %v) want [0x1000, 0x4000)", r.Start(), r.End())
	}
	if got := r.State(); got != odp.Active {
		t.Errorf("State got %v want %v", got, odp.Active)
	}
	if !r.Writable() {
		t.Errorf("Writable got false want true")
	}

	for _, tc := range []struct {
		name   string
		addr   hostarch.Addr
		length uint64
		access odp.AccessFlags
		want   error
	}{
		{"no on-demand flag", 0x1000, 0x1000, odp.AccessLocalWrite, linuxerr.EINVAL},
		{"zero length", 0x1000, 0, regionAccess, linuxerr.EINVAL},
		{"overflow", ^hostarch.Addr(0) - 0xfff, 0x2000, regionAccess, linuxerr.EOVERFLOW},
		{"align overflow", ^hostarch.Addr(0) - 0xfff, 0x800, regionAccess, linuxerr.EOVERFLOW},
		{"too large", 0x1000, 17 * hostarch.PageSize, regionAccess, linuxerr.ENOMEM},
		{"not huge", 0x1000, 0x1000, regionAccess | odp.AccessHugeTLB, linuxerr.EINVAL},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := e.octx.Register(e.ctx, e.as, tc.addr, tc.length, tc.access)
			if err != tc.want {
				t.Errorf("Register got (%v, %v) want error %v", r, err, tc.want)
			}
		})
	}
}

func TestRegisterWithoutDevice(t *testing.T) {
	octx := odp.NewContext(nil, odp.ContextOpts{})
	defer octx.Close()
	as := memsim.NewAddressSpace(1)
	if _, err := octx.Register(context.Background(), as, 0x1000, 0x1000, regionAccess); err != linuxerr.EOPNOTSUPP {
		t.Errorf("Register got %v want EOPNOTSUPP", err)
	}
}

func TestRegisterNotifierFailure(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.as.FailNextRegister(linuxerr.ENOMEM)
	if _, err := e.octx.Register(e.ctx, e.as, 0x1000, 0x1000, regionAccess); err != linuxerr.ENOMEM {
		t.Fatalf("Register got %v want ENOMEM", err)
	}
	if got := e.octx.AddressSpaces(); got != 0 {
		t.Errorf("AddressSpaces after failed registration got %d want 0", got)
	}
	// The failure is not sticky.
	r := e.register(t, 0x1000, 0x1000)
	r.Release(e.ctx)
}

func TestLookup(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	r := e.register(t, 0x1000, 0x4000)
	defer r.Release(e.ctx)

	if got := e.octx.Lookup(e.as, 0x2000, 0x1000); got != r {
		t.Errorf("Lookup(0x2000, 0x1000) got %v want %v", got, r)
	}
	if got := e.octx.Lookup(e.as, 0x5000, 0x1000); got != nil {
		t.Errorf("Lookup(0x5000, 0x1000) got %v want nil", got)
	}
	if got := e.octx.Lookup(memsim.NewAddressSpace(2), 0x2000, 0x1000); got != nil {
		t.Errorf("Lookup in another address space got %v want nil", got)
	}
}

func TestLookupRacesRegistryFree(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	// Frees now wait for a grace period on the releasing goroutine.
	e.octx.Close()

	var (
		g    errgroup.Group
		done atomic.Bool
	)
	g.Go(func() error {
		defer done.Store(true)
		for i := 0; i < 200; i++ {
			r, err := e.octx.Register(e.ctx, e.as, 0x1000, 0x1000, regionAccess)
			if err != nil {
				return err
			}
			r.Release(e.ctx)
		}
		return nil
	})
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			for !done.Load() {
				if r := e.octx.Lookup(e.as, 0x1000, 0x1000); r != nil && r.Start() != 0x1000 {
					return fmt.Errorf("Lookup got %v want a region at 0x1000", r)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := e.octx.AddressSpaces(); got != 0 {
		t.Errorf("AddressSpaces got %d want 0", got)
	}
}

func TestSharedRegistry(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	r1 := e.register(t, 0x1000, 0x1000)
	r2 := e.register(t, 0x1000, 0x1000)
	if got := e.octx.AddressSpaces(); got != 1 {
		t.Errorf("AddressSpaces got %d want 1", got)
	}
	if got := e.as.Notifiers(); got != 1 {
		t.Errorf("Notifiers got %d want 1", got)
	}
	r1.Release(e.ctx)
	if got := e.octx.Lookup(e.as, 0x1000, 1); got != r2 {
		t.Errorf("Lookup after releasing r1 got %v want %v", got, r2)
	}
	r2.Release(e.ctx)
	if got := e.octx.AddressSpaces(); got != 0 {
		t.Errorf("AddressSpaces after release got %d want 0", got)
	}
	if got := e.as.Notifiers(); got != 0 {
		t.Errorf("Notifiers after release got %d want 0", got)
	}
	if got := r2.State(); got != odp.Destroyed {
		t.Errorf("State got %v want %v", got, odp.Destroyed)
	}
}

// Remapping a slot merges access and does not pin the page twice.
func TestMapMergesAccess(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x4000)
	r := e.register(t, 0x1000, 0x4000)
	defer r.Release(e.ctx)

	n, err := fault(e.ctx, r, 0x1000, 0x1000, odp.ReadAllowed)
	if err != nil || n != 1 {
		t.Fatalf("MapPages got (%d, %v) want (1, nil)", n, err)
	}
	if got := e.as.PinCount(0x1000); got != 1 {
		t.Fatalf("PinCount got %d want 1", got)
	}

	n, err = fault(e.ctx, r, 0x1000, hostarch.PageSize, odp.ReadAllowed|odp.WriteAllowed)
	if err != nil || n != 1 {
		t.Fatalf("second MapPages got (%d, %v) want (1, nil)", n, err)
	}
	if got := e.as.PinCount(0x1000); got != 1 {
		t.Errorf("PinCount after remap got %d want 1", got)
	}
	dma, _, ok := r.Slot(0x1000)
	if !ok {
		t.Fatalf("slot 0x1000 not mapped")
	}
	if got := odp.AccessBits(dma &^ odp.DMAAddrMask); got != odp.ReadAllowed|odp.WriteAllowed {
		t.Errorf("slot access got %v want %v", got, odp.ReadAllowed|odp.WriteAllowed)
	}
	if got := r.NPages(); got != 1 {
		t.Errorf("NPages got %d want 1", got)
	}
	if got := e.dev.Mapped(); got != 1 {
		t.Errorf("device mappings got %d want 1", got)
	}
	checkMappings(t, r)
}

func TestMapUnalignedFault(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x10000, 0x4000)
	r := e.register(t, 0x10000, 0x4000)
	defer r.Release(e.ctx)

	// [0x10800, 0x11800) touches two pages.
	n, err := fault(e.ctx, r, 0x10800, 0x1000, odp.ReadAllowed)
	if err != nil || n != 2 {
		t.Fatalf("MapPages got (%d, %v) want (2, nil)", n, err)
	}
	want := []hostarch.Addr{0x10000, 0x11000}
	var got []hostarch.Addr
	for _, s := range slots(r) {
		got = append(got, s.Addr)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mapped slots mismatch (-want +got):\n%s", diff)
	}
}

func TestMapArguments(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x4000)
	r := e.register(t, 0x2000, 0x2000)
	defer r.Release(e.ctx)

	for _, tc := range []struct {
		name   string
		addr   hostarch.Addr
		length uint64
		access odp.AccessBits
		want   error
	}{
		{"no access", 0x2000, 0x1000, 0, linuxerr.EINVAL},
		{"unknown access", 0x2000, 0x1000, 1 << 5, linuxerr.EINVAL},
		{"before start", 0x1000, 0x2000, odp.ReadAllowed, odp.ErrOutOfRange},
		{"past end", 0x3000, 0x2000, odp.ReadAllowed, odp.ErrOutOfRange},
		{"wraps", 0x3000, ^uint64(0), odp.ReadAllowed, odp.ErrOutOfRange},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if n, err := fault(e.ctx, r, tc.addr, tc.length, tc.access); err != tc.want {
				t.Errorf("MapPages got (%d, %v) want error %v", n, err, tc.want)
			}
		})
	}
	if got := r.NPages(); got != 0 {
		t.Errorf("NPages got %d want 0", got)
	}
}

func TestMapPartial(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{PinBatchPages: 1})
	// Only the first two of four pages are mapped in the address space.
	e.mapMemory(t, 0x10000, 0x2000)
	r := e.register(t, 0x10000, 0x4000)
	defer r.Release(e.ctx)

	n, err := fault(e.ctx, r, 0x10000, 0x4000, odp.ReadAllowed)
	if err != nil || n != 2 {
		t.Fatalf("MapPages got (%d, %v) want (2, nil)", n, err)
	}
	// Nothing can be pinned: the pin error is returned.
	if n, err := fault(e.ctx, r, 0x12000, 0x2000, odp.ReadAllowed); err != linuxerr.EFAULT {
		t.Errorf("MapPages of unbacked range got (%d, %v) want EFAULT", n, err)
	}
	checkMappings(t, r)
}

func TestMapDeviceFailure(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x4000)
	r := e.register(t, 0x1000, 0x4000)
	defer r.Release(e.ctx)

	e.dev.FailNextMaps(1)
	if n, err := fault(e.ctx, r, 0x1000, 0x4000, odp.ReadAllowed); err != linuxerr.EFAULT {
		t.Fatalf("MapPages got (%d, %v) want EFAULT", n, err)
	}
	checkMappings(t, r)
	for _, addr := range []hostarch.Addr{0x1000, 0x2000, 0x3000, 0x4000} {
		if got := e.as.PinCount(addr); got != 0 {
			t.Errorf("PinCount(%v) after failure got %d want 0", addr, got)
		}
	}
	if n, err := fault(e.ctx, r, 0x1000, 0x4000, odp.ReadAllowed); err != nil || n != 4 {
		t.Errorf("MapPages after failure got (%d, %v) want (4, nil)", n, err)
	}
}

func TestMapRacesInvalidation(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x4000)
	r := e.register(t, 0x1000, 0x4000)
	defer r.Release(e.ctx)

	seq := r.NotifierSeq()
	end := e.as.BeginInvalidate(e.ctx, 0x1000, 0x2000)
	if got := r.State(); got != odp.Invalidating {
		t.Errorf("State during invalidation got %v want %v", got, odp.Invalidating)
	}
	if !r.RetryNeeded(seq) {
		t.Errorf("RetryNeeded during invalidation got false want true")
	}
	if n, err := r.MapPages(e.ctx, 0x1000, 0x1000, odp.ReadAllowed, seq); err != linuxerr.EAGAIN {
		t.Fatalf("MapPages during invalidation got (%d, %v) want EAGAIN", n, err)
	}
	end()

	// The stale sequence number still fails after the invalidation ended.
	if n, err := r.MapPages(e.ctx, 0x1000, 0x1000, odp.ReadAllowed, seq); err != linuxerr.EAGAIN {
		t.Fatalf("MapPages with stale sequence got (%d, %v) want EAGAIN", n, err)
	}
	if got := r.NPages(); got != 0 {
		t.Errorf("NPages got %d want 0", got)
	}
	if got := e.as.PinCount(0x1000); got != 0 {
		t.Errorf("PinCount got %d want 0", got)
	}
	if n, err := fault(e.ctx, r, 0x1000, 0x1000, odp.ReadAllowed); err != nil || n != 1 {
		t.Errorf("MapPages with fresh sequence got (%d, %v) want (1, nil)", n, err)
	}
	if got := r.State(); got != odp.Active {
		t.Errorf("State got %v want %v", got, odp.Active)
	}
}

func TestWaitNotifiers(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	r := e.register(t, 0x1000, 0x4000)
	defer r.Release(e.ctx)

	if err := r.WaitNotifiers(e.ctx); err != nil {
		t.Fatalf("WaitNotifiers on a quiescent region got %v", err)
	}
	end := e.as.BeginInvalidate(e.ctx, 0x1000, 0x2000)
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Millisecond)
	defer cancel()
	if err := r.WaitNotifiers(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitNotifiers during invalidation got %v want deadline exceeded", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- r.WaitNotifiers(e.ctx)
	}()
	end()
	if err := <-done; err != nil {
		t.Errorf("WaitNotifiers after invalidation got %v", err)
	}
}

func TestMunmapUnmapsPages(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x4000)
	r := e.register(t, 0x1000, 0x4000)
	defer r.Release(e.ctx)

	if _, err := fault(e.ctx, r, 0x1000, 0x4000, odp.ReadAllowed|odp.WriteAllowed); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	page2, _ := e.as.Lookup(0x2000)
	if err := e.as.Munmap(e.ctx, 0x2000, 0x2000); err != nil {
		t.Fatalf("Munmap failed: %v", err)
	}
	var got []hostarch.Addr
	for _, s := range slots(r) {
		got = append(got, s.Addr)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x1000, 0x4000}, got); diff != "" {
		t.Errorf("mapped slots mismatch (-want +got):\n%s", diff)
	}
	if page2.Pins() != 0 || !page2.Dirty() {
		t.Errorf("unmapped page pins %d dirty %t, want 0 and true", page2.Pins(), page2.Dirty())
	}
	invs := e.dev.Invalidations()
	if len(invs) != 1 || invs[0].Region != r || invs[0].Start != 0x2000 || invs[0].End != 0x4000 {
		t.Errorf("device invalidations got %+v want one of [0x2000, 0x4000) on %v", invs, r)
	}
	if n, err := fault(e.ctx, r, 0x2000, 0x1000, odp.ReadAllowed); err != linuxerr.EFAULT {
		t.Errorf("MapPages of unmapped memory got (%d, %v) want EFAULT", n, err)
	}
	checkMappings(t, r)
}

func TestUnmapIdempotent(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x8000)
	r := e.register(t, 0x1000, 0x8000)
	defer r.Release(e.ctx)

	if _, err := fault(e.ctx, r, 0x1000, 0x8000, odp.ReadAllowed); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	// Unaligned bounds cover every page they touch.
	r.UnmapPages(0x2800, 0x4800)
	once := slots(r)
	onceMapped := e.dev.Mapped()
	r.UnmapPages(0x2800, 0x4800)
	if diff := cmp.Diff(once, slots(r)); diff != "" {
		t.Errorf("second UnmapPages changed state (-once +twice):\n%s", diff)
	}
	if got := e.dev.Mapped(); got != onceMapped {
		t.Errorf("device mappings got %d want %d", got, onceMapped)
	}
	if got := len(once); got != 5 {
		t.Errorf("mapped slots after unmap got %d want 5", got)
	}
	if got := e.dev.BadUnmaps(); got != 0 {
		t.Errorf("BadUnmaps got %d want 0", got)
	}
	// Pages mapped read-only are not dirtied.
	if e.as.Dirty(0x2000) {
		t.Errorf("read-only page marked dirty")
	}
	// Out of range bounds are clamped.
	r.UnmapPages(0, 0x100000)
	if got := r.NPages(); got != 0 {
		t.Errorf("NPages got %d want 0", got)
	}
	checkMappings(t, r)
}

func TestPageMismatch(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x2000)
	r := e.register(t, 0x1000, 0x2000)
	defer r.Release(e.ctx)

	if _, err := fault(e.ctx, r, 0x1000, 0x2000, odp.ReadAllowed); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	old, _ := e.as.Lookup(0x2000)
	if err := e.as.ReplacePageNoNotify(0x2000); err != nil {
		t.Fatalf("ReplacePageNoNotify failed: %v", err)
	}

	if n, err := fault(e.ctx, r, 0x1000, 0x2000, odp.ReadAllowed); err != linuxerr.EAGAIN {
		t.Fatalf("MapPages over a replaced page got (%d, %v) want EAGAIN", n, err)
	}
	if _, _, ok := r.Slot(0x2000); ok {
		t.Errorf("mismatched slot still mapped")
	}
	if old.Pins() != 0 {
		t.Errorf("old page pins got %d want 0", old.Pins())
	}
	if got := r.State(); got != odp.Active {
		t.Errorf("State got %v want %v", got, odp.Active)
	}

	if n, err := fault(e.ctx, r, 0x1000, 0x2000, odp.ReadAllowed); err != nil || n != 2 {
		t.Fatalf("MapPages after mismatch got (%d, %v) want (2, nil)", n, err)
	}
	cur, _ := e.as.Lookup(0x2000)
	if _, page, _ := r.Slot(0x2000); page != odp.Page(cur) {
		t.Errorf("slot holds %v want the current page %v", page, cur)
	}
	checkMappings(t, r)
}

func TestAddressSpaceRelease(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x4000)
	r := e.register(t, 0x1000, 0x4000)

	if _, err := fault(e.ctx, r, 0x1000, 0x4000, odp.ReadAllowed); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	e.as.Exit()

	if got := r.NPages(); got != 0 {
		t.Errorf("NPages after exit got %d want 0", got)
	}
	if got := e.dev.Mapped(); got != 0 {
		t.Errorf("device mappings after exit got %d want 0", got)
	}
	if got := r.State(); got != odp.Dying {
		t.Errorf("State after exit got %v want %v", got, odp.Dying)
	}
	if n, err := fault(e.ctx, r, 0x1000, 0x1000, odp.ReadAllowed); err != odp.ErrAddressSpaceGone {
		t.Errorf("MapPages after exit got (%d, %v) want ErrAddressSpaceGone", n, err)
	}
	// Dying regions do not block waiters.
	if err := r.WaitNotifiers(e.ctx); err != nil {
		t.Errorf("WaitNotifiers on dying region got %v", err)
	}

	r.Release(e.ctx)
	if got := r.State(); got != odp.Destroyed {
		t.Errorf("State after release got %v want %v", got, odp.Destroyed)
	}
	if got := e.octx.AddressSpaces(); got != 0 {
		t.Errorf("AddressSpaces got %d want 0", got)
	}
}

func TestExitWaitsForFault(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once atomic.Bool
	e := newTestEnv(t, memsim.DeviceOpts{
		MapHook: func(uint64) {
			if once.CompareAndSwap(false, true) {
				close(entered)
				<-proceed
			}
		},
	}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x1000)
	r := e.register(t, 0x1000, 0x1000)
	defer r.Release(e.ctx)

	done := make(chan error, 1)
	go func() {
		_, err := fault(e.ctx, r, 0x1000, 0x1000, odp.ReadAllowed)
		done <- err
	}()
	<-entered
	// The fault holds a user reference: teardown is deferred until it ends.
	e.as.Exit()
	if e.as.Exited() {
		t.Fatalf("address space torn down during a fault")
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("MapPages got %v want nil", err)
	}
	if !e.as.Exited() {
		t.Fatalf("address space not torn down after the fault")
	}
	if got := r.NPages(); got != 0 {
		t.Errorf("NPages after exit got %d want 0", got)
	}
}

func TestDisjointRegionsDoNotBlock(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once atomic.Bool
	e := newTestEnv(t, memsim.DeviceOpts{
		MapHook: func(uint64) {
			if once.CompareAndSwap(false, true) {
				close(entered)
				<-proceed
			}
		},
	}, odp.ContextOpts{})
	e.mapMemory(t, 0x10000, 0x10000)
	a := e.register(t, 0x10000, 0x4000)
	defer a.Release(e.ctx)
	b := e.register(t, 0x18000, 0x4000)
	defer b.Release(e.ctx)

	done := make(chan error, 1)
	go func() {
		_, err := fault(e.ctx, a, 0x10000, 0x4000, odp.ReadAllowed)
		done <- err
	}()
	<-entered

	// a's fault is stuck holding a's mutex; b must make progress.
	bDone := make(chan error, 1)
	go func() {
		_, err := fault(e.ctx, b, 0x18000, 0x4000, odp.ReadAllowed)
		bDone <- err
	}()
	select {
	case err := <-bDone:
		if err != nil {
			t.Errorf("MapPages on b got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("MapPages on b blocked behind a")
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Errorf("MapPages on a got %v", err)
	}
	if a.NPages() != 4 || b.NPages() != 4 {
		t.Errorf("NPages got a=%d b=%d want 4 and 4", a.NPages(), b.NPages())
	}
}

func TestNonBlockingInvalidation(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x10000)
	r := e.register(t, 0x1000, 0x4000)
	defer r.Release(e.ctx)
	e.as.SetNonBlocking(true)

	if _, err := fault(e.ctx, r, 0x1000, 0x4000, odp.ReadAllowed); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	// No region overlaps: the non-blockable pass succeeds.
	if err := e.as.Munmap(e.ctx, 0x8000, 0x1000); err != nil {
		t.Fatalf("Munmap failed: %v", err)
	}
	if got := e.as.InvalidationRetries(); got != 0 {
		t.Errorf("InvalidationRetries got %d want 0", got)
	}
	// An overlapping region rejects the non-blockable pass.
	if err := e.as.Munmap(e.ctx, 0x2000, 0x1000); err != nil {
		t.Fatalf("Munmap failed: %v", err)
	}
	if got := e.as.InvalidationRetries(); got != 1 {
		t.Errorf("InvalidationRetries got %d want 1", got)
	}
	if _, _, ok := r.Slot(0x2000); ok {
		t.Errorf("slot 0x2000 still mapped after munmap")
	}
	if got := r.NPages(); got != 3 {
		t.Errorf("NPages got %d want 3", got)
	}
	if got := r.State(); got != odp.Active {
		t.Errorf("State got %v want %v", got, odp.Active)
	}
}

func TestHugePageRegion(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{PinBatchPages: 100})
	if err := e.as.Map(hostarch.HugePageSize, 2*hostarch.HugePageSize, memsim.MapOpts{Writable: true, Huge: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	r, err := e.octx.Register(e.ctx, e.as, hostarch.HugePageSize, 2*hostarch.HugePageSize, regionAccess|odp.AccessHugeTLB)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	defer r.Release(e.ctx)
	if r.PageShift() != hostarch.HugePageShift {
		t.Fatalf("PageShift got %d want %d", r.PageShift(), hostarch.HugePageShift)
	}

	// A fault in the middle of the second huge page maps all of it.
	n, err := fault(e.ctx, r, 2*hostarch.HugePageSize+0x3000, 0x1000, odp.ReadAllowed|odp.WriteAllowed)
	if err != nil || n != 1 {
		t.Fatalf("MapPages got (%d, %v) want (1, nil)", n, err)
	}
	head := hostarch.Addr(2 * hostarch.HugePageSize)
	if got := e.as.PinCount(head); got != 1 {
		t.Errorf("head PinCount got %d want 1", got)
	}
	if got := e.as.PinCount(head + 0x3000); got != 0 {
		t.Errorf("tail PinCount got %d want 0", got)
	}
	_, page, ok := r.Slot(head + 0x1ff000)
	if headPage, _ := e.as.Lookup(head); !ok || page != odp.Page(headPage) {
		t.Errorf("slot for huge page got (%v, %t) want head page %v", page, ok, headPage)
	}

	if err := e.as.Munmap(e.ctx, head, hostarch.HugePageSize); err != nil {
		t.Fatalf("Munmap failed: %v", err)
	}
	if got := r.NPages(); got != 0 {
		t.Errorf("NPages after munmap got %d want 0", got)
	}
	checkMappings(t, r)
}

func TestHugePageRegionPartlyBacked(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	huge := hostarch.Addr(4 * hostarch.HugePageSize)
	if err := e.as.Map(huge, hostarch.HugePageSize, memsim.MapOpts{Writable: true, Huge: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	e.mapMemory(t, huge+hostarch.HugePageSize, 2*hostarch.PageSize)

	// The second huge page of the range is backed by small pages.
	r, err := e.octx.Register(e.ctx, e.as, huge, hostarch.HugePageSize+2*hostarch.PageSize, regionAccess|odp.AccessHugeTLB)
	if err != linuxerr.EINVAL {
		t.Fatalf("Register got (%v, %v) want error %v", r, err, linuxerr.EINVAL)
	}
	if got := e.octx.AddressSpaces(); got != 0 {
		t.Errorf("AddressSpaces got %d want 0", got)
	}

	r, err = e.octx.Register(e.ctx, e.as, huge, hostarch.HugePageSize, regionAccess|odp.AccessHugeTLB)
	if err != nil {
		t.Fatalf("Register of the huge mapping failed: %v", err)
	}
	r.Release(e.ctx)
}

func TestImplicitRegion(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x10000, 0x4000)
	parent, err := e.octx.RegisterImplicit(e.ctx, e.as, regionAccess)
	if err != nil {
		t.Fatalf("RegisterImplicit failed: %v", err)
	}
	if n, err := fault(e.ctx, parent, 0x10000, 0x1000, odp.ReadAllowed); err != linuxerr.EINVAL {
		t.Errorf("MapPages on implicit region got (%d, %v) want EINVAL", n, err)
	}
	if got := e.octx.Lookup(e.as, 0, ^uint64(0)); got != nil {
		t.Errorf("Lookup found implicit region %v", got)
	}

	child, err := parent.AllocChild(e.ctx, 0x10000, 0x4000)
	if err != nil {
		t.Fatalf("AllocChild failed: %v", err)
	}
	if _, err := child.AllocChild(e.ctx, 0x10000, 0x1000); err != linuxerr.EINVAL {
		t.Errorf("AllocChild on a child got %v want EINVAL", err)
	}
	if got := e.octx.Lookup(e.as, 0x11000, 1); got != child {
		t.Errorf("Lookup got %v want child %v", got, child)
	}
	if n, err := fault(e.ctx, child, 0x10000, 0x4000, odp.ReadAllowed); err != nil || n != 4 {
		t.Errorf("MapPages on child got (%d, %v) want (4, nil)", n, err)
	}
	if got := e.as.Notifiers(); got != 1 {
		t.Errorf("Notifiers got %d want 1", got)
	}

	child.Release(e.ctx)
	if got := e.octx.AddressSpaces(); got != 1 {
		t.Errorf("AddressSpaces with implicit parent got %d want 1", got)
	}
	parent.Release(e.ctx)
	if got := e.octx.AddressSpaces(); got != 0 {
		t.Errorf("AddressSpaces got %d want 0", got)
	}
	if got := e.dev.Mapped(); got != 0 {
		t.Errorf("device mappings got %d want 0", got)
	}
}

func TestReleaseUnmapsAndIsIdempotent(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{})
	e.mapMemory(t, 0x1000, 0x4000)
	r := e.register(t, 0x1000, 0x4000)
	if _, err := fault(e.ctx, r, 0x1000, 0x4000, odp.WriteAllowed); err != nil {
		t.Fatalf("MapPages failed: %v", err)
	}
	r.Release(e.ctx)
	r.Release(e.ctx)
	if got := e.dev.Mapped(); got != 0 {
		t.Errorf("device mappings got %d want 0", got)
	}
	if !e.as.Dirty(0x3000) {
		t.Errorf("written page not dirtied on release")
	}
	if n, err := fault(e.ctx, r, 0x1000, 0x1000, odp.ReadAllowed); err != linuxerr.EFAULT {
		t.Errorf("MapPages on released region got (%d, %v) want EFAULT", n, err)
	}
	if got := e.dev.Mapped(); got != 0 {
		t.Errorf("device mappings after fault on released region got %d want 0", got)
	}
}

// Race property: concurrent faults and invalidations never leave a slot
// mapped to a page the address space no longer maps.
func TestConcurrentFaultsAndInvalidations(t *testing.T) {
	e := newTestEnv(t, memsim.DeviceOpts{}, odp.ContextOpts{PinBatchPages: 3})
	const size = 16 * hostarch.PageSize
	e.mapMemory(t, 0x100000, size)
	r := e.register(t, 0x100000, size)
	defer r.Release(e.ctx)

	ctx, cancel := context.WithTimeout(e.ctx, 300*time.Millisecond)
	defer cancel()
	var g errgroup.Group
	for w := 0; w < 4; w++ {
		w := w
		g.Go(func() error {
			for i := 0; ctx.Err() == nil; i++ {
				addr := hostarch.Addr(0x100000 + uint64((i+w)%16)*hostarch.PageSize)
				_, err := fault(ctx, r, addr, 3*hostarch.PageSize, odp.ReadAllowed|odp.WriteAllowed)
				if err != nil && err != linuxerr.EAGAIN && err != odp.ErrOutOfRange && err != linuxerr.EINTR {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; ctx.Err() == nil; i++ {
			addr := hostarch.Addr(0x100000 + uint64(i%16)*hostarch.PageSize)
			if err := e.as.Migrate(e.ctx, addr, 2*hostarch.PageSize); err != nil {
				return err
			}
			r.UnmapPages(addr+hostarch.PageSize, addr+3*hostarch.PageSize)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}

	checkMappings(t, r)
	r.VisitMapped(func(addr hostarch.Addr, dma uint64, page odp.Page) {
		cur, ok := e.as.Lookup(addr)
		if !ok || odp.Page(cur) != page {
			t.Errorf("slot %v maps stale page %#x", addr, page.PhysAddr())
		}
		if phys, ok := e.dev.Translate(dma); !ok || phys != page.PhysAddr() {
			t.Errorf("slot %v device translation got (%#x, %t) want %#x", addr, phys, ok, page.PhysAddr())
		}
	})
	if got := e.dev.BadUnmaps(); got != 0 {
		t.Errorf("BadUnmaps got %d want 0", got)
	}
}
