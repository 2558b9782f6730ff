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

// Package sim drives on-demand paging regions against simulated address
// spaces and devices.
package sim

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"gvisor.dev/odp/pkg/cleanup"
	"gvisor.dev/odp/pkg/config"
	"gvisor.dev/odp/pkg/errors/linuxerr"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/memsim"
	"gvisor.dev/odp/pkg/odp"
	"gvisor.dev/odp/pkg/pagefault"
)

const regionAccess = odp.AccessOnDemand | odp.AccessLocalWrite

// Env is a simulated process and device sharing one odp.Context.
type Env struct {
	AS     *memsim.AddressSpace
	Dev    *memsim.Device
	Ctx    *odp.Context
	Faults *pagefault.Handler
}

// NewEnv returns a new Env configured by conf.
func NewEnv(conf *config.Config, devOpts memsim.DeviceOpts) *Env {
	dev := memsim.NewDevice(devOpts)
	return &Env{
		AS:     memsim.NewAddressSpace(1),
		Dev:    dev,
		Ctx:    odp.NewContext(dev, conf.ContextOpts()),
		Faults: pagefault.NewHandler(conf.FaultOpts()),
	}
}

// Close stops the fault handler and releases the Env's context.
func (e *Env) Close() {
	e.Faults.Close(context.Background())
	e.Ctx.Close()
}

// register maps anonymous memory for [addr, addr+length) and registers a
// region over it.
func (e *Env) register(ctx context.Context, addr hostarch.Addr, length uint64) (*odp.Region, error) {
	if err := e.AS.Map(addr, length, memsim.MapOpts{Writable: true}); err != nil {
		return nil, fmt.Errorf("mapping memory at %v: %w", addr, err)
	}
	cu := cleanup.Make(func() {
		if err := e.AS.Munmap(ctx, addr, length); err != nil {
			log.Warningf("Unmapping %v after failed registration: %v", addr, err)
		}
	})
	defer cu.Clean()
	r, err := e.Ctx.Register(ctx, e.AS, addr, length, regionAccess)
	if err != nil {
		return nil, err
	}
	cu.Release()
	return r, nil
}

// Scenario is a named check run against a fresh Env.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, conf *config.Config) error
}

// Scenarios returns the built-in scenarios.
func Scenarios() []Scenario {
	return []Scenario{
		{
			Name:        "lookup",
			Description: "a registered region is found by overlapping queries only",
			Run:         lookupScenario,
		},
		{
			Name:        "merge",
			Description: "remapping a slot merges access bits without pinning again",
			Run:         mergeScenario,
		},
		{
			Name:        "retry",
			Description: "a fault racing an invalidation must retry",
			Run:         retryScenario,
		},
		{
			Name:        "exit",
			Description: "address space exit unmaps every page and fails later faults",
			Run:         exitScenario,
		},
		{
			Name:        "disjoint",
			Description: "faults on disjoint regions do not block each other",
			Run:         disjointScenario,
		},
	}
}

// RunScenarios runs every scenario and writes a table of results to w. The
// returned error aggregates the failures.
func RunScenarios(ctx context.Context, conf *config.Config, w io.Writer) error {
	var (
		result *multierror.Error
		rows   [][]string
	)
	for _, s := range Scenarios() {
		start := time.Now()
		err := s.Run(ctx, conf)
		status := "PASS"
		if err != nil {
			status = "FAIL"
			result = multierror.Append(result, fmt.Errorf("%s: %w", s.Name, err))
			log.Warningf("Scenario %q failed: %v", s.Name, err)
		}
		rows = append(rows, []string{s.Name, status, time.Since(start).Round(time.Microsecond).String(), s.Description})
	}
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"SCENARIO", "RESULT", "TIME", "CHECKS"})
	table.AppendBulk(rows)
	table.Render()
	return result.ErrorOrNil()
}

func lookupScenario(ctx context.Context, conf *config.Config) error {
	e := NewEnv(conf, memsim.DeviceOpts{})
	defer e.Close()
	r, err := e.register(ctx, 0x1000, 0x4000)
	if err != nil {
		return err
	}
	defer r.Release(ctx)

	if got := e.Ctx.Lookup(e.AS, 0x2000, 0x1000); got != r {
		return fmt.Errorf("Lookup([0x2000, 0x3000)) got %v want %v", got, r)
	}
	if got := e.Ctx.Lookup(e.AS, 0x5000, 0x1000); got != nil {
		return fmt.Errorf("Lookup([0x5000, 0x6000)) got %v want none", got)
	}
	return nil
}

func mergeScenario(ctx context.Context, conf *config.Config) error {
	e := NewEnv(conf, memsim.DeviceOpts{})
	defer e.Close()
	r, err := e.register(ctx, 0x1000, 0x4000)
	if err != nil {
		return err
	}
	defer r.Release(ctx)

	if _, err := e.Faults.HandleFault(ctx, r, 0x1000, 0x1000, false); err != nil {
		return fmt.Errorf("read fault: %w", err)
	}
	if _, err := e.Faults.HandleFault(ctx, r, 0x1000, hostarch.PageSize, true); err != nil {
		return fmt.Errorf("write fault: %w", err)
	}
	dma, _, ok := r.Slot(0x1000)
	if !ok {
		return fmt.Errorf("slot 0x1000 not mapped")
	}
	if got, want := odp.AccessBits(dma&^odp.DMAAddrMask), odp.ReadAllowed|odp.WriteAllowed; got != want {
		return fmt.Errorf("slot access got %v want %v", got, want)
	}
	if got := e.AS.PinCount(0x1000); got != 1 {
		return fmt.Errorf("pin count got %d want 1", got)
	}
	return r.CheckMappings()
}

func retryScenario(ctx context.Context, conf *config.Config) error {
	e := NewEnv(conf, memsim.DeviceOpts{})
	defer e.Close()
	r, err := e.register(ctx, 0x1000, 0x4000)
	if err != nil {
		return err
	}
	defer r.Release(ctx)

	seq := r.NotifierSeq()
	end := e.AS.BeginInvalidate(ctx, 0x1000, 0x2000)
	n, err := r.MapPages(ctx, 0x1000, 0x1000, odp.ReadAllowed, seq)
	end()
	if err != linuxerr.EAGAIN {
		return fmt.Errorf("MapPages during invalidation got (%d, %v) want EAGAIN", n, err)
	}
	if got := r.NPages(); got != 0 {
		return fmt.Errorf("stale fault mapped %d pages", got)
	}
	if _, err := e.Faults.HandleFault(ctx, r, 0x1000, 0x1000, false); err != nil {
		return fmt.Errorf("fault after invalidation: %w", err)
	}
	return r.CheckMappings()
}

func exitScenario(ctx context.Context, conf *config.Config) error {
	e := NewEnv(conf, memsim.DeviceOpts{})
	defer e.Close()
	r, err := e.register(ctx, 0x1000, 0x4000)
	if err != nil {
		return err
	}
	defer r.Release(ctx)

	if _, err := e.Faults.HandleFault(ctx, r, 0x1000, 0x4000, false); err != nil {
		return fmt.Errorf("fault: %w", err)
	}
	e.AS.Exit()
	if got := r.NPages(); got != 0 {
		return fmt.Errorf("%d pages mapped after exit", got)
	}
	if got := e.Dev.Mapped(); got != 0 {
		return fmt.Errorf("%d device mappings after exit", got)
	}
	if got := r.State(); got != odp.Dying {
		return fmt.Errorf("state after exit got %v want %v", got, odp.Dying)
	}
	if n, err := e.Faults.HandleFault(ctx, r, 0x1000, 0x1000, false); err != odp.ErrAddressSpaceGone {
		return fmt.Errorf("fault after exit got (%d, %v) want %v", n, err, odp.ErrAddressSpaceGone)
	}
	return nil
}

func disjointScenario(ctx context.Context, conf *config.Config) error {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once atomic.Bool
	e := NewEnv(conf, memsim.DeviceOpts{
		MapHook: func(uint64) {
			if once.CompareAndSwap(false, true) {
				close(entered)
				<-proceed
			}
		},
	})
	defer e.Close()
	a, err := e.register(ctx, 0x10000, 0x4000)
	if err != nil {
		return err
	}
	defer a.Release(ctx)
	b, err := e.register(ctx, 0x18000, 0x4000)
	if err != nil {
		return err
	}
	defer b.Release(ctx)

	aDone := make(chan error, 1)
	go func() {
		_, err := e.Faults.HandleFault(ctx, a, 0x10000, 0x4000, false)
		aDone <- err
	}()
	<-entered
	// The fault on a is stalled inside the device with a's lock held.
	bDone := make(chan error, 1)
	go func() {
		_, err := e.Faults.HandleFault(ctx, b, 0x18000, 0x4000, false)
		bDone <- err
	}()
	var bErr error
	select {
	case bErr = <-bDone:
	case <-time.After(5 * time.Second):
		bErr = fmt.Errorf("fault on %v blocked behind %v", b, a)
	}
	close(proceed)
	if err := <-aDone; err != nil {
		return fmt.Errorf("fault on %v: %w", a, err)
	}
	if bErr != nil {
		return bErr
	}
	if a.NPages() != 4 || b.NPages() != 4 {
		return fmt.Errorf("mapped pages got %d and %d want 4 and 4", a.NPages(), b.NPages())
	}
	return nil
}
