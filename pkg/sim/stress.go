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

package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/odp/pkg/config"
	"gvisor.dev/odp/pkg/errors/linuxerr"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/memsim"
	"gvisor.dev/odp/pkg/odp"
)

const (
	stressBase        = hostarch.Addr(0x100000)
	stressRegionPages = 16
)

// StressOpts configures Stress.
type StressOpts struct {
	Regions  int
	Workers  int
	Duration time.Duration
	Seed     int64

	// NonBlocking makes every other invalidation non-blockable.
	NonBlocking bool
}

// StressReport summarizes a Stress run.
type StressReport struct {
	Faults        uint64
	FaultErrors   uint64
	Munmaps       uint64
	Migrations    uint64
	Invalidations int
	Violations    []string
}

// Stress runs concurrent faults, munmaps and migrations over opts.Regions
// regions, then checks that every mapped slot is consistent with the page
// table. Violations are reported, not returned as errors.
func Stress(ctx context.Context, conf *config.Config, opts StressOpts) (*StressReport, error) {
	if opts.Regions <= 0 || opts.Workers <= 0 {
		return nil, fmt.Errorf("regions and workers must be positive, got %d and %d", opts.Regions, opts.Workers)
	}
	e := NewEnv(conf, memsim.DeviceOpts{})
	defer e.Close()

	const regionSize = stressRegionPages * hostarch.PageSize
	regions := make([]*odp.Region, 0, opts.Regions)
	defer func() {
		for _, r := range regions {
			r.Release(ctx)
		}
	}()
	for i := 0; i < opts.Regions; i++ {
		r, err := e.register(ctx, stressBase+hostarch.Addr(i*regionSize), regionSize)
		if err != nil {
			return nil, fmt.Errorf("registering region %d: %w", i, err)
		}
		regions = append(regions, r)
	}

	var (
		report    StressReport
		flip      atomic.Bool
		faults    atomic.Uint64
		faultErrs atomic.Uint64
		munmaps   atomic.Uint64
		migrates  atomic.Uint64
	)
	deadline := time.Now().Add(opts.Duration)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
		g.Go(func() error {
			for time.Now().Before(deadline) {
				if err := gctx.Err(); err != nil {
					return err
				}
				r := regions[rng.Intn(len(regions))]
				page := r.Start() + hostarch.Addr(rng.Intn(stressRegionPages))*hostarch.PageSize
				npages := 1 + rng.Intn(4)
				length := uint64(min(hostarch.Addr(npages)*hostarch.PageSize, r.End()-page))
				if opts.NonBlocking {
					e.AS.SetNonBlocking(flip.Load())
					flip.Store(!flip.Load())
				}
				switch op := rng.Intn(10); {
				case op < 7:
					faults.Add(1)
					if _, err := e.Faults.HandleFault(gctx, r, page, length, op%2 == 0); err != nil {
						// Faults on unmapped memory are expected.
						faultErrs.Add(1)
					}
				case op < 9:
					munmaps.Add(1)
					if err := e.AS.Munmap(gctx, page, length); err != nil {
						return fmt.Errorf("munmap %v: %w", page, err)
					}
					// Other workers may have remapped part of the range.
					for off := uint64(0); off < length; off += hostarch.PageSize {
						addr := page + hostarch.Addr(off)
						if err := e.AS.Map(addr, hostarch.PageSize, memsim.MapOpts{Writable: true}); err != nil && err != linuxerr.EEXIST {
							return fmt.Errorf("remap %v: %w", addr, err)
						}
					}
				default:
					migrates.Add(1)
					if err := e.AS.Migrate(gctx, page, length); err != nil {
						return fmt.Errorf("migrate %v: %w", page, err)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Faults = faults.Load()
	report.FaultErrors = faultErrs.Load()
	report.Munmaps = munmaps.Load()
	report.Migrations = migrates.Load()
	report.Invalidations = len(e.Dev.Invalidations())
	for _, r := range regions {
		report.Violations = append(report.Violations, checkRegion(e, r)...)
	}
	if n := len(report.Violations); n > 0 {
		log.Warningf("Stress found %d violations", n)
	}
	return &report, nil
}

// checkRegion verifies r's slots against its own bookkeeping and against the
// page table.
func checkRegion(e *Env, r *odp.Region) []string {
	var v []string
	if err := r.CheckMappings(); err != nil {
		v = append(v, fmt.Sprintf("%v: %v", r, err))
	}
	r.VisitMapped(func(addr hostarch.Addr, dma uint64, page odp.Page) {
		cur, ok := e.AS.Lookup(addr)
		if !ok || odp.Page(cur) != page {
			v = append(v, fmt.Sprintf("%v: slot %v maps stale page %#x", r, addr, page.PhysAddr()))
		}
		if phys, ok := e.Dev.Translate(dma); !ok || phys != page.PhysAddr() {
			v = append(v, fmt.Sprintf("%v: slot %v device translation got %#x want %#x", r, addr, phys, page.PhysAddr()))
		}
	})
	return v
}

// String implements fmt.Stringer.
func (r *StressReport) String() string {
	return fmt.Sprintf("faults %d (errors %d), munmaps %d, migrations %d, device invalidations %d, violations %d",
		r.Faults, r.FaultErrors, r.Munmaps, r.Migrations, r.Invalidations, len(r.Violations))
}
