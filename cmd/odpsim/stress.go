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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/odp/pkg/config"
	"gvisor.dev/odp/pkg/metric"
	"gvisor.dev/odp/pkg/sim"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts    sim.StressOpts
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "race faults against munmap and migration and check mapping consistency"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags]

Exits with status 1 if any region maps a page the process no longer maps.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Regions, "regions", 8, "number of regions.")
	f.IntVar(&s.opts.Workers, "workers", 4, "number of concurrent workers.")
	f.DurationVar(&s.opts.Duration, "duration", 5*time.Second, "how long to run.")
	f.Int64Var(&s.opts.Seed, "seed", time.Now().UnixNano(), "random seed.")
	f.BoolVar(&s.opts.NonBlocking, "nonblocking", false, "alternate blocking and non-blocking invalidations.")
	f.BoolVar(&s.metrics, "metrics", false, "print metrics after the run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	report, err := sim.Stress(ctx, conf, s.opts)
	if err != nil {
		fatalf("stress: %v", err)
	}
	fmt.Fprintf(os.Stdout, "seed %d: %v\n", s.opts.Seed, report)
	for _, v := range report.Violations {
		fmt.Fprintf(os.Stdout, "violation: %s\n", v)
	}
	if s.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			fatalf("writing metrics: %v", err)
		}
	}
	if len(report.Violations) > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
