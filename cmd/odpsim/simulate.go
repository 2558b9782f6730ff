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
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/odp/pkg/config"
	"gvisor.dev/odp/pkg/metric"
	"gvisor.dev/odp/pkg/sim"
)

// Simulate implements subcommands.Command for the "simulate" command.
type Simulate struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Simulate) Name() string {
	return "simulate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Simulate) Synopsis() string {
	return "run the built-in scenarios against a simulated process and device"
}

// Usage implements subcommands.Command.Usage.
func (*Simulate) Usage() string {
	return "simulate [flags]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Simulate) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.metrics, "metrics", true, "print metrics after the scenarios.")
}

// Execute implements subcommands.Command.Execute.
func (s *Simulate) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	err := sim.RunScenarios(ctx, conf, os.Stdout)
	if s.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			fatalf("writing metrics: %v", err)
		}
	}
	if err != nil {
		fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
