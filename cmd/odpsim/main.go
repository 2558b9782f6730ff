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

// Binary odpsim exercises on-demand paging regions against simulated
// processes and devices.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gvisor.dev/odp/pkg/config"
	"gvisor.dev/odp/pkg/log"
	"gvisor.dev/odp/pkg/refs"
)

// version is set at link time.
var version = "dev"

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Simulate), "")
	subcommands.Register(new(Stress), "")
	subcommands.Register(new(Version), "")

	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fatalf("%v", err)
	}
	conf.ApplyLeakMode()
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.SetTarget(newEmitter(conf.LogFormat, os.Stderr))

	log.Infof("odpsim %s, %s, %s, %d CPUs", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU())
	log.Debugf("Args: %v", os.Args)
	log.Debugf("Config: %v", conf.ToFlags())

	code := subcommands.Execute(context.Background(), conf)
	if leaked := refs.DoRepeatedLeakCheck(); leaked > 0 && code == subcommands.ExitSuccess {
		code = subcommands.ExitFailure
	}
	os.Exit(int(code))
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	case "logrus":
		return log.NewLogrusEmitter(w, logrus.Fields{"binary": "odpsim"})
	}
	fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}

// fatalf logs and writes the error to stderr, then exits.
func fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, "odpsim: "+format+"\n", args...)
	os.Exit(128)
}
