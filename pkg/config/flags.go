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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"gvisor.dev/odp/pkg/refs"
)

// RegisterFlags registers flags used to populate Config. Defaults are taken
// from Default.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := Default()
	flagSet.String("config", "", "path to a TOML file with configuration; flags override its values.")

	// Logging flags.
	flagSet.String("log-format", d.LogFormat, "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	leakMode := d.RefLeakMode
	flagSet.Var(&leakMode, "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")
	flagSet.Duration("mismatch-log-interval", d.MismatchLogInterval, "minimum interval between page mismatch warnings.")

	// Fault path flags.
	flagSet.Int("pin-batch-pages", d.PinBatchPages, "maximum number of pages pinned at once by a fault.")
	flagSet.Uint64("max-region-pages", d.MaxRegionPages, "maximum number of pages in a region, 0 for no limit.")
	flagSet.Int("fault-retries", d.FaultRetries, "number of times a fault racing with invalidations is retried.")
	flagSet.Duration("fault-retry-initial", d.FaultRetryInitial, "initial backoff between fault retries.")
	flagSet.Duration("fault-retry-max", d.FaultRetryMax, "maximum backoff between fault retries.")
	flagSet.Duration("notifier-wait-timeout", d.NotifierWaitTimeout, "how long a retried fault waits for invalidations to finish.")
	flagSet.Uint64("implicit-child-size", d.ImplicitChildSize, "size of child regions created for implicit regions.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags. If --config is set, the file is loaded first and only flags set
// explicitly override it.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	var path string
	if fl := flagSet.Lookup("config"); fl != nil {
		path = fl.Value.String()
	}
	if path != "" {
		if err := conf.Load(path); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if path != "" && !set[name] {
			// Keep the value from the file.
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// ApplyLeakMode installs the configured reference leak check mode.
func (c *Config) ApplyLeakMode() {
	refs.SetLeakMode(c.RefLeakMode)
}
