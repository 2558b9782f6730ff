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

// Package config provides basic infrastructure to set configuration settings
// for odpsim. The configuration is set by command-line flags and may be
// loaded from a TOML file first.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gvisor.dev/odp/pkg/hostarch"
	"gvisor.dev/odp/pkg/odp"
	"gvisor.dev/odp/pkg/pagefault"
	"gvisor.dev/odp/pkg/refs"
)

// Config holds configuration that is not part of the simulated workload.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with the file key.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// PinBatchPages is the maximum number of pages pinned at once by a
	// fault.
	PinBatchPages int `flag:"pin-batch-pages" toml:"pin_batch_pages"`

	// MaxRegionPages limits the size of a single region. Zero means no
	// limit.
	MaxRegionPages uint64 `flag:"max-region-pages" toml:"max_region_pages"`

	// FaultRetries bounds the number of times a fault is retried after
	// racing with an invalidation.
	FaultRetries int `flag:"fault-retries" toml:"fault_retries"`

	// FaultRetryInitial and FaultRetryMax bound the exponential backoff
	// between fault retries.
	FaultRetryInitial time.Duration `flag:"fault-retry-initial" toml:"fault_retry_initial"`
	FaultRetryMax     time.Duration `flag:"fault-retry-max" toml:"fault_retry_max"`

	// NotifierWaitTimeout bounds how long a retried fault waits for
	// invalidations on its region to finish.
	NotifierWaitTimeout time.Duration `flag:"notifier-wait-timeout" toml:"notifier_wait_timeout"`

	// ImplicitChildSize is the size of the child regions created for faults
	// on implicit regions.
	ImplicitChildSize uint64 `flag:"implicit-child-size" toml:"implicit_child_size"`

	// MismatchLogInterval rate limits page mismatch warnings.
	MismatchLogInterval time.Duration `flag:"mismatch-log-interval" toml:"mismatch_log_interval"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// RefLeakMode sets reference leak check mode.
	RefLeakMode refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode"`
}

// Default returns the default configuration. It matches the defaults of the
// registered flags.
func Default() *Config {
	return &Config{
		PinBatchPages:       odp.DefaultPinBatchPages,
		FaultRetries:        10,
		FaultRetryInitial:   10 * time.Microsecond,
		FaultRetryMax:       10 * time.Millisecond,
		NotifierWaitTimeout: time.Second,
		ImplicitChildSize:   64 * hostarch.PageSize,
		MismatchLogInterval: time.Second,
		LogFormat:           "text",
		RefLeakMode:         refs.NoLeakChecking,
	}
}

// Load overlays the TOML file at path on c.
func (c *Config) Load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decoding config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q has unknown keys: %v", path, undecoded)
	}
	return c.validate()
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	if c.PinBatchPages <= 0 {
		return fmt.Errorf("pin-batch-pages must be positive, got %d", c.PinBatchPages)
	}
	if c.FaultRetries < 0 {
		return fmt.Errorf("fault-retries must not be negative, got %d", c.FaultRetries)
	}
	if c.FaultRetryInitial <= 0 || c.FaultRetryMax < c.FaultRetryInitial {
		return fmt.Errorf("fault retry interval [%v, %v] is invalid", c.FaultRetryInitial, c.FaultRetryMax)
	}
	if c.NotifierWaitTimeout <= 0 {
		return fmt.Errorf("notifier-wait-timeout must be positive, got %v", c.NotifierWaitTimeout)
	}
	if c.ImplicitChildSize == 0 || c.ImplicitChildSize%hostarch.PageSize != 0 {
		return fmt.Errorf("implicit-child-size must be a positive multiple of %d, got %d", hostarch.PageSize, c.ImplicitChildSize)
	}
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be text, json or logrus", c.LogFormat)
	}
	return nil
}

// ContextOpts returns the odp.Context options selected by c.
func (c *Config) ContextOpts() odp.ContextOpts {
	return odp.ContextOpts{
		PinBatchPages:       c.PinBatchPages,
		MaxRegionPages:      c.MaxRegionPages,
		MismatchLogInterval: c.MismatchLogInterval,
	}
}

// FaultOpts returns the pagefault.Handler options selected by c.
func (c *Config) FaultOpts() pagefault.Opts {
	return pagefault.Opts{
		Retries:             c.FaultRetries,
		RetryInitial:        c.FaultRetryInitial,
		RetryMax:            c.FaultRetryMax,
		NotifierWaitTimeout: c.NotifierWaitTimeout,
		ChildSize:           c.ImplicitChildSize,
	}
}
