// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered once, usually at package initialization, in a
// process-wide prometheus registry and may be read back directly or rendered
// in the prometheus text exposition format.
package metric

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/odp/pkg/sync"
)

var (
	// registryMu protects registered.
	registryMu sync.Mutex

	// registered holds the names of all registered metrics.
	registered = make(map[string]struct{})

	// registry is the prometheus registry all metrics are exported through.
	registry = prometheus.NewRegistry()
)

// Registry returns the prometheus registry backing all metrics in this
// package, for binaries that serve or push them.
func Registry() *prometheus.Registry {
	return registry
}

// register records name and registers c with the prometheus registry.
func register(name string, c prometheus.Collector) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registered[name]; ok {
		return fmt.Errorf("metric %q already registered", name)
	}
	if err := registry.Register(c); err != nil {
		return fmt.Errorf("registering metric %q: %w", name, err)
	}
	registered[name] = struct{}{}
	return nil
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. Cumulative metrics only ever increase; gauges may also decrease.
type Uint64Metric struct {
	value atomic.Uint64
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func NewUint64Metric(name string, description string) (*Uint64Metric, error) {
	m := &Uint64Metric{}
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: name,
		Help: description,
	}, func() float64 { return float64(m.Value()) })
	if err := register(name, c); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// NewUint64Gauge creates and registers a new gauge with the given name.
func NewUint64Gauge(name string, description string) (*Uint64Metric, error) {
	m := &Uint64Metric{}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: name,
		Help: description,
	}, func() float64 { return float64(m.Value()) })
	if err := register(name, g); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Gauge calls NewUint64Gauge and panics if it returns an
// error.
func MustCreateNewUint64Gauge(name string, description string) *Uint64Metric {
	m, err := NewUint64Gauge(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create gauge %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Decrement decrements the metric by 1. It is only meaningful for gauges.
func (m *Uint64Metric) Decrement() {
	m.value.Add(^uint64(0))
}

// TimerMetric records the duration of operations as a histogram in seconds.
type TimerMetric struct {
	hist prometheus.Histogram
}

// NewTimerMetric creates and registers a new timer metric with exponential
// buckets starting at start and growing by factor.
func NewTimerMetric(name string, start time.Duration, factor float64, buckets int, description string) (*TimerMetric, error) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    description,
		Buckets: prometheus.ExponentialBuckets(start.Seconds(), factor, buckets),
	})
	if err := register(name, h); err != nil {
		return nil, err
	}
	return &TimerMetric{hist: h}, nil
}

// MustCreateNewTimerMetric calls NewTimerMetric and panics if it returns an
// error.
func MustCreateNewTimerMetric(name string, start time.Duration, factor float64, buckets int, description string) *TimerMetric {
	t, err := NewTimerMetric(name, start, factor, buckets, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create timer metric %q: %s", name, err))
	}
	return t
}

// TimedOperation is used by TimerMetric to keep track of the time elapsed
// between an operation starting and stopping.
type TimedOperation struct {
	metric    *TimerMetric
	startedAt time.Time
}

// Start starts a timer measurement.
func (t *TimerMetric) Start() TimedOperation {
	return TimedOperation{
		metric:    t,
		startedAt: time.Now(),
	}
}

// Finish marks an operation as finished and records its duration.
func (o TimedOperation) Finish() {
	o.metric.hist.Observe(time.Since(o.startedAt).Seconds())
}

// WriteText writes all registered metrics to w in the prometheus text
// exposition format.
func WriteText(w io.Writer) error {
	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric family %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
