// Package telemetry defines the pipeline's own observability seam: a small
// Metrics surface the control plane injects into long-running components.
// Production wiring delegates to OTEL through the global MeterProvider; tests
// use the no-op implementation or a recording fake.
package telemetry

import (
	"time"
)

type (
	// Metrics records pipeline health counters and timings. Tags alternate
	// (k1, v1, k2, v2, ...).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// NoopMetrics discards all measurements.
	NoopMetrics struct{}
)

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string)       {}
