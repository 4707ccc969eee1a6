// Package observe provides the application-wide observability primitives for
// voxtail: OpenTelemetry metric instruments and the Prometheus exporter
// bridge that serves them.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxtail metrics.
const meterName = "github.com/kestrad/voxtail"

// Metrics holds all OpenTelemetry metric instruments for the application.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// StageDuration tracks pipeline stage latency. Use with attribute:
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// GPUWaitDuration tracks how long requests wait for a GPU lease. Use
	// with attribute: attribute.String("class", ...)
	GPUWaitDuration metric.Float64Histogram

	// GPUGrants counts GPU leases granted. Use with attribute:
	//   attribute.String("class", ...)
	GPUGrants metric.Int64Counter

	// ChunksEmitted counts 30-second windows flushed by the chunker.
	ChunksEmitted metric.Int64Counter

	// JobsProcessed counts finished queue jobs. Use with attributes:
	//   attribute.String("queue", ...), attribute.String("status", ...)
	JobsProcessed metric.Int64Counter

	// ChatQuestions counts questions answered by the chat assistant. Use
	// with attribute: attribute.String("status", ...)
	ChatQuestions metric.Int64Counter

	// ActiveSessions tracks the number of live recording sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries in seconds. Stages run
// from sub-second (compile) to minutes (transcribe, summarize).
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("voxtail.stage.duration",
		metric.WithDescription("Latency of one pipeline stage execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GPUWaitDuration, err = m.Float64Histogram("voxtail.gpu.wait_duration",
		metric.WithDescription("Time spent waiting for a GPU lease."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GPUGrants, err = m.Int64Counter("voxtail.gpu.grants",
		metric.WithDescription("Number of GPU leases granted."),
	); err != nil {
		return nil, err
	}
	if met.ChunksEmitted, err = m.Int64Counter("voxtail.chunker.chunks_emitted",
		metric.WithDescription("Number of full audio windows flushed to disk."),
	); err != nil {
		return nil, err
	}
	if met.JobsProcessed, err = m.Int64Counter("voxtail.jobs.processed",
		metric.WithDescription("Number of queue jobs finished, by queue and status."),
	); err != nil {
		return nil, err
	}
	if met.ChatQuestions, err = m.Int64Counter("voxtail.chat.questions",
		metric.WithDescription("Number of chat questions answered."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxtail.sessions.active",
		metric.WithDescription("Number of live recording sessions."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] instance, created lazily
// from the global OTel meter provider. Call [InitProvider] first so the
// instruments bind to the Prometheus bridge.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// Instrument creation only fails on invalid names, which is a
			// programming error.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
