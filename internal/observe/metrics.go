// Package observe provides application-wide observability primitives for
// VoiceCI: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoiceCI metrics.
const meterName = "github.com/sgzrov/VoiceCI-sub000"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// SubtestDuration tracks wall-clock duration of a single subtest. Use
	// with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	SubtestDuration metric.Float64Histogram

	// TurnDuration tracks agent response latency per conversation turn.
	TurnDuration metric.Float64Histogram

	// ProviderDuration tracks provider API call latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderDuration metric.Float64Histogram

	// --- Counters ---

	// RunsAccepted counts accepted test runs by tenant.
	RunsAccepted metric.Int64Counter

	// RunsCompleted counts finished test runs. Use with attribute:
	//   attribute.String("status", ...)
	RunsCompleted metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// MachinesProvisioned counts ephemeral machines created by role
	// (runner or builder).
	MachinesProvisioned metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// QueueDepth tracks the number of runs waiting in the scheduler queue.
	QueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live voice sessions against
	// agents under test.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// subtestBuckets covers whole-subtest durations, which span seconds to
// minutes rather than sub-second pipeline hops.
var subtestBuckets = []float64{
	1, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SubtestDuration, err = m.Float64Histogram("voiceci.subtest.duration",
		metric.WithDescription("Wall-clock duration of a single subtest by kind and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(subtestBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voiceci.turn.duration",
		metric.WithDescription("Agent response latency per conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("voiceci.provider.duration",
		metric.WithDescription("Latency of provider API calls by provider and kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RunsAccepted, err = m.Int64Counter("voiceci.runs.accepted",
		metric.WithDescription("Total accepted test runs by tenant."),
	); err != nil {
		return nil, err
	}
	if met.RunsCompleted, err = m.Int64Counter("voiceci.runs.completed",
		metric.WithDescription("Total finished test runs by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("voiceci.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.MachinesProvisioned, err = m.Int64Counter("voiceci.machines.provisioned",
		metric.WithDescription("Total ephemeral machines created by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voiceci.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("voiceci.queue.depth",
		metric.WithDescription("Number of runs waiting in the scheduler queue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceci.active_sessions",
		metric.WithDescription("Number of live voice sessions against agents under test."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceci.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRunAccepted is a convenience method that records an accepted run.
func (m *Metrics) RecordRunAccepted(ctx context.Context, tenant string) {
	m.RunsAccepted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tenant", tenant)),
	)
}

// RecordRunCompleted is a convenience method that records a finished run.
func (m *Metrics) RecordRunCompleted(ctx context.Context, status string) {
	m.RunsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSubtest is a convenience method that records a subtest duration
// observation with the standard attribute set.
func (m *Metrics) RecordSubtest(ctx context.Context, kind, status string, seconds float64) {
	m.SubtestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
