// Package observe provides application-wide observability primitives for
// Selkie: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Observability is diagnostic only and never affects engine verdicts.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Selkie metrics.
const meterName = "github.com/selkiehq/selkie"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// meter creates late-bound instruments such as the buffer gauge.
	meter metric.Meter

	// --- Latency histograms ---

	// LLMDuration tracks LLM turn latency.
	LLMDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Decisions counts decision-layer verdicts. Use with attributes:
	//   attribute.String("outcome", "respond"|"decline"), attribute.String("reason", ...)
	Decisions metric.Int64Counter

	// Replies counts emitted LLM replies.
	Replies metric.Int64Counter

	// StateTransitions counts state-machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// LLMErrors counts failed LLM turns.
	LLMErrors metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// chat-turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.LLMDuration, err = m.Float64Histogram("selkie.llm.duration",
		metric.WithDescription("Latency of LLM turns."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("selkie.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.Decisions, err = m.Int64Counter("selkie.decision.verdicts",
		metric.WithDescription("Decision-layer verdicts by outcome and reason."),
	); err != nil {
		return nil, err
	}
	if met.Replies, err = m.Int64Counter("selkie.replies",
		metric.WithDescription("Total emitted replies."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("selkie.state.transitions",
		metric.WithDescription("State machine transitions by source and destination state."),
	); err != nil {
		return nil, err
	}
	if met.LLMErrors, err = m.Int64Counter("selkie.llm.errors",
		metric.WithDescription("Total failed LLM turns."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterBufferGauge registers an observable gauge reporting the current
// number of buffered utterances. fn is called at collection time.
func (m *Metrics) RegisterBufferGauge(fn func() int64) error {
	_, err := m.meter.Int64ObservableGauge("selkie.buffer.utterances",
		metric.WithDescription("Currently buffered utterances across all speakers."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	return err
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

// RecordDecision records one decision-layer verdict.
func (m *Metrics) RecordDecision(ctx context.Context, outcome, reason string) {
	m.Decisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("reason", reason),
		),
	)
}

// RecordTransition records one state-machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordReply records one emitted reply with its LLM latency in seconds.
func (m *Metrics) RecordReply(ctx context.Context, latencySeconds float64) {
	m.Replies.Add(ctx, 1)
	m.LLMDuration.Record(ctx, latencySeconds)
}
