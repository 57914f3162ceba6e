// Package observe provides the observability primitives for Vocalis:
// OpenTelemetry metrics, tracing, a trace-aware logger, and HTTP middleware
// for the health and metrics endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to Prometheus so they can be scraped from /metrics. Components
// that are not handed a [Metrics] use [DefaultMetrics]; tests should build
// their own with [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/vocalis"

// Metrics holds all metric instruments. The OTel types handle their own
// synchronisation.
type Metrics struct {
	// STTDuration is the time from commit to the final transcript.
	STTDuration metric.Float64Histogram

	// TTSDuration is the time from the synthesis request to the first audio
	// chunk.
	TTSDuration metric.Float64Histogram

	// PlannerDuration tracks intent planning latency.
	PlannerDuration metric.Float64Histogram

	// TurnDuration is the wall time of one full turn.
	TurnDuration metric.Float64Histogram

	// ProviderRequests counts provider calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// Utterances counts finalized utterances by reason and mode.
	Utterances metric.Int64Counter

	// Fallbacks counts degraded-mode switches by kind ("batch_stt",
	// "uninterruptible", "tts").
	Fallbacks metric.Int64Counter

	// Interruptions counts speech heard during playback by outcome
	// ("interrupted", "echo_ignored").
	Interruptions metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes by name and
	// target state.
	BreakerTransitions metric.Int64Counter

	// ActiveSessions tracks running conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks health/metrics endpoint latency.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	if met.STTDuration, err = histogram("vocalis.stt.duration", "Time from commit to final transcript."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("vocalis.tts.duration", "Time to first synthesized audio chunk."); err != nil {
		return nil, err
	}
	if met.PlannerDuration, err = histogram("vocalis.planner.duration", "Latency of intent planning."); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = histogram("vocalis.turn.duration", "Wall time of one conversation turn."); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "vocalis.provider.requests", "Provider requests by provider, kind and status."},
		{&met.ProviderErrors, "vocalis.provider.errors", "Provider errors by provider and kind."},
		{&met.Utterances, "vocalis.utterances", "Finalized utterances by reason and mode."},
		{&met.Fallbacks, "vocalis.fallbacks", "Degraded-mode switches by kind."},
		{&met.Interruptions, "vocalis.interruptions", "Speech heard during playback by outcome."},
		{&met.BreakerTransitions, "vocalis.breaker.transitions", "Circuit breaker state changes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("vocalis.active_sessions",
		metric.WithDescription("Number of running conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalis.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on the global
// meter provider. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind), Attr("status", status),
	))
}

// RecordProviderError counts one provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("provider", provider), Attr("kind", kind),
	))
}

// RecordUtterance counts a finalized utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, reason, mode string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason), Attr("mode", mode)))
}

// RecordFallback counts a switch to a degraded mode.
func (m *Metrics) RecordFallback(ctx context.Context, kind string) {
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordInterruption counts speech heard during playback.
func (m *Metrics) RecordInterruption(ctx context.Context, outcome string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordBreakerTransition counts a breaker state change. Its signature
// matches resilience.CircuitBreakerConfig.OnStateChange once the states are
// rendered as strings.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("breaker", name), Attr("to", to)))
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(ctx context.Context, h metric.Float64Histogram, start time.Time, attrs ...attribute.KeyValue) {
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}
