// Package observe provides application-wide observability primitives for
// yukibot: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all yukibot metrics.
const meterName = "github.com/tsukishiro/yukibot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage model latency. Use with attribute:
	//   attribute.String("stage", ...) — organizer, kb_organizer, generator,
	//   guard, utility, vision, embedding.
	StageDuration metric.Float64Histogram

	// ReplyDuration tracks end-to-end latency from inbound message to the
	// first outbound segment.
	ReplyDuration metric.Float64Histogram

	// MemorySearchDuration tracks vector memory retrieval latency.
	MemorySearchDuration metric.Float64Histogram

	// --- Counters ---

	// MessagesReceived counts inbound messages. Use with attribute:
	//   attribute.String("chat", "private"|"group")
	MessagesReceived metric.Int64Counter

	// MessagesSent counts outbound message segments. Same chat attribute.
	MessagesSent metric.Int64Counter

	// ModelCalls counts model invocations. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("model", ...),
	//   attribute.String("status", "ok"|"error")
	ModelCalls metric.Int64Counter

	// BlockedMessages counts injection-guard blocks. Use with attribute:
	//   attribute.String("tier", "keyword"|"model")
	BlockedMessages metric.Int64Counter

	// --- Error counters ---

	// ModelErrors counts failed model calls by stage and model.
	ModelErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveScenes tracks how many scenes hold short-term dialogue.
	ActiveScenes metric.Int64UpDownCounter

	// ActiveBans tracks the current blacklist population.
	ActiveBans metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for chat-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("yukibot.stage.duration",
		metric.WithDescription("Latency of one pipeline model stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyDuration, err = m.Float64Histogram("yukibot.reply.duration",
		metric.WithDescription("End-to-end latency from inbound message to first reply segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MemorySearchDuration, err = m.Float64Histogram("yukibot.memory.search.duration",
		metric.WithDescription("Latency of vector memory retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MessagesReceived, err = m.Int64Counter("yukibot.messages.received",
		metric.WithDescription("Total inbound messages by chat type."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("yukibot.messages.sent",
		metric.WithDescription("Total outbound message segments by chat type."),
	); err != nil {
		return nil, err
	}
	if met.ModelCalls, err = m.Int64Counter("yukibot.model.calls",
		metric.WithDescription("Total model invocations by stage, model, and status."),
	); err != nil {
		return nil, err
	}
	if met.BlockedMessages, err = m.Int64Counter("yukibot.guard.blocked",
		metric.WithDescription("Total messages blocked by the injection guard, by tier."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ModelErrors, err = m.Int64Counter("yukibot.model.errors",
		metric.WithDescription("Total failed model calls by stage and model."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveScenes, err = m.Int64UpDownCounter("yukibot.active_scenes",
		metric.WithDescription("Number of scenes currently holding short-term dialogue."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBans, err = m.Int64UpDownCounter("yukibot.active_bans",
		metric.WithDescription("Current temporary blacklist population."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("yukibot.http.request.duration",
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

// RecordModelCall records one model invocation with its latency and outcome.
func (m *Metrics) RecordModelCall(ctx context.Context, stage, model string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.ModelErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("stage", stage),
				attribute.String("model", model),
			),
		)
	}
	m.ModelCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("model", model),
			attribute.String("status", status),
		),
	)
	m.StageDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordMessageReceived counts one inbound message.
func (m *Metrics) RecordMessageReceived(ctx context.Context, chat string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("chat", chat)),
	)
}

// RecordMessageSent counts one outbound segment.
func (m *Metrics) RecordMessageSent(ctx context.Context, chat string) {
	m.MessagesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("chat", chat)),
	)
}

// RecordBlocked counts one injection-guard block.
func (m *Metrics) RecordBlocked(ctx context.Context, tier string) {
	m.BlockedMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}
