// Package observe provides application-wide observability primitives for
// chorus: OpenTelemetry metric instruments, the SDK provider setup with a
// Prometheus exporter bridge, and the rolling windows the backpressure
// sampler reads.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint. Tests should use [NewMetrics] with a
// custom [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all chorus metrics.
const meterName = "github.com/lumora-ai/chorus"

// Metrics holds all OpenTelemetry metric instruments for the orchestrator.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TTFA tracks time-to-first-audio from endpoint detection, in ms.
	TTFA metric.Float64Histogram

	// BargeInLatency tracks VAD event to packetizer stop, in ms.
	BargeInLatency metric.Float64Histogram

	// StageCancelLatency tracks per-stage cancel acknowledgement time, in
	// ms. Use with attribute.String("stage", ...).
	StageCancelLatency metric.Float64Histogram

	// SummarizationDuration tracks context rollover summarization, in ms.
	SummarizationDuration metric.Float64Histogram

	// --- Counters ---

	// PacketsEmitted counts emitted audio packets.
	PacketsEmitted metric.Int64Counter

	// FramesEmitted counts emitted blendshape frames. Use with
	// attribute.Bool("heartbeat", ...).
	FramesEmitted metric.Int64Counter

	// TurnsCompleted counts turns by outcome. Use with
	// attribute.String("outcome", ...): "complete", "barge_in", "timeout",
	// "error".
	TurnsCompleted metric.Int64Counter

	// ContextRollovers counts summarization rollovers by status.
	ContextRollovers metric.Int64Counter

	// StageErrors counts engine adapter errors. Use with
	// attribute.String("stage", ...), attribute.String("class", ...).
	StageErrors metric.Int64Counter

	// AdmissionRejects counts rejected session creates by reason.
	AdmissionRejects metric.Int64Counter

	// BackpressureTransitions counts ladder moves. Use with
	// attribute.String("from", ...), attribute.String("to", ...).
	BackpressureTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueuedSessions tracks session creates waiting in the admission queue.
	QueuedSessions metric.Int64UpDownCounter

	// BackpressureLevel tracks the current ladder level as an integer.
	BackpressureLevel metric.Int64Gauge

	// --- HTTP ---

	// HTTPRequestDuration tracks control-plane request time in seconds. Use
	// with attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBucketsMS defines histogram bucket boundaries in milliseconds,
// aligned to the latency contracts (250 ms TTFA, 150 ms cancel).
var latencyBucketsMS = []float64{
	5, 10, 20, 30, 50, 75, 100, 150, 200, 250, 400, 750, 1500, 5000,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TTFA, err = m.Float64Histogram("chorus.turn.ttfa",
		metric.WithDescription("Time to first audio packet from endpoint detection."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBucketsMS...),
	); err != nil {
		return nil, err
	}
	if met.BargeInLatency, err = m.Float64Histogram("chorus.turn.bargein_latency",
		metric.WithDescription("VAD barge-in event to packetizer stop."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBucketsMS...),
	); err != nil {
		return nil, err
	}
	if met.StageCancelLatency, err = m.Float64Histogram("chorus.cancel.stage_latency",
		metric.WithDescription("Per-stage cancel acknowledgement latency."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBucketsMS...),
	); err != nil {
		return nil, err
	}
	if met.SummarizationDuration, err = m.Float64Histogram("chorus.context.summarization_duration",
		metric.WithDescription("Context rollover summarization duration."),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBucketsMS...),
	); err != nil {
		return nil, err
	}

	if met.PacketsEmitted, err = m.Int64Counter("chorus.audio.packets_emitted",
		metric.WithDescription("Total emitted audio packets."),
	); err != nil {
		return nil, err
	}
	if met.FramesEmitted, err = m.Int64Counter("chorus.animation.frames_emitted",
		metric.WithDescription("Total emitted blendshape frames by heartbeat flag."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("chorus.turn.completed",
		metric.WithDescription("Total completed turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ContextRollovers, err = m.Int64Counter("chorus.context.rollovers",
		metric.WithDescription("Total context rollovers by status."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("chorus.stage.errors",
		metric.WithDescription("Total engine adapter errors by stage and class."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejects, err = m.Int64Counter("chorus.admission.rejects",
		metric.WithDescription("Total rejected session creates by reason."),
	); err != nil {
		return nil, err
	}
	if met.BackpressureTransitions, err = m.Int64Counter("chorus.backpressure.transitions",
		metric.WithDescription("Total backpressure ladder transitions."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("chorus.sessions.active",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueuedSessions, err = m.Int64UpDownCounter("chorus.sessions.queued",
		metric.WithDescription("Number of session creates in the admission queue."),
	); err != nil {
		return nil, err
	}
	if met.BackpressureLevel, err = m.Int64Gauge("chorus.backpressure.level",
		metric.WithDescription("Current backpressure ladder level (0 = NORMAL)."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("chorus.http.request.duration",
		metric.WithDescription("Control-plane HTTP request latency."),
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call from the global meter provider. Panics if instrument
// creation fails (does not happen with the global provider).
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

// RecordStageError increments the stage error counter with the standard
// attribute set.
func (m *Metrics) RecordStageError(ctx context.Context, stage, class string) {
	m.StageErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("class", class),
	))
}

// RecordTurn increments the turn counter for the given outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.TurnsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordStageCancel records one stage's cancel acknowledgement latency.
func (m *Metrics) RecordStageCancel(ctx context.Context, stage string, latencyMS float64) {
	m.StageCancelLatency.Record(ctx, latencyMS, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}
