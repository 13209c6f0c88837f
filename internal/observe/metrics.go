// Package observe holds the OpenTelemetry metric instruments for the call
// client and the Prometheus bridge that serves them on /metrics.
//
// Tests should build a Metrics with NewMetrics and an sdkmetric.ManualReader
// rather than use DefaultMetrics.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/teslashibe/go-taara"

// Outcomes recorded on taara.calls.ended.
const (
	OutcomeHangup     = "hangup"
	OutcomeAuthFailed = "auth_failed"
	OutcomeDisconnect = "disconnect"
	OutcomeSetupError = "setup_error"
)

// Metrics holds all metric instruments. The OTel types are safe for
// concurrent use.
type Metrics struct {
	FramesSent    metric.Int64Counter
	FramesDropped metric.Int64Counter // attribute "reason"

	ChunksReceived metric.Int64Counter
	ChunksAppended metric.Int64Counter
	ChunksFailed   metric.Int64Counter

	CallsStarted metric.Int64Counter
	CallsEnded   metric.Int64Counter // attribute "outcome"
	AuthFailures metric.Int64Counter
	ActiveCalls  metric.Int64UpDownCounter
	CallDuration metric.Float64Histogram

	HTTPRequestDuration metric.Float64Histogram
}

var callBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600}

// NewMetrics creates the instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("taara.capture.frames_sent",
		metric.WithDescription("Microphone frames transmitted to the agent."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("taara.capture.frames_dropped",
		metric.WithDescription("Microphone frames dropped by the capture gate, by reason."),
	); err != nil {
		return nil, err
	}

	if met.ChunksReceived, err = m.Int64Counter("taara.playback.chunks_received",
		metric.WithDescription("Agent audio chunks received."),
	); err != nil {
		return nil, err
	}
	if met.ChunksAppended, err = m.Int64Counter("taara.playback.chunks_appended",
		metric.WithDescription("Agent audio chunks played."),
	); err != nil {
		return nil, err
	}
	if met.ChunksFailed, err = m.Int64Counter("taara.playback.chunks_failed",
		metric.WithDescription("Agent audio chunks skipped after a sink error."),
	); err != nil {
		return nil, err
	}

	if met.CallsStarted, err = m.Int64Counter("taara.calls.started",
		metric.WithDescription("Calls initiated."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("taara.calls.ended",
		metric.WithDescription("Calls ended, by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AuthFailures, err = m.Int64Counter("taara.auth.failures",
		metric.WithDescription("Calls rejected by the agent for a bad credential."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("taara.calls.active",
		metric.WithDescription("Calls currently connected."),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("taara.calls.duration",
		metric.WithDescription("Connected call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("taara.http.request.duration",
		metric.WithDescription("Dashboard HTTP request latency by method and route."),
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

// DefaultMetrics returns the package-level Metrics, created on first use
// from otel.GetMeterProvider.
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

// RecordFrame counts a gating decision. reason is ignored for sent frames.
func (m *Metrics) RecordFrame(ctx context.Context, sent bool, reason string) {
	if sent {
		m.FramesSent.Add(ctx, 1)
		return
	}
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCallEnded closes out a call. wasConnected says whether the call
// ever opened; d is how long it was open.
func (m *Metrics) RecordCallEnded(ctx context.Context, outcome string, wasConnected bool, d time.Duration) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == OutcomeAuthFailed {
		m.AuthFailures.Add(ctx, 1)
	}
	if wasConnected {
		m.ActiveCalls.Add(ctx, -1)
		m.CallDuration.Record(ctx, d.Seconds())
	}
}

// RecordHTTPRequest records one dashboard request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, d time.Duration) {
	m.HTTPRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("route", route),
		),
	)
}
