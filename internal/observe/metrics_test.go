package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value for the data point carrying attr, or
// the first point when attr is empty.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", name, m.Data)
	}
	for _, dp := range sum.DataPoints {
		if attr.Key == "" {
			return dp.Value
		}
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			return dp.Value
		}
	}
	return 0
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, true, "")
	m.RecordFrame(ctx, true, "")
	m.RecordFrame(ctx, false, "muted")
	m.RecordFrame(ctx, false, "agent_speaking")
	m.RecordFrame(ctx, false, "muted")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "taara.capture.frames_sent", attribute.KeyValue{}); got != 2 {
		t.Errorf("frames_sent = %d, want 2", got)
	}
	if got := sumFor(t, rm, "taara.capture.frames_dropped", attribute.String("reason", "muted")); got != 2 {
		t.Errorf("frames_dropped{muted} = %d, want 2", got)
	}
	if got := sumFor(t, rm, "taara.capture.frames_dropped", attribute.String("reason", "agent_speaking")); got != 1 {
		t.Errorf("frames_dropped{agent_speaking} = %d, want 1", got)
	}
}

func TestRecordCallEnded(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CallsStarted.Add(ctx, 2)
	m.ActiveCalls.Add(ctx, 1)
	m.RecordCallEnded(ctx, OutcomeHangup, true, 30*time.Second)
	m.RecordCallEnded(ctx, OutcomeAuthFailed, false, 0)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "taara.calls.ended", attribute.String("outcome", OutcomeHangup)); got != 1 {
		t.Errorf("calls.ended{hangup} = %d, want 1", got)
	}
	if got := sumFor(t, rm, "taara.auth.failures", attribute.KeyValue{}); got != 1 {
		t.Errorf("auth.failures = %d, want 1", got)
	}
	if got := sumFor(t, rm, "taara.calls.active", attribute.KeyValue{}); got != 0 {
		t.Errorf("calls.active = %d, want 0", got)
	}

	dur := findMetric(rm, "taara.calls.duration")
	if dur == nil {
		t.Fatal("taara.calls.duration not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("expected one duration sample, got %+v", dur.Data)
	}
}

func TestDefaultMetrics(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics should return the same instance")
	}
}
