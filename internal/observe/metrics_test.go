package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
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

// sumFor returns the int64 sum data point value matching attrs, or the total
// across all data points when attrs is empty.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: got %T, want Sum[int64]", name, m.Data)
	}
	want := attribute.NewSet(attrs...)
	var total int64
	for _, dp := range sum.DataPoints {
		if len(attrs) == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.RecordIngest("video")
	m.RecordIngest("video")
	m.RecordIngest("audio")
	m.RecordDelivered(5)
	m.RecordDelivered(0)
	m.RecordDropped(DropQueueFull)
	m.RecordDroppedN(DropPaused, 3)

	rm := collect(t, reader)

	if got := sumFor(t, rm, "livecore.frames.ingested", attribute.String("kind", "video")); got != 2 {
		t.Errorf("ingested video: got %d, want 2", got)
	}
	if got := sumFor(t, rm, "livecore.frames.ingested", attribute.String("kind", "audio")); got != 1 {
		t.Errorf("ingested audio: got %d, want 1", got)
	}
	if got := sumFor(t, rm, "livecore.frames.delivered"); got != 5 {
		t.Errorf("delivered: got %d, want 5", got)
	}
	if got := sumFor(t, rm, "livecore.frames.dropped", attribute.String("reason", DropPaused)); got != 3 {
		t.Errorf("dropped paused: got %d, want 3", got)
	}
	if got := sumFor(t, rm, "livecore.frames.dropped"); got != 4 {
		t.Errorf("dropped total: got %d, want 4", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.ConsumerAttached()
	m.ConsumerAttached()
	m.ConsumerDetached()
	m.PublishStarted()
	m.PublishStarted()
	m.PublishStopped()
	m.PublishConflict()

	rm := collect(t, reader)

	if got := sumFor(t, rm, "livecore.consumers.active"); got != 1 {
		t.Errorf("active consumers: got %d, want 1", got)
	}
	if got := sumFor(t, rm, "livecore.streams.publishing"); got != 1 {
		t.Errorf("publishing streams: got %d, want 1", got)
	}
	if got := sumFor(t, rm, "livecore.publishes"); got != 2 {
		t.Errorf("publishes: got %d, want 2", got)
	}
	if got := sumFor(t, rm, "livecore.publish.conflicts"); got != 1 {
		t.Errorf("conflicts: got %d, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordIngest("video")
	m.RecordDelivered(1)
	m.RecordDropped(DropQueueFull)
	m.ConsumerAttached()
	m.ConsumerDetached()
	m.PublishStarted()
	m.PublishStopped()
	m.PublishConflict()
}
