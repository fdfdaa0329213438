package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

func attrValue(attrs attribute.Set, key string) (string, bool) {
	for _, kv := range attrs.ToSlice() {
		if string(kv.Key) == key {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPlatformLatencyHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlatformLatency(ctx, 0, 0.05)
	m.RecordPlatformLatency(ctx, 0, 0.12)

	rm := collect(t, reader)
	met := findMetric(rm, "ttsrelay.platform.latency")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1 (single shard series)", len(hist.DataPoints))
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestSetVoiceRoomCount_PerShardAndAggregate(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SetVoiceRoomCount(ctx, 0, 3)
	m.SetVoiceRoomCount(ctx, 1, 5)
	m.SetVoiceRoomCount(ctx, -1, 8)

	rm := collect(t, reader)
	met := findMetric(rm, "ttsrelay.voice_room_count")
	if met == nil {
		t.Fatal("metric not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}

	want := map[string]int64{"0": 3, "1": 5, "all": 8}
	if len(gauge.DataPoints) != len(want) {
		t.Fatalf("data points = %d, want %d", len(gauge.DataPoints), len(want))
	}
	for _, dp := range gauge.DataPoints {
		shard, _ := attrValue(dp.Attributes, "shard")
		if exp, ok := want[shard]; !ok || dp.Value != exp {
			t.Errorf("shard %q value = %d, want %d", shard, dp.Value, want[shard])
		}
	}
}

func TestFlushPerMinuteCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.IncTTS(0)
	m.IncTTS(0)
	m.IncTTS(1)
	m.IncError(0)

	m.FlushPerMinuteCounters(ctx)

	rm := collect(t, reader)

	ttsMet := findMetric(rm, "ttsrelay.tts_count_per_minute")
	if ttsMet == nil {
		t.Fatal("tts metric not found")
	}
	ttsGauge := ttsMet.Data.(metricdata.Gauge[int64])
	ttsByShard := map[string]int64{}
	for _, dp := range ttsGauge.DataPoints {
		shard, _ := attrValue(dp.Attributes, "shard")
		ttsByShard[shard] = dp.Value
	}
	if ttsByShard["0"] != 2 || ttsByShard["1"] != 1 || ttsByShard["all"] != 3 {
		t.Errorf("tts per-shard counts = %v, want {0:2, 1:1, all:3}", ttsByShard)
	}

	errMet := findMetric(rm, "ttsrelay.error_count_per_minute")
	errGauge := errMet.Data.(metricdata.Gauge[int64])
	errByShard := map[string]int64{}
	for _, dp := range errGauge.DataPoints {
		shard, _ := attrValue(dp.Attributes, "shard")
		errByShard[shard] = dp.Value
	}
	if errByShard["0"] != 1 || errByShard["all"] != 1 {
		t.Errorf("error per-shard counts = %v, want {0:1, all:1}", errByShard)
	}
}

func TestFlushPerMinuteCounters_ResetsAccumulators(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.IncTTS(-1)
	m.FlushPerMinuteCounters(ctx)
	m.FlushPerMinuteCounters(ctx) // second flush with nothing new recorded

	rm := collect(t, reader)
	met := findMetric(rm, "ttsrelay.tts_count_per_minute")
	gauge := met.Data.(metricdata.Gauge[int64])
	for _, dp := range gauge.DataPoints {
		shard, _ := attrValue(dp.Attributes, "shard")
		if shard == "all" && dp.Value != 0 {
			t.Errorf("second flush should report 0 after reset, got %d", dp.Value)
		}
	}
}

func TestRecordVoiceGenerationSecondsPerMinute(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVoiceGenerationSecondsPerMinute(ctx, 2.0, 4.0) // 2*60/4 = 30

	rm := collect(t, reader)
	met := findMetric(rm, "ttsrelay.voice_generation_seconds_per_minute")
	if met == nil {
		t.Fatal("metric not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(gauge.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := gauge.DataPoints[0].Value; got != 30 {
		t.Errorf("value = %v, want 30", got)
	}
}

func TestRecordVoiceGenerationSecondsPerMinute_IgnoresZeroDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVoiceGenerationSecondsPerMinute(ctx, 2.0, 0)

	rm := collect(t, reader)
	if met := findMetric(rm, "ttsrelay.voice_generation_seconds_per_minute"); met != nil {
		if gauge, ok := met.Data.(metricdata.Gauge[float64]); ok && len(gauge.DataPoints) != 0 {
			t.Error("expected no data points to be recorded for zero duration")
		}
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "ttsrelay.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
