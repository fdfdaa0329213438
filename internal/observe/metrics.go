// Package observe provides application-wide observability primitives for
// ttsrelay: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ttsrelay metrics.
const meterName = "github.com/techfish-11/ttsrelay"

// aggregateShard is the attribute value used for the gauge series summed
// across all shards, alongside the per-shard series.
const aggregateShard = "all"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. The per-minute counters (TTSCountPerMinute, ErrorCountPerMinute)
// are sampled-and-reset: callers increment in-memory accumulators via
// [Metrics.IncTTS] / [Metrics.IncError], and a ticker owned by the caller
// invokes [Metrics.FlushPerMinuteCounters] once a minute to publish the
// sampled totals as gauges and zero the accumulators.
type Metrics struct {
	// PlatformLatency tracks chat-platform gateway round-trip latency.
	// Use with attribute "shard".
	PlatformLatency metric.Float64Histogram

	// VoiceRoomCount is the number of voice rooms currently joined.
	// Use with attribute "shard" (or [aggregateShard] for the total).
	VoiceRoomCount metric.Int64Gauge

	// GuildCount is the number of guilds the bot is a member of.
	// Use with attribute "shard" (or [aggregateShard] for the total).
	GuildCount metric.Int64Gauge

	// TTSCountPerMinute is the number of successful synthesis+playback
	// cycles sampled in the last minute. Use with attribute "shard".
	TTSCountPerMinute metric.Int64Gauge

	// ErrorCountPerMinute is the number of pipeline errors sampled in the
	// last minute. Use with attribute "shard".
	ErrorCountPerMinute metric.Int64Gauge

	// VoiceGenerationSecondsPerMinute publishes elapsed*60/durationSeconds
	// for each completed synthesis call: processing-seconds spent per
	// synthesized minute of audio.
	VoiceGenerationSecondsPerMinute metric.Float64Gauge

	// HTTPRequestDuration tracks control-plane HTTP request processing
	// time. Use with attributes "method", "path".
	HTTPRequestDuration metric.Float64Histogram

	mu        sync.Mutex
	ttsCounts map[string]int64
	errCounts map[string]int64
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for gateway and synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{
		ttsCounts: make(map[string]int64),
		errCounts: make(map[string]int64),
	}

	if met.PlatformLatency, err = m.Float64Histogram("ttsrelay.platform.latency",
		metric.WithDescription("Chat-platform gateway round-trip latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.VoiceRoomCount, err = m.Int64Gauge("ttsrelay.voice_room_count",
		metric.WithDescription("Number of voice rooms currently joined."),
	); err != nil {
		return nil, err
	}

	if met.GuildCount, err = m.Int64Gauge("ttsrelay.guild_count",
		metric.WithDescription("Number of guilds the bot is a member of."),
	); err != nil {
		return nil, err
	}

	if met.TTSCountPerMinute, err = m.Int64Gauge("ttsrelay.tts_count_per_minute",
		metric.WithDescription("Successful synthesis+playback cycles sampled in the last minute."),
	); err != nil {
		return nil, err
	}

	if met.ErrorCountPerMinute, err = m.Int64Gauge("ttsrelay.error_count_per_minute",
		metric.WithDescription("Pipeline errors sampled in the last minute."),
	); err != nil {
		return nil, err
	}

	if met.VoiceGenerationSecondsPerMinute, err = m.Float64Gauge("ttsrelay.voice_generation_seconds_per_minute",
		metric.WithDescription("Processing-seconds spent per synthesized minute of audio."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("ttsrelay.http.request.duration",
		metric.WithDescription("Control-plane HTTP request latency by method and path."),
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

func shardAttr(shard int) attribute.KeyValue {
	return attribute.String("shard", shardKey(shard))
}

func shardKey(shard int) string {
	if shard < 0 {
		return aggregateShard
	}
	return strconv.Itoa(shard)
}

// RecordPlatformLatency records one gateway round-trip latency sample for
// the given shard.
func (m *Metrics) RecordPlatformLatency(ctx context.Context, shard int, seconds float64) {
	m.PlatformLatency.Record(ctx, seconds, metric.WithAttributes(shardAttr(shard)))
}

// SetVoiceRoomCount publishes the current voice-room count for a shard (or
// the aggregate total when shard is negative).
func (m *Metrics) SetVoiceRoomCount(ctx context.Context, shard int, count int64) {
	m.VoiceRoomCount.Record(ctx, count, metric.WithAttributes(shardAttr(shard)))
}

// SetGuildCount publishes the current guild count for a shard (or the
// aggregate total when shard is negative).
func (m *Metrics) SetGuildCount(ctx context.Context, shard int, count int64) {
	m.GuildCount.Record(ctx, count, metric.WithAttributes(shardAttr(shard)))
}

// IncTTS increments the per-minute TTS success counter for shard (use a
// negative shard when sharding is not in use).
func (m *Metrics) IncTTS(shard int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttsCounts[shardKey(shard)]++
}

// IncError increments the per-minute error counter for shard.
func (m *Metrics) IncError(shard int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errCounts[shardKey(shard)]++
}

// FlushPerMinuteCounters publishes the accumulated TTS/error counts to their
// gauges and resets the in-memory accumulators. Intended to be invoked by a
// one-minute ticker owned by the caller.
func (m *Metrics) FlushPerMinuteCounters(ctx context.Context) {
	m.mu.Lock()
	tts := m.ttsCounts
	errs := m.errCounts
	m.ttsCounts = make(map[string]int64)
	m.errCounts = make(map[string]int64)
	m.mu.Unlock()

	var totalTTS, totalErr int64
	for shard, n := range tts {
		m.TTSCountPerMinute.Record(ctx, n, metric.WithAttributes(attribute.String("shard", shard)))
		totalTTS += n
	}
	for shard, n := range errs {
		m.ErrorCountPerMinute.Record(ctx, n, metric.WithAttributes(attribute.String("shard", shard)))
		totalErr += n
	}
	m.TTSCountPerMinute.Record(ctx, totalTTS, metric.WithAttributes(attribute.String("shard", aggregateShard)))
	m.ErrorCountPerMinute.Record(ctx, totalErr, metric.WithAttributes(attribute.String("shard", aggregateShard)))
}

// RecordVoiceGenerationSecondsPerMinute publishes elapsed*60/durationSeconds
// for one completed synthesis call.
func (m *Metrics) RecordVoiceGenerationSecondsPerMinute(ctx context.Context, elapsedSeconds, durationSeconds float64) {
	if durationSeconds <= 0 {
		return
	}
	m.VoiceGenerationSecondsPerMinute.Record(ctx, elapsedSeconds*60/durationSeconds)
}
