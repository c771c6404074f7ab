// Package observe provides application-wide observability primitives for
// plab: OpenTelemetry metrics, tracing helpers, and SDK provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all plab metrics.
const meterName = "github.com/leozhu3572/plab"

// Metrics holds all OpenTelemetry metric instruments for the live session
// engine. All fields are safe for concurrent use — the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// ConnectDuration tracks live-session handshake latency.
	ConnectDuration metric.Float64Histogram

	// AudioChunksReceived counts inbound model audio chunks scheduled for
	// playback.
	AudioChunksReceived metric.Int64Counter

	// AudioFramesSent counts outbound microphone frames handed to the
	// transport.
	AudioFramesSent metric.Int64Counter

	// TranscriptFragments counts transcript fragments by direction. Use with
	// attribute.String("speaker", "user"|"model").
	TranscriptFragments metric.Int64Counter

	// DecodeFailures counts malformed inbound audio chunks that were dropped.
	DecodeFailures metric.Int64Counter

	// PlaybackFlushes counts barge-in flushes of the playback scheduler.
	PlaybackFlushes metric.Int64Counter

	// SessionErrors counts sessions that ended with a transport error.
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for session-handshake latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("plab.live.connect.duration",
		metric.WithDescription("Latency of the live-session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.AudioChunksReceived, err = m.Int64Counter("plab.live.audio.chunks_received",
		metric.WithDescription("Total inbound model audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesSent, err = m.Int64Counter("plab.live.audio.frames_sent",
		metric.WithDescription("Total outbound microphone frames sent to the transport."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptFragments, err = m.Int64Counter("plab.live.transcript.fragments",
		metric.WithDescription("Total transcript fragments by speaker direction."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("plab.live.audio.decode_failures",
		metric.WithDescription("Total malformed inbound audio chunks dropped."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFlushes, err = m.Int64Counter("plab.live.playback.flushes",
		metric.WithDescription("Total barge-in flushes of the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("plab.live.session.errors",
		metric.WithDescription("Total sessions terminated by a transport error."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("plab.live.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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
