// Package observe provides application-wide observability primitives for
// Siren: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the debug server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Siren metrics.
const meterName = "github.com/MrWong99/siren"

// Capture frame outcomes recorded on [Metrics.CaptureFrames].
const (
	FrameQueued    = "queued"
	FrameNotReady  = "not_ready"
	FrameQueueFull = "queue_full"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Capture / transport ---

	// CaptureFrames counts microphone frames by outcome. Use with attribute:
	//   attribute.String("outcome", FrameQueued|FrameNotReady|FrameQueueFull)
	CaptureFrames metric.Int64Counter

	// ChunksSent counts audio chunks handed to the live connection.
	ChunksSent metric.Int64Counter

	// SendErrors counts failed chunk transmissions.
	SendErrors metric.Int64Counter

	// --- Playback ---

	// BuffersScheduled counts decoded buffers queued on the output device.
	BuffersScheduled metric.Int64Counter

	// Interruptions counts barge-in flushes of the playback queue.
	Interruptions metric.Int64Counter

	// PlaybackLead tracks how far ahead of the device clock the playback
	// cursor sits after each scheduling decision.
	PlaybackLead metric.Float64Histogram

	// DecodeErrors counts inbound audio payloads rejected as malformed.
	DecodeErrors metric.Int64Counter

	// --- Session ---

	// SessionTransitions counts status changes. Use with attribute:
	//   attribute.String("status", ...)
	SessionTransitions metric.Int64Counter

	// ActiveSessions tracks the number of sessions holding audio devices.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectDuration tracks time from Start until the connection is ready.
	ConnectDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks debug server request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup and playback lead.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CaptureFrames, err = m.Int64Counter("siren.capture.frames",
		metric.WithDescription("Captured microphone frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("siren.transport.chunks_sent",
		metric.WithDescription("Audio chunks sent to the live connection."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("siren.transport.send_errors",
		metric.WithDescription("Audio chunks that failed to send."),
	); err != nil {
		return nil, err
	}

	if met.BuffersScheduled, err = m.Int64Counter("siren.playback.buffers_scheduled",
		metric.WithDescription("Decoded buffers scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("siren.playback.interruptions",
		metric.WithDescription("Playback queue flushes caused by barge-in."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("siren.playback.lead",
		metric.WithDescription("Scheduled audio ahead of the device clock."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("siren.decode.errors",
		metric.WithDescription("Inbound audio payloads rejected as malformed."),
	); err != nil {
		return nil, err
	}

	if met.SessionTransitions, err = m.Int64Counter("siren.session.transitions",
		metric.WithDescription("Session status changes by target status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("siren.session.active",
		metric.WithDescription("Sessions currently holding audio devices."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("siren.session.connect.duration",
		metric.WithDescription("Time from session start until the connection is ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("siren.http.request.duration",
		metric.WithDescription("Debug server request latency by method, path and status."),
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

// RecordFrame records one captured frame with the given outcome.
func (m *Metrics) RecordFrame(ctx context.Context, outcome string) {
	m.CaptureFrames.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordTransition records a session status change.
func (m *Metrics) RecordTransition(ctx context.Context, status string) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordScheduled records one scheduled buffer and the resulting lead of the
// playback cursor over the device clock.
func (m *Metrics) RecordScheduled(ctx context.Context, lead time.Duration) {
	m.BuffersScheduled.Add(ctx, 1)
	m.PlaybackLead.Record(ctx, lead.Seconds())
}
