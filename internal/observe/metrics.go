// Package observe provides observability primitives for the voice receive
// worker: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware for the optional metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via /metrics. Tests should use [NewMetrics] with a
// [metric.MeterProvider] backed by a manual reader.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicerec metrics.
const meterName = "github.com/MrWong99/voicerec"

// Metrics holds all OpenTelemetry metric instruments for the worker.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Ingress ---

	// Datagrams counts received datagrams. Use with attribute:
	//   attribute.String("channel", "control"|"media"|"stray")
	Datagrams metric.Int64Counter

	// MediaVerdicts counts filter outcomes for media datagrams. Use with
	// attribute: attribute.String("verdict", ...)
	MediaVerdicts metric.Int64Counter

	// ControlCommands counts control commands. Use with attributes:
	//   attribute.String("command", ...), attribute.String("status", ...)
	ControlCommands metric.Int64Counter

	// --- Decode ---

	// FramesDecoded counts Opus frames decoded to PCM.
	FramesDecoded metric.Int64Counter

	// DecodeErrors counts packets the Opus decoder rejected.
	DecodeErrors metric.Int64Counter

	// DecodeDuration tracks per-frame Opus decode latency.
	DecodeDuration metric.Float64Histogram

	// --- Timeline ---

	// SilenceSamples counts synthetic zero samples inserted. Use with
	// attribute: attribute.String("reason", "join"|"gap")
	SilenceSamples metric.Int64Counter

	// FramesWritten counts frames handed to the sink. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	FramesWritten metric.Int64Counter

	// FramesDropped counts decoded frames that never reached the sink. Use
	// with attribute: attribute.String("reason", "overflow"|"unmapped")
	FramesDropped metric.Int64Counter

	// ReorderedFrames counts frames whose RTP timestamp went backwards.
	ReorderedFrames metric.Int64Counter

	// TimestampResets counts frames that re-anchored their SSRC's RTP
	// timestamp without silence. Use with attribute:
	//   attribute.String("reason", "resume"|"jump")
	TimestampResets metric.Int64Counter

	// PendingFrames tracks frames held for unmapped speakers.
	PendingFrames metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// decodeBuckets defines histogram bucket boundaries (in seconds) for a
// single 20 ms Opus frame decode.
var decodeBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.Datagrams, err = m.Int64Counter("voicerec.datagrams",
		metric.WithDescription("Total datagrams received by channel."),
	); err != nil {
		return nil, err
	}
	if met.MediaVerdicts, err = m.Int64Counter("voicerec.media.verdicts",
		metric.WithDescription("Media datagram filter outcomes by verdict."),
	); err != nil {
		return nil, err
	}
	if met.ControlCommands, err = m.Int64Counter("voicerec.control.commands",
		metric.WithDescription("Control commands by command and status."),
	); err != nil {
		return nil, err
	}
	if met.FramesDecoded, err = m.Int64Counter("voicerec.decode.frames",
		metric.WithDescription("Total Opus frames decoded."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voicerec.decode.errors",
		metric.WithDescription("Total Opus packets that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.SilenceSamples, err = m.Int64Counter("voicerec.timeline.silence_samples",
		metric.WithDescription("Synthetic silence samples inserted by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesWritten, err = m.Int64Counter("voicerec.timeline.frames_written",
		metric.WithDescription("Frames written to the sink by status."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicerec.timeline.frames_dropped",
		metric.WithDescription("Decoded frames dropped before reaching the sink by reason."),
	); err != nil {
		return nil, err
	}
	if met.ReorderedFrames, err = m.Int64Counter("voicerec.timeline.reordered",
		metric.WithDescription("Decoded frames delivered with a backwards RTP timestamp."),
	); err != nil {
		return nil, err
	}

	if met.TimestampResets, err = m.Int64Counter("voicerec.timeline.timestamp_resets",
		metric.WithDescription("Frames that re-anchored the RTP timestamp without inserting silence."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PendingFrames, err = m.Int64UpDownCounter("voicerec.timeline.pending",
		metric.WithDescription("Frames held waiting for a speaker mapping."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.DecodeDuration, err = m.Float64Histogram("voicerec.decode.duration",
		metric.WithDescription("Latency of decoding one Opus frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(decodeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicerec.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordDatagram increments the datagram counter for channel.
func (m *Metrics) RecordDatagram(ctx context.Context, channel string) {
	m.Datagrams.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordMediaVerdict increments the filter outcome counter.
func (m *Metrics) RecordMediaVerdict(ctx context.Context, verdict string) {
	m.MediaVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordControlCommand increments the control command counter.
func (m *Metrics) RecordControlCommand(ctx context.Context, command, status string) {
	m.ControlCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status),
		),
	)
}

// RecordSilence adds n inserted silence samples. Non-positive n is ignored.
func (m *Metrics) RecordSilence(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.SilenceSamples.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTimestampReset increments the timestamp re-anchor counter.
func (m *Metrics) RecordTimestampReset(ctx context.Context, reason string) {
	m.TimestampResets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFrameWritten increments the sink write counter.
func (m *Metrics) RecordFrameWritten(ctx context.Context, status string) {
	m.FramesWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFramesDropped adds n dropped frames. Non-positive n is ignored.
func (m *Metrics) RecordFramesDropped(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}
