package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voicerec tracer.
const tracerName = "github.com/MrWong99/voicerec"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the root span covering one recording session,
// annotated with the media and control peers.
func StartSessionSpan(ctx context.Context, remote, control string) (context.Context, trace.Span) {
	return StartSpan(ctx, "voicerec.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("voicerec.remote_addr", remote),
			attribute.String("voicerec.control_addr", control),
		),
	)
}

// TraceID returns the trace ID of the active span in ctx, or the empty
// string when no span with a valid trace ID exists.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the span context in ctx. Without an active span the default slog logger
// is returned unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := TraceID(ctx); id != "" {
		l = l.With(
			slog.String("trace_id", id),
			slog.String("span_id", trace.SpanContextFromContext(ctx).SpanID().String()),
		)
	}
	return l
}
