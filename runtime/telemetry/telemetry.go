// Package telemetry defines the logging, metrics and tracing surface used by
// the diagnostic engine. Production code wires the Clue/OpenTelemetry
// implementations; tests use the no-op ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log lines. Key-value pairs follow the
	// k1, v1, k2, v2 convention.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Tags are k1, v1, k2, v2 pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, keyvals ...any) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, keyvals ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Or returns l unless it is nil, in which case it returns a no-op logger.
func Or(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// OrMetrics returns m unless it is nil, in which case it returns a no-op
// recorder.
func OrMetrics(m Metrics) Metrics {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}

// OrTracer returns t unless it is nil, in which case it returns a no-op
// tracer.
func OrTracer(t Tracer) Tracer {
	if t == nil {
		return NoopTracer{}
	}
	return t
}
