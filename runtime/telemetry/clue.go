package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const instrumentationName = "goa.design/syncdiag"

type (
	// ClueLogger writes log lines through goa.design/clue/log. Format and
	// debug settings come from the context (log.Context, log.WithFormat,
	// log.WithDebug).
	ClueLogger struct{}

	// OtelMetrics records metrics on the global OpenTelemetry meter provider.
	// Instruments are created once per name.
	OtelMetrics struct {
		meter      metric.Meter
		counters   sync.Map // name -> metric.Float64Counter
		histograms sync.Map // name -> metric.Float64Histogram
	}

	// OtelTracer starts spans on the global OpenTelemetry tracer provider.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger backed by clue.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOtelMetrics returns a Metrics recorder backed by the global meter
// provider. Configure it with otel.SetMeterProvider before use.
func NewOtelMetrics() *OtelMetrics {
	return &OtelMetrics{meter: otel.Meter(instrumentationName)}
}

// NewOtelTracer returns a Tracer backed by the global tracer provider.
func NewOtelTracer() *OtelTracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

// Debug logs at debug level.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info logs at info level.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn logs at warning level.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error logs at error level. An "error" key holding an error value is
// passed to clue as the logged error.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	for i := 0; i+1 < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok && k == "error" {
			if e, ok := keyvals[i+1].(error); ok {
				err = e
			}
		}
	}
	log.Error(ctx, err, fielders(msg, keyvals)...)
}

// IncCounter adds value to the named counter.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters.Load(name)
	if !ok {
		counter, err := m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		c, _ = m.counters.LoadOrStore(name, counter)
	}
	c.(metric.Float64Counter).Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer records duration, in seconds, on the named histogram.
func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	h, ok := m.histograms.Load(name)
	if !ok {
		histogram, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			return
		}
		h, _ = m.histograms.LoadOrStore(name, histogram)
	}
	h.(metric.Float64Histogram).Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// Start starts a span carrying keyvals as attributes.
func (t *OtelTracer) Start(ctx context.Context, name string, keyvals ...any) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(kvAttrs(keyvals)...))
	return ctx, &otelSpan{span: span}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

func (s *otelSpan) AddEvent(name string, keyvals ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvAttrs(keyvals)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders converts a message and k1, v1, ... pairs into clue fielders.
// Non-string keys are dropped; a trailing key without value maps to nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		if e, ok := v.(error); ok {
			v = e.Error()
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		switch v := keyvals[i+1].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		case fmt.Stringer:
			attrs = append(attrs, attribute.String(k, v.String()))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return attrs
}
