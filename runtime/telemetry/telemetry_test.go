package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"goa.design/clue/log"
)

func TestOrFallsBackToNoop(t *testing.T) {
	require.Equal(t, NoopLogger{}, Or(nil))
	require.Equal(t, NoopMetrics{}, OrMetrics(nil))
	require.Equal(t, NoopTracer{}, OrTracer(nil))

	l := NewClueLogger()
	require.Equal(t, l, Or(l))
}

func TestNoopTracerKeepsContext(t *testing.T) {
	ctx := context.Background()
	newCtx, span := NoopTracer{}.Start(ctx, "diagnostics.step", "run_id", "r1")
	require.Equal(t, ctx, newCtx)
	span.AddEvent("attempt", "n", 1)
	span.SetStatus(codes.Error, "boom")
	span.RecordError(errors.New("boom"))
	span.End()

	NoopMetrics{}.IncCounter("c", 1, "status", "failed")
	NoopMetrics{}.RecordTimer("t", time.Second)
}

func TestFielders(t *testing.T) {
	fs := fielders("hello", []any{"a", 1, 42, "skipped", "err", errors.New("boom"), "dangling"})
	require.Equal(t, []log.Fielder{
		log.KV{K: "msg", V: "hello"},
		log.KV{K: "a", V: 1},
		log.KV{K: "err", V: "boom"},
		log.KV{K: "dangling", V: nil},
	}, fs)
}

func TestTagAttrs(t *testing.T) {
	attrs := tagAttrs([]string{"status", "failed", "odd"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("status", "failed"),
		attribute.String("odd", ""),
	}, attrs)
}

func TestKVAttrs(t *testing.T) {
	attrs := kvAttrs([]any{"s", "x", "i", 2, "b", true, "d", time.Second, 7, "bad"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("s", "x"),
		attribute.Int("i", 2),
		attribute.Bool("b", true),
		attribute.String("d", "1s"),
	}, attrs)
}
