package trace

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return NewTracer(l, tp, map[string]string{"test.id": "123"}), sr
}

func TestTracerCallsHangOffNavigation(t *testing.T) {
	t.Parallel()

	tr, sr := newRecordingTracer(t)
	ctx := context.Background()

	_, nav := tr.TraceNavigation(ctx, "1", "http://localhost/")
	_, fetch := tr.TraceCall(ctx, "1", "fetch")
	fetch.End()

	// a second navigation ends the first
	_, nav2 := tr.TraceNavigation(ctx, "1", "http://localhost/next")
	_, orphan := tr.TraceCall(ctx, "2", "wait")
	orphan.End()
	tr.EndWindow("1")

	ended := sr.Ended()
	require.Len(t, ended, 4)

	byName := map[string][]int{}
	for i, s := range ended {
		byName[s.Name()] = append(byName[s.Name()], i)
	}
	fetchSpan := ended[byName["fetch"][0]]
	assert.Equal(t, nav.SpanContext().SpanID(), fetchSpan.Parent().SpanID())
	assert.Contains(t, fetchSpan.Attributes(), attribute.String("test.id", "123"))
	assert.Contains(t, fetchSpan.Attributes(), attribute.String("window.id", "1"))

	waitSpan := ended[byName["wait"][0]]
	assert.False(t, waitSpan.Parent().IsValid())

	assert.Len(t, byName["navigation"], 2)
	assert.NotEqual(t, nav.SpanContext().SpanID(), nav2.SpanContext().SpanID())
}

func TestNoopTracer(t *testing.T) {
	t.Parallel()

	tr := NewNoopTracer()
	_, span := tr.TraceCall(context.Background(), "1", "fetch")
	span.End()
	assert.Empty(t, TraceID(span.SpanContext()))

	var ns NoopSpan
	ns.End()
	assert.False(t, ns.IsRecording())
}

func TestTraceCallKeepsCancellation(t *testing.T) {
	t.Parallel()

	tr, _ := newRecordingTracer(t)
	_, nav := tr.TraceNavigation(context.Background(), "1", "http://localhost/")
	defer nav.End()

	ctx, cancel := context.WithCancel(context.Background())
	sctx, span := tr.TraceCall(ctx, "1", "wait")
	defer span.End()

	cancel()
	<-sctx.Done()
	require.ErrorIs(t, sctx.Err(), context.Canceled)
}
