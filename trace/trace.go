// Package trace provides tracing instrumentation for page navigations,
// fetches and waits.
package trace

import (
	"context"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "zombie.browser"

// liveSpan is the navigation span of a window. Fetches and waits issued by
// the window later on are attached to it.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for windows. Spans of a window hang off the span of
// its latest navigation.
type Tracer struct {
	logger logrus.FieldLogger

	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(
	logger logrus.FieldLogger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	return &Tracer{
		logger:    logger,
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewTracer(l, noop.NewTracerProvider(), nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// TraceID returns the hex trace ID, or empty.
func TraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// TraceNavigation starts the navigation span of a window, ending the
// previous one. The span ends with the next navigation or EndWindow.
func (t *Tracer) TraceNavigation(
	ctx context.Context, windowID string, url string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[windowID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}

	opts = append(opts, trace.WithAttributes(
		attribute.String("window.id", windowID),
		attribute.String("navigation.url", url),
	))

	const spanName = "navigation"
	ls.ctx, ls.span = t.Start(ctx, spanName, opts...)
	t.liveSpans[windowID] = ls

	t.logger.Debugf("TraceNavigation: spanName: %q traceID: %q windowID: %q",
		spanName, TraceID(trace.SpanContextFromContext(ls.ctx)), windowID)

	return ls.ctx, &SpanLogger{Span: ls.span, logger: t.logger, spanName: spanName}
}

// TraceCall starts a span for an operation of a window, parented to the
// window navigation span when there is one. ctx keeps its deadline and
// cancellation. It is the caller's responsibility to end the span.
func (t *Tracer) TraceCall(
	ctx context.Context, windowID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[windowID]
	t.liveSpansMu.RUnlock()

	opts = append(opts, trace.WithAttributes(attribute.String("window.id", windowID)))
	if ls != nil {
		ctx = trace.ContextWithSpan(ctx, ls.span)
	}
	sCtx, span := t.Start(ctx, spanName, opts...)

	t.logger.Debugf("TraceCall: spanName: %q traceID: %q windowID: %q",
		spanName, TraceID(span.SpanContext()), windowID)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// EndWindow ends the navigation span of a closed window.
func (t *Tracer) EndWindow(windowID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[windowID]; ls != nil {
		ls.span.End()
		delete(t.liveSpans, windowID)
	}
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// TracerProvider returns a noop tracer provider.
func (NoopSpan) TracerProvider() trace.TracerProvider { return noop.NewTracerProvider() }

// SpanLogger is a Span that logs the calls made on it.
type SpanLogger struct {
	trace.Span
	logger   logrus.FieldLogger
	spanName string
}

// SetStatus logs before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	i.logger.Debugf("SetStatus: spanName: %q traceID: %q code: %q description: %q",
		i.spanName, TraceID(i.SpanContext()), code, description)

	i.Span.SetStatus(code, description)
}

// End logs before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	i.logger.Debugf("End: spanName: %q traceID: %q", i.spanName, TraceID(i.SpanContext()))

	i.Span.End(options...)
}

// RecordError logs before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	i.logger.Debugf("RecordError: spanName: %q traceID: %q err: %q", i.spanName, TraceID(i.SpanContext()), err)

	i.Span.RecordError(err, options...)
}
