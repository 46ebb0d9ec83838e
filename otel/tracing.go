// Package otel provides OpenTelemetry integration for bus notices.
package otel

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalbus"
)

// TracingObserver translates bus notices into OpenTelemetry spans: one span
// per emission, started on emit.started and ended on emit.finished.
type TracingObserver struct {
	tracer trace.Tracer

	mu    sync.RWMutex
	spans map[string]trace.Span // emitID -> span
}

// NewTracingObserver creates a TracingObserver that uses the given tracer.
func NewTracingObserver(tracer trace.Tracer) *TracingObserver {
	return &TracingObserver{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

// Observe starts or ends spans for emit notices and ignores all others.
func (o *TracingObserver) Observe(n petalbus.Notice) {
	switch n.Kind {
	case petalbus.NoticeEmitStarted:
		o.handleEmitStarted(n)
	case petalbus.NoticeEmitFinished:
		o.handleEmitFinished(n)
	}
}

func (o *TracingObserver) handleEmitStarted(n petalbus.Notice) {
	if n.EmitID == "" {
		return
	}

	_, span := o.tracer.Start(context.Background(), "emit:"+n.Event,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("petalbus.event", n.Event),
			attribute.String("petalbus.emit_id", n.EmitID),
			attribute.String("petalbus.seq", strconv.FormatUint(n.Seq, 10)),
		),
		trace.WithTimestamp(n.Time),
	)

	o.mu.Lock()
	o.spans[n.EmitID] = span
	o.mu.Unlock()
}

func (o *TracingObserver) handleEmitFinished(n petalbus.Notice) {
	o.mu.Lock()
	span, ok := o.spans[n.EmitID]
	if ok {
		delete(o.spans, n.EmitID)
	}
	o.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("petalbus.duration", n.Elapsed.String()),
	)
	if n.Err != nil {
		span.SetStatus(codes.Error, n.Err.Error())
		span.RecordError(n.Err, trace.WithTimestamp(n.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(n.Time))
}

// ActiveSpanContext returns the SpanContext for the in-flight emission
// identified by emitID, or an empty SpanContext if none is active.
func (o *TracingObserver) ActiveSpanContext(emitID string) trace.SpanContext {
	o.mu.RLock()
	span, ok := o.spans[emitID]
	o.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// Active reports the number of emissions with an open span.
func (o *TracingObserver) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.spans)
}
