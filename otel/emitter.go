package otel

import (
	"github.com/petal-labs/petalbus"
)

// EnrichObserver drives the tracing observer and forwards notices to next
// with the trace context of their emission span stamped on them. Notices
// without an active span pass through unchanged.
func EnrichObserver(next petalbus.Observer, tracing *TracingObserver) petalbus.Observer {
	return func(n petalbus.Notice) {
		if n.Kind == petalbus.NoticeEmitStarted {
			// The span only exists once the tracer has seen the start.
			tracing.Observe(n)
			stamp(&n, tracing)
		} else {
			stamp(&n, tracing)
			tracing.Observe(n)
		}
		if next != nil {
			next(n)
		}
	}
}

func stamp(n *petalbus.Notice, tracing *TracingObserver) {
	if n.EmitID == "" || n.TraceID != "" {
		return
	}
	sc := tracing.ActiveSpanContext(n.EmitID)
	if sc.IsValid() {
		n.TraceID = sc.TraceID().String()
		n.SpanID = sc.SpanID().String()
	}
}
