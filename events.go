package petalbus

import (
	"time"
)

// NoticeKind identifies a lifecycle notice reported by the bus.
type NoticeKind string

const (
	// NoticeListenerAttached is reported when a callback is attached to the channel.
	// Repeat registrations of the same callback do not produce a notice.
	NoticeListenerAttached NoticeKind = "listener.attached"

	// NoticeListenerDetached is reported when a callback's channel handle is removed.
	NoticeListenerDetached NoticeKind = "listener.detached"

	// NoticeOnceFired is reported when a once registration fires.
	NoticeOnceFired NoticeKind = "once.fired"

	// NoticeEmitStarted is reported before an emission is dispatched.
	NoticeEmitStarted NoticeKind = "emit.started"

	// NoticeEmitFinished is reported after an emission's dispatch pass returns.
	NoticeEmitFinished NoticeKind = "emit.finished"

	// NoticeCleared is reported when the whole bus has been cleared.
	NoticeCleared NoticeKind = "bus.cleared"
)

// String returns the string representation of the NoticeKind.
func (k NoticeKind) String() string {
	return string(k)
}

// Notice is a small record of something the bus did.
type Notice struct {
	// Kind identifies the notice type.
	Kind NoticeKind

	// Event is the event name the notice concerns (empty for bus.cleared).
	Event string

	// ListenerID is the callback ID for listener and once notices.
	ListenerID string

	// ListenerName is the callback name, or its ID when unnamed.
	ListenerName string

	// Once is true when the listener is a once registration.
	Once bool

	// EmitID uniquely identifies an emission (emit notices only).
	EmitID string

	// Seq is the bus-wide emission sequence number (emit notices only).
	Seq uint64

	// Time is when the notice was produced.
	Time time.Time

	// Elapsed is the dispatch duration (emit.finished only).
	Elapsed time.Duration

	// Payload is the emitted payload (emit notices only).
	Payload any

	// Err is the error the operation returned, if any.
	Err error

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewNotice creates a notice with the current timestamp.
func NewNotice(kind NoticeKind, event string) Notice {
	return Notice{
		Kind:  kind,
		Event: event,
		Time:  time.Now(),
	}
}

// Observer receives notices from a bus. Observers are called outside the
// bus lock and may call back into the bus.
type Observer func(Notice)

// MultiObserver combines multiple observers into one.
func MultiObserver(observers ...Observer) Observer {
	return func(n Notice) {
		for _, o := range observers {
			if o != nil {
				o(n)
			}
		}
	}
}

// ChannelObserver returns an observer that sends notices to a channel.
// Notices are dropped if the channel is full.
func ChannelObserver(ch chan<- Notice) Observer {
	return func(n Notice) {
		select {
		case ch <- n:
		default:
			// Drop notice if channel is full
		}
	}
}
