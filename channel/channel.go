// Package channel defines the native delivery primitive that a petalbus.Bus
// sits on top of. A Channel only knows how to attach low-level listeners,
// detach them through the Handle it issued, and dispatch a payload to every
// listener attached to an event name. It does no bookkeeping of its own
// beyond that; duplicate suppression and once semantics live in the bus.
package channel

import "errors"

var (
	// ErrHandleRemoved is returned when a handle is removed more than once.
	ErrHandleRemoved = errors.New("channel: handle already removed")

	// ErrClosed is returned when attaching to a closed channel.
	ErrClosed = errors.New("channel: closed")
)

// Listener is a low-level callback attached to an event name.
// A non-nil error aborts the dispatch pass it was invoked from.
type Listener[T any] func(payload T) error

// Handle detaches a previously attached listener.
// Remove must be called at most once per handle.
type Handle interface {
	Remove() error
}

// Channel is the delivery primitive consumed by the bus.
type Channel[T any] interface {
	// Attach registers a listener for an event name. Several independent
	// listeners may be attached to the same name.
	Attach(event string, l Listener[T]) (Handle, error)

	// Dispatch invokes every listener attached to event, in attachment order.
	// The first listener error stops the pass and is returned.
	Dispatch(event string, payload T) error
}

// BulkRemover is implemented by channels that can drop every listener for
// an event name at once, including listeners the bus never attached.
type BulkRemover interface {
	RemoveAll(event string) error
}
