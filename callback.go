package petalbus

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// HandlerFunc handles a payload delivered by the bus.
// Returning an error aborts the emission pass it was called from.
type HandlerFunc[T any] func(payload T) error

// Callback is the registration token for a listener. The bus compares
// callbacks by pointer identity, so the same *Callback must be passed to Off
// that was passed to On or Once. Two callbacks wrapping the same function are
// two different registrations.
type Callback[T any] struct {
	id   string
	name string
	fn   HandlerFunc[T]

	// origin is set on once wrappers and points at the caller's callback.
	origin *Callback[T]
	fired  atomic.Bool
}

// NewCallback wraps fn in a new callback token.
func NewCallback[T any](fn HandlerFunc[T]) *Callback[T] {
	return &Callback[T]{
		id: uuid.NewString(),
		fn: fn,
	}
}

// NamedCallback is like NewCallback but carries a name for logs and notices.
func NamedCallback[T any](name string, fn HandlerFunc[T]) *Callback[T] {
	cb := NewCallback(fn)
	cb.name = name
	return cb
}

// Func wraps a handler that cannot fail.
func Func[T any](fn func(payload T)) *Callback[T] {
	return NewCallback(func(payload T) error {
		fn(payload)
		return nil
	})
}

// ID returns the callback's unique identifier.
func (c *Callback[T]) ID() string {
	return c.id
}

// Name returns the callback's name, or its ID when unnamed.
func (c *Callback[T]) Name() string {
	if c.name != "" {
		return c.name
	}
	return c.id
}

// Invoke calls the wrapped handler.
func (c *Callback[T]) Invoke(payload T) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(payload)
}

// isOnceWrapper reports whether the bus synthesised this callback for Once.
func (c *Callback[T]) isOnceWrapper() bool {
	return c.origin != nil
}
