package channel

import (
	"sync"
)

// MemChannel is an in-process Channel implementation.
type MemChannel[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]*memHandle[T] // event -> listeners in attach order
	nextID    uint64
	closed    bool
}

// NewMemChannel creates an empty in-memory channel.
func NewMemChannel[T any]() *MemChannel[T] {
	return &MemChannel[T]{
		listeners: make(map[string][]*memHandle[T]),
	}
}

// Attach registers a listener for event and returns its handle.
func (c *MemChannel[T]) Attach(event string, l Listener[T]) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	c.nextID++
	h := &memHandle[T]{
		ch:       c,
		id:       c.nextID,
		event:    event,
		listener: l,
	}
	c.listeners[event] = append(c.listeners[event], h)
	return h, nil
}

// Dispatch invokes the listeners attached to event when Dispatch was called.
// Listeners attached or removed while the pass is running do not change
// which listeners this pass visits.
func (c *MemChannel[T]) Dispatch(event string, payload T) error {
	c.mu.RLock()
	attached := c.listeners[event]
	snapshot := make([]Listener[T], len(attached))
	for i, h := range attached {
		snapshot[i] = h.listener
	}
	c.mu.RUnlock()

	for _, l := range snapshot {
		if err := l(payload); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAll detaches every listener for event. Handles issued for those
// listeners report ErrHandleRemoved afterwards.
func (c *MemChannel[T]) RemoveAll(event string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.listeners[event] {
		h.removed = true
	}
	delete(c.listeners, event)
	return nil
}

// ListenerCount returns the number of listeners attached to event.
func (c *MemChannel[T]) ListenerCount(event string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners[event])
}

// Close detaches all listeners and rejects further attaches.
func (c *MemChannel[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	for _, hs := range c.listeners {
		for _, h := range hs {
			h.removed = true
		}
	}
	c.listeners = make(map[string][]*memHandle[T])
	return nil
}

// memHandle is a single attached listener.
type memHandle[T any] struct {
	ch       *MemChannel[T]
	id       uint64
	event    string
	listener Listener[T]
	removed  bool // guarded by ch.mu
}

// Remove detaches the listener. A second call returns ErrHandleRemoved.
func (h *memHandle[T]) Remove() error {
	c := h.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.removed {
		return ErrHandleRemoved
	}
	h.removed = true

	hs := c.listeners[h.event]
	for i, other := range hs {
		if other == h {
			hs = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(hs) == 0 {
		delete(c.listeners, h.event)
	} else {
		c.listeners[h.event] = hs
	}
	return nil
}

// Compile-time interface checks.
var _ Channel[int] = (*MemChannel[int])(nil)
var _ BulkRemover = (*MemChannel[int])(nil)
var _ Handle = (*memHandle[int])(nil)
