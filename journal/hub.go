package journal

import (
	"slices"
	"sync"
)

// HubConfig configures a Hub.
type HubConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// Subscription is a live feed of records from a Hub.
type Subscription interface {
	// Records returns a channel of records for this subscription. It is
	// closed when the subscription or its hub is closed.
	Records() <-chan Record

	// Close unsubscribes and releases resources.
	Close() error
}

// Hub fans journaled records out to live subscribers. Slow subscribers lose
// records rather than blocking the publisher.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string][]*hubSub // event -> subscribers
	globalSubs []*hubSub            // subscribers for all events
	bufSize    int
	closed     bool
}

// NewHub creates a new hub with the given configuration.
func NewHub(config HubConfig) *Hub {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Hub{
		subs:    make(map[string][]*hubSub),
		bufSize: bufSize,
	}
}

// Publish sends a record to subscribers of its event name and to global
// subscribers. Records published after Close are dropped.
func (h *Hub) Publish(rec Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, sub := range h.subs[rec.Event] {
		sub.send(rec)
	}
	for _, sub := range h.globalSubs {
		sub.send(rec)
	}
}

// Subscribe registers a subscriber for one event name.
func (h *Hub) Subscribe(event string) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := h.newSub(event, false)
	h.subs[event] = append(h.subs[event], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives records for every event name.
func (h *Hub) SubscribeAll() Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := h.newSub("", true)
	h.globalSubs = append(h.globalSubs, sub)
	return sub
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := len(h.globalSubs)
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Close shuts down the hub and all active subscriptions.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, subs := range h.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range h.globalSubs {
		sub.close()
	}
	h.subs = make(map[string][]*hubSub)
	h.globalSubs = nil
	return nil
}

func (h *Hub) newSub(event string, global bool) *hubSub {
	sub := &hubSub{
		hub:    h,
		event:  event,
		global: global,
		ch:     make(chan Record, h.bufSize),
	}
	if h.closed {
		sub.close()
	}
	return sub
}

func (h *Hub) remove(sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.global {
		h.globalSubs = slices.DeleteFunc(h.globalSubs, func(s *hubSub) bool { return s == sub })
		return
	}
	subs := slices.DeleteFunc(h.subs[sub.event], func(s *hubSub) bool { return s == sub })
	if len(subs) == 0 {
		delete(h.subs, sub.event)
		return
	}
	h.subs[sub.event] = subs
}

type hubSub struct {
	hub    *Hub
	event  string
	global bool

	ch     chan Record
	mu     sync.Mutex
	closed bool
}

func (s *hubSub) Records() <-chan Record {
	return s.ch
}

func (s *hubSub) Close() error {
	s.hub.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *hubSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers a record, dropping it if the channel is full or closed.
func (s *hubSub) send(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- rec:
	default:
	}
}

var _ Subscription = (*hubSub)(nil)
