package petalbus

import (
	"errors"
	"sort"

	"github.com/petal-labs/petalbus/channel"
)

// Subscription is a live registration of a callback under an event name.
// It owns the channel handle the registration was attached with.
type Subscription[T any] struct {
	bus      *Bus[T]
	event    string
	callback *Callback[T] // registry key; the wrapper for once registrations
	handle   channel.Handle
	order    uint64
}

// Event returns the event name the subscription is registered under.
func (s *Subscription[T]) Event() string {
	return s.event
}

// Callback returns the caller's callback. For once registrations this is
// the original callback, not the wrapper the bus attached.
func (s *Subscription[T]) Callback() *Callback[T] {
	if s.callback.isOnceWrapper() {
		return s.callback.origin
	}
	return s.callback
}

// Once reports whether the subscription is a once registration.
func (s *Subscription[T]) Once() bool {
	return s.callback.isOnceWrapper()
}

// Remove unregisters this subscription through its bus. Removing a
// subscription that is already gone is a no-op, even when the same callback
// has since been registered again under the same name.
func (s *Subscription[T]) Remove() error {
	if s.bus == nil {
		return errDetachedSubscription
	}
	return s.bus.remove(s)
}

var errDetachedSubscription = errors.New("petalbus: subscription has no owning bus")

// onceLink ties a caller's once callback to the wrapper that was attached.
type onceLink[T any] struct {
	wrapper *Callback[T]
	sub     *Subscription[T]
}

// EventStat summarises the registrations under one event name.
type EventStat struct {
	Event     string `json:"event"`
	Listeners int    `json:"listeners"`
	Once      int    `json:"once"`
}

// Registry is the subscription bookkeeping behind a Bus. It maps
// (event, callback) pairs to exactly one channel subscription and keeps a
// secondary index from a caller's once callback to the wrapper that was
// attached on its behalf.
//
// Registry is not safe for concurrent use; Bus serialises access to it.
type Registry[T any] struct {
	channel channel.Channel[T]
	owner   *Bus[T]

	subscriptions map[string]map[*Callback[T]]*Subscription[T]
	onceLinks     map[string]map[*Callback[T]]onceLink[T]
	nextOrder     uint64
}

// NewRegistry creates an empty registry that attaches through ch.
func NewRegistry[T any](ch channel.Channel[T]) *Registry[T] {
	return &Registry[T]{
		channel:       ch,
		subscriptions: make(map[string]map[*Callback[T]]*Subscription[T]),
		onceLinks:     make(map[string]map[*Callback[T]]onceLink[T]),
	}
}

// Register returns the subscription for (event, cb), attaching cb to the
// channel only if the pair is not registered yet. The boolean reports
// whether the subscription already existed.
func (r *Registry[T]) Register(event string, cb *Callback[T]) (*Subscription[T], bool, error) {
	if sub, ok := r.subscriptions[event][cb]; ok {
		return sub, true, nil
	}

	handle, err := r.channel.Attach(event, cb.Invoke)
	if err != nil {
		return nil, false, err
	}

	r.nextOrder++
	sub := &Subscription[T]{
		bus:      r.owner,
		event:    event,
		callback: cb,
		handle:   handle,
		order:    r.nextOrder,
	}

	inner, ok := r.subscriptions[event]
	if !ok {
		inner = make(map[*Callback[T]]*Subscription[T])
		r.subscriptions[event] = inner
	}
	inner[cb] = sub
	return sub, false, nil
}

// LinkOnce records that wrapper was registered for original under event.
// The wrapper must already be registered.
func (r *Registry[T]) LinkOnce(event string, original, wrapper *Callback[T], sub *Subscription[T]) {
	inner, ok := r.onceLinks[event]
	if !ok {
		inner = make(map[*Callback[T]]onceLink[T])
		r.onceLinks[event] = inner
	}
	inner[original] = onceLink[T]{wrapper: wrapper, sub: sub}
}

// Lookup returns the direct subscription for (event, cb).
func (r *Registry[T]) Lookup(event string, cb *Callback[T]) (*Subscription[T], bool) {
	sub, ok := r.subscriptions[event][cb]
	return sub, ok
}

// OnceLookup returns the pending once subscription for an original callback.
func (r *Registry[T]) OnceLookup(event string, original *Callback[T]) (*Subscription[T], bool) {
	link, ok := r.onceLinks[event][original]
	if !ok {
		return nil, false
	}
	return link.sub, true
}

// UnregisterOne removes the registration of cb under event. cb may be a
// directly registered callback, the original callback of a pending once
// registration, or a once wrapper. Both indices are updated together.
// It returns the subscriptions whose handles were removed.
func (r *Registry[T]) UnregisterOne(event string, cb *Callback[T]) ([]*Subscription[T], error) {
	var (
		removed []*Subscription[T]
		errs    []error
	)
	detach := func(sub *Subscription[T]) {
		removed = append(removed, sub)
		if err := r.detach(sub); err != nil {
			errs = append(errs, err)
		}
	}

	if sub, ok := r.take(event, cb); ok {
		detach(sub)
	}

	if link, ok := r.onceLinks[event][cb]; ok {
		r.unlink(event, cb)
		if sub, ok := r.take(event, link.wrapper); ok {
			detach(sub)
		}
	}

	if cb.isOnceWrapper() {
		if link, ok := r.onceLinks[event][cb.origin]; ok && link.wrapper == cb {
			r.unlink(event, cb.origin)
		}
	}

	return removed, joinErrors(errs)
}

// UnregisterSubscription removes sub only while it is still the live
// registration for its (event, callback) pair. Unlike UnregisterOne it
// leaves any other registration of the same callback in place.
func (r *Registry[T]) UnregisterSubscription(sub *Subscription[T]) ([]*Subscription[T], error) {
	if cur, ok := r.subscriptions[sub.event][sub.callback]; !ok || cur != sub {
		return nil, nil
	}
	r.take(sub.event, sub.callback)

	if cb := sub.callback; cb.isOnceWrapper() {
		if link, ok := r.onceLinks[sub.event][cb.origin]; ok && link.sub == sub {
			r.unlink(sub.event, cb.origin)
		}
	}

	if err := r.detach(sub); err != nil {
		return []*Subscription[T]{sub}, err
	}
	return []*Subscription[T]{sub}, nil
}

// UnregisterAll removes every registration under event, direct and once,
// in registration order. When the channel supports bulk removal it is also
// asked to drop any listener left under the name.
func (r *Registry[T]) UnregisterAll(event string) ([]*Subscription[T], error) {
	inner, ok := r.subscriptions[event]
	if !ok {
		delete(r.onceLinks, event)
		return nil, nil
	}
	delete(r.subscriptions, event)
	delete(r.onceLinks, event)

	subs := make([]*Subscription[T], 0, len(inner))
	for _, sub := range inner {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].order < subs[j].order })

	var errs []error
	for _, sub := range subs {
		if err := r.detach(sub); err != nil {
			errs = append(errs, err)
		}
	}

	if br, ok := r.channel.(channel.BulkRemover); ok {
		if err := br.RemoveAll(event); err != nil {
			errs = append(errs, err)
		}
	}

	return subs, joinErrors(errs)
}

// Clear applies UnregisterAll to every event name present.
func (r *Registry[T]) Clear() ([]*Subscription[T], error) {
	var (
		removed []*Subscription[T]
		errs    []error
	)
	for _, event := range r.Events() {
		subs, err := r.UnregisterAll(event)
		removed = append(removed, subs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, joinErrors(errs)
}

// Has reports whether cb is registered under event, directly or as the
// original callback of a pending once registration.
func (r *Registry[T]) Has(event string, cb *Callback[T]) bool {
	if _, ok := r.subscriptions[event][cb]; ok {
		return true
	}
	_, ok := r.onceLinks[event][cb]
	return ok
}

// Count returns the number of channel subscriptions under event.
func (r *Registry[T]) Count(event string) int {
	return len(r.subscriptions[event])
}

// Len returns the number of event names with at least one registration.
func (r *Registry[T]) Len() int {
	return len(r.subscriptions)
}

// Events returns the registered event names in sorted order.
func (r *Registry[T]) Events() []string {
	names := make([]string, 0, len(r.subscriptions))
	for name := range r.subscriptions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns per-event registration counts in event name order.
func (r *Registry[T]) Snapshot() []EventStat {
	stats := make([]EventStat, 0, len(r.subscriptions))
	for _, name := range r.Events() {
		stats = append(stats, EventStat{
			Event:     name,
			Listeners: len(r.subscriptions[name]),
			Once:      len(r.onceLinks[name]),
		})
	}
	return stats
}

// take deletes and returns the subscription for (event, cb), purging the
// event key when it empties.
func (r *Registry[T]) take(event string, cb *Callback[T]) (*Subscription[T], bool) {
	inner, ok := r.subscriptions[event]
	if !ok {
		return nil, false
	}
	sub, ok := inner[cb]
	if !ok {
		return nil, false
	}
	delete(inner, cb)
	if len(inner) == 0 {
		delete(r.subscriptions, event)
	}
	return sub, true
}

func (r *Registry[T]) unlink(event string, original *Callback[T]) {
	inner, ok := r.onceLinks[event]
	if !ok {
		return
	}
	delete(inner, original)
	if len(inner) == 0 {
		delete(r.onceLinks, event)
	}
}

// detach removes the channel handle of a subscription that has already been
// dropped from the indices. A once wrapper is disarmed first so that a
// dispatch pass already holding it cannot fire it.
func (r *Registry[T]) detach(sub *Subscription[T]) error {
	if sub.callback.isOnceWrapper() {
		sub.callback.fired.Store(true)
	}
	return sub.handle.Remove()
}

func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}
