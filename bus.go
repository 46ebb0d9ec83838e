package petalbus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalbus/channel"
)

// ErrNilCallback is returned when On or Once is called without a callback.
var ErrNilCallback = errors.New("petalbus: nil callback")

// Config configures a Bus.
type Config[T any] struct {
	// Channel is the delivery primitive (default: a new channel.MemChannel).
	Channel channel.Channel[T]

	// Observer receives lifecycle notices (optional).
	Observer Observer

	// Logger is used for debug and warning output (default: slog.Default()).
	Logger *slog.Logger

	// SeqStart seeds the emission sequence; the first emission gets SeqStart+1.
	SeqStart uint64
}

// Bus is a publish/subscribe facade over a channel.Channel. It guarantees
// that each (event, callback) pair maps to at most one channel subscription
// and that once registrations fire at most once.
//
// Bus is safe for concurrent use. Listeners run without any bus lock held
// and may call back into the bus.
type Bus[T any] struct {
	mu       sync.Mutex
	channel  channel.Channel[T]
	registry *Registry[T]

	observe Observer
	logger  *slog.Logger
	seq     atomic.Uint64
}

// New creates a bus with its own registry.
func New[T any](cfg Config[T]) *Bus[T] {
	ch := cfg.Channel
	if ch == nil {
		ch = channel.NewMemChannel[T]()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus[T]{
		channel:  ch,
		registry: NewRegistry(ch),
		observe:  cfg.Observer,
		logger:   logger,
	}
	b.registry.owner = b
	b.seq.Store(cfg.SeqStart)
	return b
}

// On registers cb under event. Registering the same callback twice under
// the same name returns the existing subscription and does not attach a
// second listener.
func (b *Bus[T]) On(event string, cb *Callback[T]) (*Subscription[T], error) {
	if cb == nil {
		return nil, ErrNilCallback
	}

	b.mu.Lock()
	sub, existed, err := b.registry.Register(event, cb)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if !existed {
		b.logger.Debug("listener attached", "event", event, "listener", cb.Name())
		b.notifyListener(NoticeListenerAttached, sub)
	}
	return sub, nil
}

// Once registers cb to run on the next emission of event only. The bus
// attaches a wrapper that unregisters itself before calling cb, so a nested
// emission of the same event from inside cb cannot reach it again.
// Calling Once again with a callback that is still pending returns the
// pending subscription. Off(event, cb) cancels a pending once registration.
func (b *Bus[T]) Once(event string, cb *Callback[T]) (*Subscription[T], error) {
	if cb == nil {
		return nil, ErrNilCallback
	}

	b.mu.Lock()
	if sub, ok := b.registry.OnceLookup(event, cb); ok {
		b.mu.Unlock()
		return sub, nil
	}

	wrapper := b.onceWrapper(event, cb)
	sub, _, err := b.registry.Register(event, wrapper)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.registry.LinkOnce(event, cb, wrapper, sub)
	b.mu.Unlock()

	b.logger.Debug("once listener attached", "event", event, "listener", cb.Name())
	b.notifyListener(NoticeListenerAttached, sub)
	return sub, nil
}

// onceWrapper builds the callback that is actually attached for Once.
func (b *Bus[T]) onceWrapper(event string, cb *Callback[T]) *Callback[T] {
	wrapper := &Callback[T]{
		id:     uuid.NewString(),
		name:   cb.name,
		origin: cb,
	}
	wrapper.fn = func(payload T) error {
		if !wrapper.fired.CompareAndSwap(false, true) {
			return nil
		}

		offErr := b.Off(event, wrapper)

		n := NewNotice(NoticeOnceFired, event)
		n.ListenerID = cb.ID()
		n.ListenerName = cb.Name()
		n.Once = true
		b.notify(n)

		err := cb.Invoke(payload)
		if offErr != nil {
			return errors.Join(offErr, err)
		}
		return err
	}
	return wrapper
}

// Off unregisters cb under event. cb may be a callback passed to On or the
// original callback passed to Once. Unknown pairs are ignored.
func (b *Bus[T]) Off(event string, cb *Callback[T]) error {
	if cb == nil {
		return nil
	}

	b.mu.Lock()
	removed, err := b.registry.UnregisterOne(event, cb)
	b.mu.Unlock()

	b.reportDetached(event, removed, err)
	return err
}

// remove unregisters exactly sub, if it is still registered.
func (b *Bus[T]) remove(sub *Subscription[T]) error {
	b.mu.Lock()
	removed, err := b.registry.UnregisterSubscription(sub)
	b.mu.Unlock()

	b.reportDetached(sub.event, removed, err)
	return err
}

// OffAll unregisters every callback under event, including pending once
// registrations.
func (b *Bus[T]) OffAll(event string) error {
	b.mu.Lock()
	removed, err := b.registry.UnregisterAll(event)
	b.mu.Unlock()

	b.reportDetached(event, removed, err)
	return err
}

// Clear unregisters every callback under every event name.
func (b *Bus[T]) Clear() error {
	b.mu.Lock()
	removed, err := b.registry.Clear()
	b.mu.Unlock()

	b.reportDetached("", removed, err)

	n := NewNotice(NoticeCleared, "")
	n.Err = err
	b.notify(n)
	return err
}

// Emit dispatches payload to the listeners of event through the channel.
// It does not consult the registry. Every emission advances the sequence;
// emission IDs and notices are only produced when an observer is set. An error returned by a listener stops
// the pass and is returned; emitting to no listeners is not an error.
func (b *Bus[T]) Emit(event string, payload T) (err error) {
	seq := b.seq.Add(1)
	if b.observe == nil {
		return b.channel.Dispatch(event, payload)
	}

	start := time.Now()
	emitID := uuid.NewString()

	n := NewNotice(NoticeEmitStarted, event)
	n.EmitID = emitID
	n.Seq = seq
	n.Time = start
	n.Payload = payload
	b.notify(n)

	defer func() {
		fin := NewNotice(NoticeEmitFinished, event)
		fin.EmitID = emitID
		fin.Seq = seq
		fin.Payload = payload
		fin.Elapsed = time.Since(start)
		fin.Err = err
		if r := recover(); r != nil {
			fin.Err = fmt.Errorf("petalbus: listener panic: %v", r)
			b.notify(fin)
			panic(r)
		}
		b.notify(fin)
	}()

	return b.channel.Dispatch(event, payload)
}

// Has reports whether cb is registered under event, directly or as a
// pending once callback.
func (b *Bus[T]) Has(event string, cb *Callback[T]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Has(event, cb)
}

// ListenerCount returns the number of registrations under event.
func (b *Bus[T]) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Count(event)
}

// Events returns the event names that currently have registrations.
func (b *Bus[T]) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Events()
}

// Stats returns per-event registration counts.
func (b *Bus[T]) Stats() []EventStat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registry.Snapshot()
}

// LastSeq returns the sequence number of the most recent emission.
func (b *Bus[T]) LastSeq() uint64 {
	return b.seq.Load()
}

func (b *Bus[T]) reportDetached(event string, removed []*Subscription[T], err error) {
	if err != nil {
		b.logger.Warn("listener removal failed", "event", event, "error", err)
	}
	for _, sub := range removed {
		b.logger.Debug("listener detached", "event", sub.event, "listener", sub.Callback().Name())
		b.notifyListener(NoticeListenerDetached, sub)
	}
}

func (b *Bus[T]) notifyListener(kind NoticeKind, sub *Subscription[T]) {
	if b.observe == nil {
		return
	}
	cb := sub.Callback()
	n := NewNotice(kind, sub.event)
	n.ListenerID = cb.ID()
	n.ListenerName = cb.Name()
	n.Once = sub.Once()
	b.notify(n)
}

func (b *Bus[T]) notify(n Notice) {
	if b.observe != nil {
		b.observe(n)
	}
}
