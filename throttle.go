package petalbus

import (
	"log/slog"
	"sync"
	"time"
)

// EmitFunc emits a payload under an event name. (*Bus[T]).Emit satisfies it.
type EmitFunc[T any] func(event string, payload T) error

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced emissions.
	// Default: 100ms
	CoalesceInterval time.Duration

	// Events lists the event names to coalesce. Other names pass through.
	Events []string

	// Logger receives flush errors (default: slog.Default()).
	Logger *slog.Logger
}

// ThrottledEmitter wraps an EmitFunc and coalesces high-frequency
// emissions of selected event names: only the latest payload per name is
// kept within each interval, and a background ticker flushes them.
type ThrottledEmitter[T any] struct {
	emit     EmitFunc[T]
	interval time.Duration
	events   map[string]struct{}
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]T // event -> latest payload
	order   []string     // first-seen order of pending events
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a ThrottledEmitter and starts its ticker.
func NewThrottledEmitter[T any](emit EmitFunc[T], cfg ThrottleConfig) *ThrottledEmitter[T] {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	events := make(map[string]struct{}, len(cfg.Events))
	for _, name := range cfg.Events {
		events[name] = struct{}{}
	}

	te := &ThrottledEmitter[T]{
		emit:     emit,
		interval: interval,
		events:   events,
		logger:   logger,
		pending:  make(map[string]T),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit forwards non-coalesced events immediately and returns the wrapped
// emitter's error. Coalesced events are buffered and Emit returns nil;
// errors from their later flush are logged. Emissions after Close are dropped.
func (te *ThrottledEmitter[T]) Emit(event string, payload T) error {
	if _, ok := te.events[event]; !ok {
		return te.emit(event, payload)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return nil
	}

	if _, ok := te.pending[event]; !ok {
		te.order = append(te.order, event)
	}
	te.pending[event] = payload
	return nil
}

// Close flushes any pending emissions and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter[T]) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter[T]) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

// flush emits pending payloads in first-seen order without holding the lock.
func (te *ThrottledEmitter[T]) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	toFlush := te.pending
	order := te.order
	te.pending = make(map[string]T)
	te.order = nil
	te.mu.Unlock()

	for _, event := range order {
		if err := te.emit(event, toFlush[event]); err != nil {
			te.logger.Warn("throttled emit failed", "event", event, "error", err)
		}
	}
}
