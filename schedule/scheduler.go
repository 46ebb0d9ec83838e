// Package schedule emits configured events on cron schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/petalbus"
)

// ErrUnknownEntry is returned by Trigger for a name that is not scheduled.
var ErrUnknownEntry = errors.New("schedule: unknown entry")

// Entry is one scheduled emission.
type Entry struct {
	// Name identifies the entry (default: the event name).
	Name string `json:"name"`

	// Event is the event name to emit.
	Event string `json:"event"`

	// Cron is the UTC cron expression.
	Cron string `json:"cron"`

	// Payload is emitted on every activation. Each activation gets its own copy.
	Payload petalbus.Payload `json:"payload,omitempty"`
}

// Status describes a scheduled entry and its run history.
type Status struct {
	Entry
	Next      time.Time  `json:"next"`
	Prev      *time.Time `json:"prev,omitempty"`
	Runs      uint64     `json:"runs"`
	LastError string     `json:"last_error,omitempty"`
}

// Config configures a Scheduler.
type Config struct {
	// Emit delivers activations, usually Bus.Emit or a throttled emitter.
	Emit petalbus.EmitFunc[petalbus.Payload]

	// Entries are the scheduled emissions.
	Entries []Entry

	// Logger receives emission failures (default slog.Default()).
	Logger *slog.Logger
}

type scheduled struct {
	entry Entry
	id    cron.EntryID

	mu      sync.Mutex
	runs    uint64
	lastErr error
}

// Scheduler emits events on cron schedules evaluated in UTC.
type Scheduler struct {
	cron    *cron.Cron
	emit    petalbus.EmitFunc[petalbus.Payload]
	logger  *slog.Logger
	entries []*scheduled
	byName  map[string]*scheduled

	mu      sync.Mutex
	running bool
}

// New validates every entry and builds a stopped Scheduler. All invalid
// entries are reported together.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Emit == nil {
		return nil, errors.New("schedule: emit func is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{
		cron:   cron.New(cron.WithParser(standardCronParser), cron.WithLocation(time.UTC)),
		emit:   cfg.Emit,
		logger: cfg.Logger,
		byName: make(map[string]*scheduled, len(cfg.Entries)),
	}

	var errs []error
	for i, e := range cfg.Entries {
		if e.Name == "" {
			e.Name = e.Event
		}
		if e.Event == "" {
			errs = append(errs, fmt.Errorf("schedule: entry %d: event is required", i))
			continue
		}
		if _, dup := s.byName[e.Name]; dup {
			errs = append(errs, fmt.Errorf("schedule: entry %q: duplicate name", e.Name))
			continue
		}
		sched, err := ParseUTC(e.Cron)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule: entry %q: %w", e.Name, err))
			continue
		}

		sc := &scheduled{entry: e}
		sc.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(sc) }))
		s.entries = append(s.entries, sc)
		s.byName[e.Name] = sc
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// Start begins running schedules in the background. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
}

// Stop stops scheduling and waits for running emissions to finish or for
// ctx to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger emits the named entry immediately, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	sc, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	return s.fire(sc)
}

// Status reports every entry in configuration order.
func (s *Scheduler) Status() []Status {
	out := make([]Status, 0, len(s.entries))
	for _, sc := range s.entries {
		ce := s.cron.Entry(sc.id)

		st := Status{Entry: sc.entry}
		if ce.Valid() {
			st.Next = ce.Next
			if st.Next.IsZero() {
				// Next is only filled in once the cron runner has started.
				st.Next = ce.Schedule.Next(time.Now().UTC())
			}
		}
		if !ce.Prev.IsZero() {
			prev := ce.Prev
			st.Prev = &prev
		}

		sc.mu.Lock()
		st.Runs = sc.runs
		if sc.lastErr != nil {
			st.LastError = sc.lastErr.Error()
		}
		sc.mu.Unlock()

		out = append(out, st)
	}
	return out
}

func (s *Scheduler) fire(sc *scheduled) error {
	err := s.emit(sc.entry.Event, sc.entry.Payload.Clone())

	sc.mu.Lock()
	sc.runs++
	sc.lastErr = err
	sc.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled emission failed",
			"schedule", sc.entry.Name,
			"event", sc.entry.Event,
			"error", err,
		)
	} else {
		s.logger.Debug("scheduled emission", "schedule", sc.entry.Name, "event", sc.entry.Event)
	}
	return err
}
