package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/petal-labs/petalbus"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Store receives every record. Required.
	Store Store

	// Hub, when set, receives every record after it is stored.
	Hub *Hub

	// Timeout bounds each Append (default 5s).
	Timeout time.Duration

	// Logger receives append and encoding failures (default slog.Default()).
	Logger *slog.Logger
}

// Recorder journals emissions. Its Observe method is a petalbus.Observer
// that turns each emit.started notice into a Record.
type Recorder struct {
	store   Store
	hub     *Hub
	timeout time.Duration
	logger  *slog.Logger
}

// NewRecorder creates a new Recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		store:   cfg.Store,
		hub:     cfg.Hub,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Observe journals emit.started notices and ignores all others.
func (r *Recorder) Observe(n petalbus.Notice) {
	if n.Kind != petalbus.NoticeEmitStarted {
		return
	}

	rec := Record{
		Seq:     n.Seq,
		EmitID:  n.EmitID,
		Event:   n.Event,
		Time:    n.Time,
		TraceID: n.TraceID,
		SpanID:  n.SpanID,
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		r.logger.Warn("failed to encode payload",
			"event", n.Event,
			"seq", n.Seq,
			"error", err,
		)
		payload = []byte("null")
	}
	rec.Payload = payload

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Error("failed to journal emission",
			"event", rec.Event,
			"seq", rec.Seq,
			"error", err,
		)
		return
	}
	if r.hub != nil {
		r.hub.Publish(rec)
	}
}
