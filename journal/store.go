// Package journal records bus emissions so they can be listed, replayed and
// streamed after the fact. Subscriptions themselves are never persisted;
// only what was emitted.
package journal

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one journaled emission.
type Record struct {
	// Seq is the bus-wide emission sequence number.
	Seq uint64 `json:"seq"`

	// EmitID uniquely identifies the emission.
	EmitID string `json:"emit_id"`

	// Event is the event name the payload was emitted under.
	Event string `json:"event"`

	// Time is when the emission started.
	Time time.Time `json:"time"`

	// Payload is the JSON-encoded payload.
	Payload json.RawMessage `json:"payload"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"trace_id,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"span_id,omitempty"`
}

// Store persists records for replay.
type Store interface {
	// Append stores a record.
	Append(ctx context.Context, rec Record) error

	// List returns records for an event name in Seq order.
	// event: "" lists every event name
	// afterSeq: return records with Seq > afterSeq (0 means all)
	// limit: max records to return (0 means no limit)
	List(ctx context.Context, event string, afterSeq uint64, limit int) ([]Record, error)

	// LatestSeq returns the highest Seq for an event name, or for the whole
	// journal when event is "" (0 if there are no records).
	LatestSeq(ctx context.Context, event string) (uint64, error)

	// Events returns the distinct event names in the journal, sorted.
	Events(ctx context.Context) ([]string, error)
}
