// Package sse streams journaled emissions to HTTP clients as Server-Sent
// Events. A stream replays what the journal already holds and then follows
// live records from the hub.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/petal-labs/petalbus/journal"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// Handler serves an SSE stream of emissions for one event name, or for every
// event name when the "event" path value is absent. Stored records are
// replayed first, then live records are streamed. Live records already
// sent during replay are skipped; live records are otherwise sent in the
// order the hub delivers them, which need not be Seq order.
//
// Query parameters:
//
//	after  last-seen Seq; only later records are sent
//	limit  close the stream after this many records
//
// SSE format:
//
//	id: {seq}
//	event: {event name}
//	data: {record json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval.
type Handler struct {
	store journal.Store
	hub   *journal.Hub

	heartbeat time.Duration
}

// NewHandler creates a new Handler over a journal store and hub.
func NewHandler(store journal.Store, hub *journal.Hub) *Handler {
	return &Handler{
		store:     store,
		hub:       hub,
		heartbeat: HeartbeatInterval,
	}
}

// WithHeartbeat returns a copy of h that sends heartbeats at the given interval.
func (h *Handler) WithHeartbeat(d time.Duration) *Handler {
	c := *h
	c.heartbeat = d
	return &c
}

// cursor tracks what a stream has sent. Live records can reach the hub out
// of Seq order, so replayed records are remembered individually rather
// than through a running maximum.
type cursor struct {
	after     uint64              // client's last-seen Seq; older records are skipped
	replayed  map[uint64]struct{} // Seqs sent during replay
	remaining int                 // 0 means unbounded
}

// skip reports whether a live record was already sent or predates after.
func (c *cursor) skip(seq uint64) bool {
	if seq <= c.after {
		return true
	}
	if _, ok := c.replayed[seq]; ok {
		delete(c.replayed, seq)
		return true
	}
	return false
}

// done records one sent record and reports whether the stream is complete.
func (c *cursor) done() bool {
	if c.remaining == 0 {
		return false
	}
	c.remaining--
	return c.remaining == 0
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	event := r.PathValue("event")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var cur cursor
	q := r.URL.Query()
	if s := q.Get("after"); s != "" {
		parsed, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		cur.after = parsed
	}
	if s := q.Get("limit"); s != "" {
		parsed, err := strconv.Atoi(s)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit parameter", http.StatusBadRequest)
			return
		}
		cur.remaining = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing published in between is missed.
	var sub journal.Subscription
	if event == "" {
		sub = h.hub.SubscribeAll()
	} else {
		sub = h.hub.Subscribe(event)
	}
	defer sub.Close()

	finished, err := h.replayStored(ctx, w, flusher, event, &cur)
	if err != nil || finished {
		return
	}

	h.streamLive(ctx, w, flusher, sub, &cur)
}

func (h *Handler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	event string,
	cur *cursor,
) (finished bool, err error) {
	records, err := h.store.List(ctx, event, cur.after, cur.remaining)
	if err != nil {
		return false, err
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeRecord(w, rec); err != nil {
			return false, err
		}
		flusher.Flush()

		if cur.replayed == nil {
			cur.replayed = make(map[uint64]struct{}, len(records))
		}
		cur.replayed[rec.Seq] = struct{}{}
		if cur.done() {
			return true, nil
		}
	}
	return false, nil
}

func (h *Handler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub journal.Subscription,
	cur *cursor,
) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case rec, ok := <-sub.Records():
			if !ok {
				return
			}
			if cur.skip(rec.Seq) {
				continue
			}
			if err := writeRecord(w, rec); err != nil {
				return
			}
			flusher.Flush()

			if cur.done() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Event names are arbitrary strings; a line break would end the SSE field.
var lineSafe = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func writeRecord(w http.ResponseWriter, rec journal.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", rec.Seq, lineSafe.Replace(rec.Event), data)
	return err
}
