package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalbus"
	"github.com/petal-labs/petalbus/journal"
	"github.com/petal-labs/petalbus/schedule"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListEvents returns listener counts for every event name with listeners.
func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Stats())
}

// emitResponse reports the emission. Listeners is the number of
// registrations under the event name when the request was accepted; once
// listeners that fire during the emission are counted, and a throttled
// emission may reach a different set when it is flushed.
type emitResponse struct {
	Event     string `json:"event"`
	Listeners int    `json:"listeners"`
}

// handleEmit emits the JSON object body as the payload for an event name.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	event := r.PathValue("event")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "READ_ERROR", err.Error())
		return
	}

	var payload petalbus.Payload
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD", "payload must be a JSON object", err.Error())
			return
		}
	}

	// Counted before emitting: once listeners unregister as they fire.
	listeners := s.bus.ListenerCount(event)
	if err := s.emit(event, payload); err != nil {
		s.logger.Warn("emit failed", "event", event, "error", err)
		writeError(w, http.StatusInternalServerError, "LISTENER_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, emitResponse{Event: event, Listeners: listeners})
}

// handleOffAll removes every listener for an event name.
func (s *Server) handleOffAll(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.OffAll(r.PathValue("event")); err != nil {
		writeError(w, http.StatusInternalServerError, "DETACH_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClear removes every listener for every event name.
func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.bus.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "DETACH_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory lists journaled emissions for an event name, or for all
// names on the /api/history route.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "JOURNAL_DISABLED", "no journal is configured")
		return
	}

	q := r.URL.Query()
	var afterSeq uint64
	if v := q.Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "after must be a non-negative integer")
			return
		}
		afterSeq = parsed
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	records, err := s.journal.List(r.Context(), r.PathValue("event"), afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type nextResponse struct {
	Event   string           `json:"event"`
	Payload petalbus.Payload `json:"payload"`
}

// handleNext long-polls for the next emission of an event name using a once
// registration. On timeout or disconnect the registration is cancelled.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	event := r.PathValue("event")

	timeout := s.longPollTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_PARAM", "timeout must be a positive duration")
			return
		}
		timeout = min(parsed, maxLongPollTimeout)
	}

	got := make(chan petalbus.Payload, 1)
	cb := petalbus.NamedCallback("http.next", func(p petalbus.Payload) error {
		got <- p
		return nil
	})
	if _, err := s.bus.Once(event, cb); err != nil {
		writeError(w, http.StatusInternalServerError, "ATTACH_ERROR", err.Error())
		return
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-got:
		writeJSON(w, http.StatusOK, nextResponse{Event: event, Payload: p})
		return
	case <-timer.C:
	case <-r.Context().Done():
	}

	if err := s.bus.Off(event, cb); err != nil {
		s.logger.Warn("cancel long-poll", "event", event, "error", err)
	}
	// The emission may have won the race with the timeout.
	select {
	case p := <-got:
		writeJSON(w, http.StatusOK, nextResponse{Event: event, Payload: p})
	default:
		if r.Context().Err() == nil {
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// handleStream serves the SSE stream for an event name, or for all names on
// the /api/stream route.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		writeError(w, http.StatusNotFound, "JOURNAL_DISABLED", "streaming requires a journal and hub")
		return
	}
	s.stream.ServeHTTP(w, r)
}

// handleListSchedules reports configured schedules.
func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, []schedule.Status{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// handleTriggerSchedule fires a schedule immediately.
func (s *Server) handleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.scheduler == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", name))
		return
	}
	if err := s.scheduler.Trigger(name); err != nil {
		if errors.Is(err, schedule.ErrUnknownEntry) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("schedule %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, "LISTENER_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
