package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalbus"
	"github.com/petal-labs/petalbus/journal"
	"github.com/petal-labs/petalbus/schedule"
	"github.com/petal-labs/petalbus/sse"
)

const (
	defaultLongPollTimeout = 30 * time.Second
	maxLongPollTimeout     = 5 * time.Minute
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	// Bus is the bus the API operates on. Required.
	Bus *petalbus.Bus[petalbus.Payload]

	// Emit, when set, is used for POST emissions instead of Bus.Emit
	// (for example a ThrottledEmitter wrapping the bus).
	Emit petalbus.EmitFunc[petalbus.Payload]

	// Journal serves history; when nil the history and stream routes report 404.
	Journal journal.Store

	// Hub feeds live SSE streams. Required for streaming.
	Hub *journal.Hub

	// Scheduler, when set, is exposed under /api/schedules.
	Scheduler *schedule.Scheduler

	CORSOrigin      string
	MaxBody         int64
	LongPollTimeout time.Duration
	Logger          *slog.Logger
}

// Server is the petalbus HTTP API server.
type Server struct {
	bus       *petalbus.Bus[petalbus.Payload]
	emit      petalbus.EmitFunc[petalbus.Payload]
	journal   journal.Store
	hub       *journal.Hub
	scheduler *schedule.Scheduler
	stream    http.Handler

	corsOrigin      string
	maxBody         int64
	longPollTimeout time.Duration
	logger          *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	longPoll := cfg.LongPollTimeout
	if longPoll <= 0 {
		longPoll = defaultLongPollTimeout
	}
	emit := cfg.Emit
	if emit == nil && cfg.Bus != nil {
		emit = cfg.Bus.Emit
	}

	s := &Server{
		bus:             cfg.Bus,
		emit:            emit,
		journal:         cfg.Journal,
		hub:             cfg.Hub,
		scheduler:       cfg.Scheduler,
		corsOrigin:      corsOrigin,
		maxBody:         maxBody,
		longPollTimeout: longPoll,
		logger:          logger,
	}
	if cfg.Journal != nil && cfg.Hub != nil {
		s.stream = sse.NewHandler(cfg.Journal, cfg.Hub)
	}
	return s
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("DELETE /api/events", s.handleClear)
	mux.HandleFunc("POST /api/events/{event}", s.handleEmit)
	mux.HandleFunc("DELETE /api/events/{event}", s.handleOffAll)
	mux.HandleFunc("GET /api/events/{event}/history", s.handleHistory)
	mux.HandleFunc("GET /api/events/{event}/next", s.handleNext)
	mux.HandleFunc("GET /api/events/{event}/stream", s.handleStream)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/stream", s.handleStream)

	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules/{name}/trigger", s.handleTriggerSchedule)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
