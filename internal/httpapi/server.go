// Package httpapi exposes the research service over HTTP: POST /chat
// starts a run and streams it over SSE, GET /events re-attaches to a
// running or recent thread with Last-Event-ID replay, and /ws/chat
// mirrors the event stream over a WebSocket.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/astra-studio/astra/internal/config"
	"github.com/astra-studio/astra/internal/db"
	"github.com/astra-studio/astra/internal/pipeline"
	"github.com/astra-studio/astra/internal/streaming"
	"github.com/astra-studio/astra/internal/threads"
)

const (
	// maxRunDuration bounds a detached run after its client disconnects.
	maxRunDuration = 10 * time.Minute
	maxBodyBytes   = 1 << 20
)

// Runner executes one research turn. *pipeline.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, p pipeline.RunParams) (pipeline.RunResult, error)
}

// Server handles the chat and event-stream endpoints.
type Server struct {
	runner  Runner
	store   threads.Store
	events  *streaming.Manager
	archive *db.Archive
	logger  *zap.Logger

	heartbeat time.Duration
	buffer    int
}

// NewServer constructs the HTTP API. archive may be nil when no run
// database is configured.
func NewServer(runner Runner, store threads.Store, events *streaming.Manager, archive *db.Archive, cfg config.StreamingConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Server{
		runner:    runner,
		store:     store,
		events:    events,
		archive:   archive,
		logger:    logger,
		heartbeat: heartbeat,
		buffer:    buffer,
	}
}

// RegisterRoutes registers the API endpoints on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws/chat", s.handleWebSocket)
}

// Wrap adds CORS headers and request logging around an API handler.
func (s *Server) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// statusRecorder captures the response status for logging while keeping
// the Flusher and Hijacker capabilities that SSE and WebSocket upgrades
// need.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// asPayload flattens a struct into the map form the event bus carries.
func asPayload(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
