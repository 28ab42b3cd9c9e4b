// Package api serves a read-only view of the supervisor over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/forkd/internal/daemon"
	"github.com/mattjoyce/forkd/internal/events"
	"github.com/mattjoyce/forkd/internal/log"
	"github.com/mattjoyce/forkd/internal/supervisor"
)

// SnapshotSource publishes supervisor state. It is called from HTTP handler
// goroutines and must be safe for concurrent use.
type SnapshotSource interface {
	Snapshot() *supervisor.Snapshot
}

// StateSource reports the daemon lifecycle state.
type StateSource interface {
	State() daemon.State
}

// Config holds API server configuration
type Config struct {
	Listen string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	source    SnapshotSource
	state     StateSource
	events    *events.Hub
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. state, hub, metrics and logger may
// be nil.
func New(config Config, source SnapshotSource, state StateSource, hub *events.Hub, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.WithComponent("api")
	}
	if hub == nil {
		hub = events.NewHub(1)
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{
		config:    config,
		source:    source,
		state:     state,
		events:    hub,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events/stream holds the connection open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/groups", s.handleGroups)
	r.Get("/children", s.handleChildren)
	r.Get("/events", s.handleEvents)
	r.Get("/events/stream", s.handleEventStream)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
