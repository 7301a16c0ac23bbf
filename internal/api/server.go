// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/newswatch/ingest/internal/load"
	"github.com/newswatch/ingest/internal/news"
	"github.com/newswatch/ingest/internal/ratelimit"
	"github.com/newswatch/ingest/internal/telemetry"
)

// Pipeline reports orchestrator progress.
type Pipeline interface {
	Counters() news.Counters
	PendingRetries() int
}

// LoadReporter exposes the load controller's rolling view.
type LoadReporter interface {
	Summarize() load.Report
}

// LimiterStatus snapshots per-source token buckets.
type LimiterStatus interface {
	Status() map[string]ratelimit.SourceStatus
}

// PendingReporter reports outcomes buffered but not yet committed.
type PendingReporter interface {
	Pending() int
}

// Enqueuer accepts newly discovered work items.
type Enqueuer interface {
	Enqueue(ctx context.Context, item news.Item) error
}

// Deps bundles the collaborators the server reports on.
type Deps struct {
	Pipeline  Pipeline
	Load      LoadReporter
	Limiter   LimiterStatus
	Persister PendingReporter
	Enqueuer  Enqueuer
	Events    EventsReader
	IDGen     news.IDGenerator
	Clock     news.Clock
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the pipeline and its collaborators.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/limits", s.limits)
		r.Get("/events", s.events)
		r.Post("/items", s.submitItem)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not started")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Counters       news.Counters                     `json:"counters"`
	PendingRetries int                               `json:"pending_retries"`
	PendingCommits int                               `json:"pending_commits"`
	Load           *load.Report                      `json:"load,omitempty"`
	Sources        map[string]ratelimit.SourceStatus `json:"sources,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not started")
		return
	}
	resp := statusResponse{
		Counters:       s.deps.Pipeline.Counters(),
		PendingRetries: s.deps.Pipeline.PendingRetries(),
	}
	if s.deps.Persister != nil {
		resp.PendingCommits = s.deps.Persister.Pending()
	}
	if s.deps.Load != nil {
		report := s.deps.Load.Summarize()
		resp.Load = &report
	}
	if s.deps.Limiter != nil {
		resp.Sources = s.deps.Limiter.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) limits(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Limiter == nil {
		writeError(w, http.StatusServiceUnavailable, "limiter not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Limiter.Status())
}

type submitItemRequest struct {
	Reference string `json:"reference"`
	Title     string `json:"title"`
}

func (s *Server) submitItem(w http.ResponseWriter, r *http.Request) {
	if s.deps.Enqueuer == nil {
		writeError(w, http.StatusServiceUnavailable, "intake not configured")
		return
	}
	var req submitItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference required")
		return
	}
	source := news.SourceOf(req.Reference)
	if source == "unknown" {
		writeError(w, http.StatusBadRequest, "reference is not a valid URL")
		return
	}
	id, err := s.deps.IDGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate item id")
		return
	}
	item := news.Item{
		ID:           id,
		Reference:    req.Reference,
		Source:       source,
		Title:        req.Title,
		DiscoveredAt: s.deps.Clock.Now(),
		State:        news.ItemPending,
	}
	if err := s.deps.Enqueuer.Enqueue(r.Context(), item); err != nil {
		s.logger.Error("enqueue item failed", zap.String("reference", req.Reference), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue item")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "source": source})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
