package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/orchestrator"
	"github.com/mattjoyce/conduit/internal/workflow"
)

// Runner starts and stops workflow runs.
type Runner interface {
	Execute(ctx context.Context, p orchestrator.ExecutePayload) (string, error)
	StopExecution(ctx context.Context, runID string) error
	Status() orchestrator.Status
}

// HistoryReader looks up durable run records.
type HistoryReader interface {
	GetByRunID(ctx context.Context, runID string) (*history.Record, error)
	List(ctx context.Context, f history.ListFilter) ([]*history.Record, error)
}

// WorkflowLister lists stored workflows.
type WorkflowLister interface {
	List(ctx context.Context) ([]*workflow.Workflow, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runner    Runner
	history   HistoryReader
	workflows WorkflowLister
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, runner Runner, history HistoryReader, workflows WorkflowLister, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		runner:    runner,
		history:   history,
		workflows: workflows,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// SSE responses stay open, so no WriteTimeout.
		IdleTimeout: 60 * time.Second,
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
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeWorkflowsRO)).Get("/openapi.json", s.handleOpenAPI)
		r.With(s.requireScopes(auth.ScopeWorkflowsRO)).Get("/workflows", s.handleListWorkflows)
		r.With(s.requireScopes(auth.ScopeRunsRW)).Post("/workflows/{id}/execute", s.handleExecute)
		r.With(s.requireScopes(auth.ScopeRunsRW)).Post("/runs/{runID}/stop", s.handleStop)
		r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/runs", s.handleActiveRuns)
		r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/runs/{runID}", s.handleGetRun)
		r.With(s.requireScopes(auth.ScopeRunsRO)).Get("/history", s.handleHistory)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
