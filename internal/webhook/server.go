package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server accepts signed deliveries and starts the bound workflows.
type Server struct {
	config   Config
	executor Executor
	logger   *slog.Logger
	server   *http.Server

	endpoints map[string]Endpoint
}

// New builds a Server. Endpoints without a size limit get
// DefaultMaxBodySize.
func New(cfg Config, executor Executor, logger *slog.Logger) *Server {
	endpoints := make(map[string]Endpoint, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.MaxBodySize <= 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		endpoints[ep.Path] = ep
	}
	return &Server{
		config:    cfg,
		executor:  executor,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("webhook listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", ln.Addr().String(), "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// Handler returns the routed handler with one POST route per endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleDelivery)
	}
	return r
}

// loggingMiddleware never logs bodies; they may carry secrets.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, ep.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > ep.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifySignature(body, r.Header.Get(ep.SignatureHeader), ep.Secret); err != nil {
		s.logger.Warn("webhook signature rejected", "path", ep.Path, "header", ep.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var input json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			s.respondError(w, http.StatusBadRequest, "body must be JSON")
			return
		}
		input = json.RawMessage(body)
	}

	runID, err := s.executor.ExecuteWorkflow(r.Context(), ep.WorkflowID, input)
	if err != nil {
		s.logger.Error("webhook run failed to start", "path", ep.Path, "workflow_id", ep.WorkflowID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}
	if runID == "" {
		s.respondJSON(w, http.StatusOK, TriggerResponse{WorkflowID: ep.WorkflowID, Status: "disabled"})
		return
	}

	s.logger.Info("webhook run started", "path", ep.Path, "workflow_id", ep.WorkflowID, "run_id", runID)
	s.respondJSON(w, http.StatusAccepted, TriggerResponse{RunID: runID, WorkflowID: ep.WorkflowID, Status: "running"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
