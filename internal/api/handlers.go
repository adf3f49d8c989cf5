package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/orchestrator"
	"github.com/mattjoyce/conduit/internal/workflow"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.runner.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		WorkerRunning: st.WorkerRunning,
		ActiveRuns:    st.ActiveRuns,
	})
}

// handleListWorkflows handles GET /workflows.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.workflows.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list workflows", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	out := make([]WorkflowResponse, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, WorkflowResponse{
			ID:           wf.ID,
			Name:         wf.Name,
			Disabled:     wf.IsDisabled,
			Nodes:        len(wf.Definition.Nodes),
			ExecuteCount: wf.ExecuteCount,
			Fingerprint:  wf.Fingerprint,
			UpdatedAt:    wf.UpdatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleExecute handles POST /workflows/{id}/execute.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")

	var req ExecuteRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	runID, err := s.runner.Execute(r.Context(), orchestrator.ExecutePayload{
		WorkflowID: workflowID,
		Nodes:      req.Nodes,
		Edges:      req.Edges,
		Input:      req.Input,
	})
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	case errors.Is(err, orchestrator.ErrShutdown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to execute workflow", "workflow_id", workflowID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to execute workflow: "+err.Error())
		return
	case runID == "":
		respondJSON(w, http.StatusOK, ExecuteResponse{WorkflowID: workflowID, Status: "disabled"})
		return
	}

	respondJSON(w, http.StatusAccepted, ExecuteResponse{
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     string(history.StatusRunning),
	})
}

// handleStop handles POST /runs/{runID}/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.runner.StopExecution(r.Context(), runID); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("failed to stop run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop run")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleActiveRuns handles GET /runs: the runs currently in flight.
func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.runner.Status())
}

// handleGetRun handles GET /runs/{runID}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rec, err := s.history.GetByRunID(r.Context(), runID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("failed to get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	respondJSON(w, http.StatusOK, toRunResponse(rec))
}

// handleHistory handles GET /history?workflow_id=&status=&limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := history.ListFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     history.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	switch filter.Status {
	case "", history.StatusRunning, history.StatusFinish, history.StatusError, history.StatusStopped:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	recs, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	resp := HistoryResponse{Runs: make([]RunResponse, 0, len(recs))}
	for _, rec := range recs {
		resp.Runs = append(resp.Runs, toRunResponse(rec))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.workflows.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(wfs))
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
