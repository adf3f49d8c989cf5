package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/workflow"
)

// ExecuteRequest is the JSON body for POST /workflows/{id}/execute.
// Nodes and Edges, when present, replace the stored graph for this run.
type ExecuteRequest struct {
	Nodes []workflow.Node `json:"nodes,omitempty"`
	Edges []workflow.Edge `json:"edges,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ExecuteResponse is returned once a run has been dispatched.
type ExecuteResponse struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// RunResponse describes one run's history record.
type RunResponse struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	WorkflowID string     `json:"workflow_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// HistoryResponse is returned by GET /history.
type HistoryResponse struct {
	Runs []RunResponse `json:"runs"`
}

// WorkflowResponse summarizes a stored workflow.
type WorkflowResponse struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Disabled     bool      `json:"disabled"`
	Nodes        int       `json:"nodes"`
	ExecuteCount int       `json:"execute_count"`
	Fingerprint  string    `json:"fingerprint"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkerRunning bool   `json:"worker_running"`
	ActiveRuns    int    `json:"active_runs"`
}

func toRunResponse(rec *history.Record) RunResponse {
	resp := RunResponse{
		ID:         rec.ID,
		RunID:      rec.RunID,
		WorkflowID: rec.WorkflowID,
		Status:     string(rec.Status),
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		Error:      rec.Error,
	}
	if rec.Duration != nil {
		ms := rec.Duration.Milliseconds()
		resp.DurationMS = &ms
	}
	return resp
}
