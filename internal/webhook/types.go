package webhook

import (
	"context"
	"encoding/json"
)

// Executor starts a stored workflow and returns the new run id. An empty id
// with a nil error means the workflow is disabled.
type Executor interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, input json.RawMessage) (string, error)
}

// Config holds the resolved listener settings.
type Config struct {
	Listen    string
	Endpoints []Endpoint
}

// Endpoint binds one POST path to a workflow.
type Endpoint struct {
	Path            string
	WorkflowID      string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// TriggerResponse is returned for accepted deliveries.
type TriggerResponse struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// ErrorResponse is returned for rejected deliveries.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DefaultMaxBodySize applies when an endpoint sets no limit.
const DefaultMaxBodySize = 1 << 20
