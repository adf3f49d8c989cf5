package graph

import (
	"encoding/json"

	"github.com/mattjoyce/conduit/internal/workflow"
)

// Message names exchanged between the orchestrator and the workflow worker.
const (
	// MsgExecute is a request from the host: start a run.
	MsgExecute = "workflow:execute"
	// MsgStop is an event from the host: stop a run at the next safe point.
	MsgStop = "workflow:stop"
	// MsgFinish and MsgError are terminal events from the worker.
	MsgFinish = "workflow:finish"
	MsgError  = "workflow:error"
	// MsgNodeFinish and MsgNodeError are per-node telemetry events.
	MsgNodeFinish = "node:execute-finish"
	MsgNodeError  = "node:execute-error"
	// MsgReady is emitted once the worker accepts MsgExecute.
	MsgReady = "workflow:ready"
)

// HostNames are the handlers the workflow worker registers.
var HostNames = []string{MsgExecute, MsgStop}

// WorkerNames are the events the orchestrator handles from the worker.
var WorkerNames = []string{MsgReady, MsgFinish, MsgError, MsgNodeFinish, MsgNodeError}

// ExecuteArgs starts one run of a workflow definition.
type ExecuteArgs struct {
	RunID      string              `json:"runId"`
	WorkflowID string              `json:"workflowId"`
	Definition workflow.Definition `json:"definition"`
	Input      json.RawMessage     `json:"input,omitempty"`
}

// ExecuteResult acknowledges a started run.
type ExecuteResult struct {
	RunID string `json:"runId"`
}

// StopArgs names the run to stop.
type StopArgs struct {
	RunID string `json:"runId"`
}

// FinishEvent ends a run that completed or was stopped.
type FinishEvent struct {
	RunID   string          `json:"runId"`
	Stopped bool            `json:"stopped,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// ErrorEvent ends a run that failed.
type ErrorEvent struct {
	RunID   string `json:"runId"`
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
}

// NodeEvent reports the outcome of one node.
type NodeEvent struct {
	RunID    string          `json:"runId"`
	NodeID   string          `json:"nodeId"`
	NodeType string          `json:"nodeType"`
	Output   json.RawMessage `json:"output,omitempty"`
	Message  string          `json:"message,omitempty"`
}
