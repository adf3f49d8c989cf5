package scheduler

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/orchestrator"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/conduit/internal/scheduler Runner,RunHistory

// Runner starts workflows and reports what is in flight.
type Runner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, input json.RawMessage) (string, error)
	Status() orchestrator.Status
}

// RunHistory reads finished runs for the circuit breaker.
type RunHistory interface {
	List(ctx context.Context, f history.ListFilter) ([]*history.Record, error)
}
