package orchestrator

import (
	"context"
	"time"

	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/workflow"
)

//go:generate mockgen -destination=mocks/mock_stores.go -package=mocks github.com/mattjoyce/conduit/internal/orchestrator WorkflowStore,HistoryStore

// WorkflowStore is the workflow definition lookup used by Execute.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
	IncrementExecuteCount(ctx context.Context, id string) error
}

// HistoryStore persists one record per run.
type HistoryStore interface {
	Insert(ctx context.Context, runID, workflowID string, startedAt time.Time) (*history.Record, error)
	Finalize(ctx context.Context, id string, fin history.Finalization) (*history.Record, error)
	GetByRunID(ctx context.Context, runID string) (*history.Record, error)
	ListRunning(ctx context.Context) ([]*history.Record, error)
}
