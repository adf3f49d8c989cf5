package history

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusFinish  Status = "finish"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// Terminal reports whether s is an absorbing status.
func (s Status) Terminal() bool {
	return s == StatusFinish || s == StatusError || s == StatusStopped
}

var (
	ErrNotFound = errors.New("history record not found")
	// ErrAlreadyFinal is returned when a terminal record is finalized again.
	ErrAlreadyFinal = errors.New("history record already final")
)

// Record is the durable trace of one workflow run.
type Record struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Duration   *time.Duration `json:"duration_ns,omitempty"`
	Error      *string        `json:"error,omitempty"`
}

// Finalization is the terminal update applied to a running record.
type Finalization struct {
	Status  Status
	EndedAt time.Time
	Error   string
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	WorkflowID string
	Status     Status
	Limit      int
}
