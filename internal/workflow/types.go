package workflow

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("workflow not found")

// Node is one step of a workflow graph. Data is interpreted by the node kind.
type Node struct {
	ID   string          `json:"id" yaml:"id"`
	Type string          `json:"type" yaml:"type"`
	Data json.RawMessage `json:"data,omitempty" yaml:"-"`
}

// Edge connects the output of Source to Target.
type Edge struct {
	ID     string `json:"id,omitempty" yaml:"id"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Definition is the part of a workflow the graph interpreter executes.
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Workflow is a stored workflow definition plus bookkeeping.
type Workflow struct {
	ID           string
	Name         string
	Definition   Definition
	IsDisabled   bool
	ExecuteCount int
	Fingerprint  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
