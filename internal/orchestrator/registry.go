package orchestrator

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// RunEntry is the bookkeeping needed to finalize one in-flight run.
type RunEntry struct {
	RunID      string    `json:"run_id"`
	HistoryID  string    `json:"history_id"`
	WorkflowID string    `json:"workflow_id"`
	StartedAt  time.Time `json:"started_at"`

	worker *workerConn
}

// RunRegistry maps run ids to in-flight runs. Take is the single removal
// point, so a run is finalized at most once.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]RunEntry
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]RunEntry)}
}

// Add registers e. It reports false when the run id is already present.
func (r *RunRegistry) Add(e RunEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[e.RunID]; ok {
		return false
	}
	r.runs[e.RunID] = e
	return true
}

// Take removes and returns the entry for runID.
func (r *RunRegistry) Take(runID string) (RunEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	if ok {
		delete(r.runs, runID)
	}
	return e, ok
}

func (r *RunRegistry) Get(runID string) (RunEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	return e, ok
}

func (r *RunRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// List returns the in-flight runs ordered by start time.
func (r *RunRegistry) List() []RunEntry {
	r.mu.Lock()
	out := make([]RunEntry, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, e)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b RunEntry) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	return out
}

// runsOf returns the ids of runs dispatched to w.
func (r *RunRegistry) runsOf(w *workerConn) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.runs {
		if e.worker == w {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
