// Package inspect renders a terminal-friendly report of one workflow run.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/workflow"
)

const siblingLimit = 5

// Report is the structured JSON representation of a run report.
type Report struct {
	HistoryID  string     `json:"history_id"`
	RunID      string     `json:"run_id"`
	WorkflowID string     `json:"workflow_id"`
	Workflow   string     `json:"workflow,omitempty"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
	Steps      []Step     `json:"steps"`
	Recent     []Sibling  `json:"recent,omitempty"`
}

// Step is one node of the run's workflow, in execution order.
type Step struct {
	Order    int             `json:"order"`
	NodeID   string          `json:"node_id"`
	Type     string          `json:"type"`
	Upstream []string        `json:"upstream,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Sibling is another run of the same workflow.
type Sibling struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// BuildReport renders a terminal-friendly report for a run. ref may be a
// history id or a run id.
func BuildReport(ctx context.Context, db *sql.DB, ref string) (string, error) {
	report, err := gatherReportData(ctx, db, ref)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "History ID  : %s\n", report.HistoryID)
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Workflow    : %s\n", renderWorkflow(report))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	if report.EndedAt != nil {
		fmt.Fprintf(&out, "Ended       : %s\n", report.EndedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(&out, "Ended       : <running>\n")
	}
	if report.DurationMS != nil {
		fmt.Fprintf(&out, "Duration    : %s\n", time.Duration(*report.DurationMS)*time.Millisecond)
	}
	if report.Error != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.Error)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Steps) == 0 {
		fmt.Fprintf(&out, "steps: <workflow definition unavailable>\n\n")
	}
	for _, step := range report.Steps {
		fmt.Fprintf(&out, "[%d] %s :: %s\n", step.Order, step.NodeID, step.Type)
		if len(step.Upstream) > 0 {
			fmt.Fprintf(&out, "    upstream : %s\n", strings.Join(step.Upstream, ", "))
		} else {
			fmt.Fprintf(&out, "    upstream : <entry>\n")
		}
		fmt.Fprintf(&out, "    data     :\n")
		for _, line := range strings.Split(strings.TrimSpace(prettyJSON(step.Data)), "\n") {
			fmt.Fprintf(&out, "      %s\n", line)
		}
		fmt.Fprintf(&out, "\n")
	}

	if len(report.Recent) > 0 {
		fmt.Fprintf(&out, "Recent runs of %s\n", report.WorkflowID)
		for _, s := range report.Recent {
			fmt.Fprintf(&out, "  %s  %-8s %s\n", s.StartedAt.Format(time.RFC3339), s.Status, s.RunID)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, db *sql.DB, ref string) (string, error) {
	report, err := gatherReportData(ctx, db, ref)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, ref string) (*Report, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("run id is required")
	}

	records := history.NewStore(db)
	rec, err := lookupRecord(ctx, records, ref)
	if err != nil {
		return nil, err
	}

	report := &Report{
		HistoryID:  rec.ID,
		RunID:      rec.RunID,
		WorkflowID: rec.WorkflowID,
		Status:     string(rec.Status),
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
		Steps:      make([]Step, 0),
	}
	if rec.Duration != nil {
		ms := rec.Duration.Milliseconds()
		report.DurationMS = &ms
	}
	if rec.Error != nil {
		report.Error = *rec.Error
	}

	wf, err := workflow.NewStore(db).GetWorkflow(ctx, rec.WorkflowID)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		// Deleted or never imported; the history record stands on its own.
	case err != nil:
		return nil, fmt.Errorf("load workflow %q: %w", rec.WorkflowID, err)
	default:
		report.Workflow = wf.Name
		order, err := wf.Definition.Order()
		if err != nil {
			return nil, fmt.Errorf("order workflow %q: %w", wf.ID, err)
		}
		report.Steps = make([]Step, 0, len(order))
		for i, node := range order {
			report.Steps = append(report.Steps, Step{
				Order:    i + 1,
				NodeID:   node.ID,
				Type:     node.Type,
				Upstream: wf.Definition.Upstream(node.ID),
				Data:     node.Data,
			})
		}
	}

	siblings, err := records.List(ctx, history.ListFilter{WorkflowID: rec.WorkflowID, Limit: siblingLimit + 1})
	if err != nil {
		return nil, fmt.Errorf("load recent runs: %w", err)
	}
	for _, s := range siblings {
		if s.ID == rec.ID || len(report.Recent) == siblingLimit {
			continue
		}
		report.Recent = append(report.Recent, Sibling{RunID: s.RunID, Status: string(s.Status), StartedAt: s.StartedAt})
	}

	return report, nil
}

func lookupRecord(ctx context.Context, records *history.Store, ref string) (*history.Record, error) {
	rec, err := records.Get(ctx, ref)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, history.ErrNotFound) {
		return nil, err
	}
	rec, err = records.GetByRunID(ctx, ref)
	if errors.Is(err, history.ErrNotFound) {
		return nil, fmt.Errorf("run %q not found", ref)
	}
	return rec, err
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderWorkflow(r *Report) string {
	if strings.TrimSpace(r.Workflow) == "" {
		return r.WorkflowID
	}
	return fmt.Sprintf("%s (%s)", r.Workflow, r.WorkflowID)
}
