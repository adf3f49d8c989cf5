package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/workflow"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

const clipWorkflow = `
id: clip-upper
name: Clipboard upper
nodes:
  - id: read
    type: clipboard-read
  - id: upper
    type: transform
    data: {op: upper}
  - id: write
    type: clipboard-write
edges:
  - {source: read, target: upper}
  - {source: upper, target: write}
`

func TestBuildReportRendersStepsAndSiblings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)

	wf, err := workflow.Parse([]byte(clipWorkflow))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := workflow.NewStore(db).Save(ctx, wf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	records := history.NewStore(db)
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	older, err := records.Insert(ctx, "run-old", "clip-upper", t0)
	if err != nil {
		t.Fatalf("Insert(old): %v", err)
	}
	if _, err := records.Finalize(ctx, older.ID, history.Finalization{Status: history.StatusFinish, EndedAt: t0.Add(time.Second)}); err != nil {
		t.Fatalf("Finalize(old): %v", err)
	}
	rec, err := records.Insert(ctx, "run-new", "clip-upper", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Insert(new): %v", err)
	}
	if _, err := records.Finalize(ctx, rec.ID, history.Finalization{
		Status:  history.StatusError,
		EndedAt: t0.Add(time.Minute + 250*time.Millisecond),
		Error:   "clipboard empty",
	}); err != nil {
		t.Fatalf("Finalize(new): %v", err)
	}

	out, err := BuildReport(ctx, db, "run-new")
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	for _, want := range []string{
		"Run ID      : run-new",
		"Workflow    : Clipboard upper (clip-upper)",
		"Status      : error",
		"Duration    : 250ms",
		"Error       : clipboard empty",
		"[1] read :: clipboard-read",
		"    upstream : <entry>",
		"[2] upper :: transform",
		"    upstream : read",
		`"op": "upper"`,
		"[3] write :: clipboard-write",
		"Recent runs of clip-upper",
		"run-old",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	byHistoryID, err := BuildReport(ctx, db, rec.ID)
	if err != nil {
		t.Fatalf("BuildReport(history id): %v", err)
	}
	if byHistoryID != out {
		t.Errorf("history id and run id should render the same report")
	}
}

func TestBuildJSONReportWithoutWorkflow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)
	if _, err := history.NewStore(db).Insert(ctx, "run-1", "gone", time.Now()); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	out, err := BuildJSONReport(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}
	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if report.Status != "running" || report.WorkflowID != "gone" {
		t.Errorf("report = %+v", report)
	}
	if len(report.Steps) != 0 || report.EndedAt != nil || report.DurationMS != nil {
		t.Errorf("running run without workflow should have no steps or end: %+v", report)
	}
}

func TestBuildReportErrors(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	if _, err := BuildReport(context.Background(), db, " "); err == nil {
		t.Error("expected error for empty ref")
	}
	if _, err := BuildReport(context.Background(), db, "missing"); err == nil || !strings.Contains(err.Error(), `run "missing" not found`) {
		t.Errorf("BuildReport(missing) err = %v", err)
	}
}
