package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultListLimit = 100

// timeLayout is fixed width so started_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists Records in the workflow_history table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Insert creates a running record for runID and returns it.
func (s *Store) Insert(ctx context.Context, runID, workflowID string, startedAt time.Time) (*Record, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id is empty")
	}
	if startedAt.IsZero() {
		startedAt = s.now()
	}
	rec := &Record{
		ID:         uuid.NewString(),
		RunID:      runID,
		WorkflowID: workflowID,
		Status:     StatusRunning,
		StartedAt:  startedAt.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_history(id, run_id, workflow_id, status, started_at)
VALUES(?, ?, ?, ?, ?);
`, rec.ID, rec.RunID, rec.WorkflowID, rec.Status, rec.StartedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}
	return rec, nil
}

// Finalize moves a running record to a terminal status exactly once. The
// duration is measured from the stored start time. A record that is already
// terminal is left untouched and ErrAlreadyFinal is returned.
func (s *Store) Finalize(ctx context.Context, id string, fin Finalization) (*Record, error) {
	if !fin.Status.Terminal() {
		return nil, fmt.Errorf("invalid terminal status: %q", fin.Status)
	}
	if fin.EndedAt.IsZero() {
		fin.EndedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+"WHERE id = ?;", id))
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, ErrAlreadyFinal
	}

	ended := fin.EndedAt.UTC()
	duration := max(ended.Sub(rec.StartedAt), 0)
	var errMsg any
	if fin.Error != "" {
		errMsg = fin.Error
	}
	res, err := tx.ExecContext(ctx, `
UPDATE workflow_history
SET status = ?, ended_at = ?, duration_ms = ?, error = ?
WHERE id = ? AND status = ?;
`, fin.Status, ended.Format(timeLayout), duration.Milliseconds(), errMsg, id, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("finalize history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return rec, ErrAlreadyFinal
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	rec.Status = fin.Status
	rec.EndedAt = &ended
	d := time.Duration(duration.Milliseconds()) * time.Millisecond
	rec.Duration = &d
	if fin.Error != "" {
		rec.Error = &fin.Error
	}
	return rec, nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+"WHERE id = ?;", id))
}

// GetByRunID returns the record created for runID.
func (s *Store) GetByRunID(ctx context.Context, runID string) (*Record, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+"WHERE run_id = ?;", runID))
}

// ListRunning returns every record that has not reached a terminal status.
func (s *Store) ListRunning(ctx context.Context) ([]*Record, error) {
	return s.List(ctx, ListFilter{Status: StatusRunning, Limit: -1})
}

// List returns records newest first. A negative limit disables the cap.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Record, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := selectRecord
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY started_at DESC, rowid DESC"
	limit := f.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// Delete removes a record. Only user-initiated cleanup calls this.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflow_history WHERE id = ?;", id)
	if err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectRecord = `
SELECT id, run_id, workflow_id, status, started_at, ended_at, duration_ms, error
FROM workflow_history
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec        Record
		statusS    string
		startedAtS string
		endedAtS   sql.NullString
		durationMS sql.NullInt64
		errMsg     sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.RunID, &rec.WorkflowID, &statusS, &startedAtS, &endedAtS, &durationMS, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}

	rec.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		rec.StartedAt = t
	}
	if endedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, endedAtS.String); err == nil {
			rec.EndedAt = &t
		}
	}
	if durationMS.Valid {
		d := time.Duration(durationMS.Int64) * time.Millisecond
		rec.Duration = &d
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	return &rec, nil
}
