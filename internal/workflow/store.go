package workflow

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Store persists workflow definitions in the workflows table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Fingerprint is the BLAKE3 hash of the canonical definition JSON.
func Fingerprint(def Definition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("marshal definition: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Save inserts or replaces a workflow. The execute count and creation time of
// an existing row are preserved.
func (s *Store) Save(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow id is empty")
	}
	if wf.Definition.Nodes == nil {
		wf.Definition.Nodes = []Node{}
	}
	if wf.Definition.Edges == nil {
		wf.Definition.Edges = []Edge{}
	}
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	fp, err := Fingerprint(wf.Definition)
	if err != nil {
		return err
	}
	name := wf.Name
	if name == "" {
		name = wf.ID
	}

	now := s.now().UTC()
	nowS := now.Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflows(id, name, definition, is_disabled, execute_count, fingerprint, created_at, updated_at)
VALUES(?, ?, ?, ?, 0, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name = excluded.name,
  definition = excluded.definition,
  is_disabled = excluded.is_disabled,
  fingerprint = excluded.fingerprint,
  updated_at = excluded.updated_at;
`, wf.ID, name, string(def), wf.IsDisabled, fp, nowS, nowS)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	wf.Name = name
	wf.Fingerprint = fp
	wf.UpdatedAt = now
	return nil
}

// GetWorkflow returns the workflow with id, or ErrNotFound.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, definition, is_disabled, execute_count, fingerprint, created_at, updated_at
FROM workflows
WHERE id = ?;
`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return wf, err
}

// List returns all workflows ordered by name.
func (s *Store) List(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, definition, is_disabled, execute_count, fingerprint, created_at, updated_at
FROM workflows
ORDER BY name ASC, id ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}

// IncrementExecuteCount bumps the execution counter of a workflow.
func (s *Store) IncrementExecuteCount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE workflows SET execute_count = execute_count + 1 WHERE id = ?;
`, id)
	if err != nil {
		return fmt.Errorf("increment execute count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetDisabled toggles whether a workflow may be executed.
func (s *Store) SetDisabled(ctx context.Context, id string, disabled bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE workflows SET is_disabled = ?, updated_at = ? WHERE id = ?;
`, disabled, s.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*Workflow, error) {
	var (
		wf         Workflow
		def        string
		createdAtS string
		updatedAtS string
	)
	if err := row.Scan(&wf.ID, &wf.Name, &def, &wf.IsDisabled, &wf.ExecuteCount, &wf.Fingerprint, &createdAtS, &updatedAtS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("decode definition of %s: %w", wf.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		wf.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		wf.UpdatedAt = t
	}
	return &wf, nil
}
