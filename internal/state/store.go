package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

const DefaultMaxStateBytes = 1 << 20 // 1 MiB

// Store keeps one JSON object per extension. The storage.get and storage.set
// host calls read and write its top-level keys.
type Store struct {
	db            *sql.DB
	maxStateBytes int
	now           func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		maxStateBytes: DefaultMaxStateBytes,
		now:           time.Now,
	}
}

// Get returns the full state blob for an extension, or {} if missing.
func (s *Store) Get(ctx context.Context, extension string) (json.RawMessage, error) {
	if extension == "" {
		return nil, fmt.Errorf("extension name is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM extension_state WHERE extension = ?;", extension).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read extension state: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored extension state is invalid JSON for extension=%q", extension)
	}
	return json.RawMessage(raw), nil
}

// GetKey returns one top-level key. ok is false when the key is unset.
func (s *Store) GetKey(ctx context.Context, extension, key string) (value json.RawMessage, ok bool, err error) {
	raw, err := s.Get(ctx, extension)
	if err != nil {
		return nil, false, err
	}
	m, err := decodeObjectOrEmpty(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode stored state: %w", err)
	}
	value, ok = m[key]
	return value, ok, nil
}

// Set stores value under key. A nil or JSON null value removes the key.
func (s *Store) Set(ctx context.Context, extension, key string, value json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("state key is empty")
	}
	_, err := s.update(ctx, extension, func(cur map[string]json.RawMessage) {
		if len(value) == 0 || string(value) == "null" {
			delete(cur, key)
			return
		}
		cur[key] = value
	})
	return err
}

// ShallowMerge applies updates as a shallow merge (top-level keys replaced).
// The merged state is persisted and returned.
func (s *Store) ShallowMerge(ctx context.Context, extension string, updates json.RawMessage) (json.RawMessage, error) {
	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode state updates: %w", err)
	}
	return s.update(ctx, extension, func(cur map[string]json.RawMessage) {
		maps.Copy(cur, upd)
	})
}

func (s *Store) update(ctx context.Context, extension string, mutate func(map[string]json.RawMessage)) (json.RawMessage, error) {
	if extension == "" {
		return nil, fmt.Errorf("extension name is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT state FROM extension_state WHERE extension = ?;", extension).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read extension state: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored state: %w", err)
	}
	mutate(cur)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged state: %w", err)
	}
	if len(merged) > s.maxStateBytes {
		return nil, fmt.Errorf("extension state exceeds max size (%d bytes)", s.maxStateBytes)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO extension_state(extension, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(extension) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, extension, string(merged), now)
	if err != nil {
		return nil, fmt.Errorf("upsert extension state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
