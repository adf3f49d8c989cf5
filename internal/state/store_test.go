package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/conduit/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreGetMissingReturnsEmptyObject(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	raw, err := s.Get(context.Background(), "notes")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("expected {}, got %s", string(raw))
	}
}

func TestStoreShallowMergeReplacesTopLevelKeys(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	if _, err := s.ShallowMerge(context.Background(), "p", json.RawMessage(`{"a":1,"b":{"x":1}}`)); err != nil {
		t.Fatalf("ShallowMerge (1): %v", err)
	}
	merged, err := s.ShallowMerge(context.Background(), "p", json.RawMessage(`{"b":{"y":2}}`))
	if err != nil {
		t.Fatalf("ShallowMerge (2): %v", err)
	}
	// "b" is replaced, not deep-merged.
	if string(merged) != `{"a":1,"b":{"y":2}}` {
		t.Fatalf("unexpected merged state: %s", string(merged))
	}
}

func TestStoreSetAndGetKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openStore(t)

	if err := s.Set(ctx, "notes", "last", json.RawMessage(`"hello"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.GetKey(ctx, "notes", "last")
	if err != nil || !ok {
		t.Fatalf("GetKey: ok=%v err=%v", ok, err)
	}
	if string(got) != `"hello"` {
		t.Fatalf("unexpected value %s", got)
	}

	// Keys are isolated per extension.
	if _, ok, _ := s.GetKey(ctx, "other", "last"); ok {
		t.Fatal("key leaked across extensions")
	}

	if err := s.Set(ctx, "notes", "last", json.RawMessage(`null`)); err != nil {
		t.Fatalf("Set null: %v", err)
	}
	if _, ok, _ := s.GetKey(ctx, "notes", "last"); ok {
		t.Fatal("expected null to delete the key")
	}

	if err := s.Set(ctx, "notes", "", json.RawMessage(`1`)); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestStoreStateSizeLimit(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	big := strings.Repeat("a", DefaultMaxStateBytes+100_000)
	update := json.RawMessage(`{"blob":"` + big + `"}`)
	if _, err := s.ShallowMerge(context.Background(), "p", update); err == nil {
		t.Fatalf("expected size limit error, got nil")
	}
}
