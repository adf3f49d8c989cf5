package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckFilesystem(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "conduit.db")

	cases := []struct {
		name    string
		fsType  string
		err     error
		wantErr string
	}{
		{name: "local", fsType: "apfs"},
		{name: "linux magic", fsType: "0xef53"},
		{name: "network", fsType: "SMBFS", wantErr: "SQLite requires a local filesystem"},
		{name: "unsupported platform", err: errDetectUnsupported},
		{name: "detector failure", err: errors.New("boom"), wantErr: "boom"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var inspected string
			err := checkFilesystem(dbPath, func(path string) (string, error) {
				inspected = path
				return tc.fsType, tc.err
			})
			if inspected != root {
				t.Fatalf("expected detector to inspect %q, got %q", root, inspected)
			}
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}
