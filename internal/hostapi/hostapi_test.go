package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/rpc"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type memClipboard struct {
	text string
	err  error
}

func (c *memClipboard) ReadAll() (string, error) { return c.text, c.err }
func (c *memClipboard) WriteAll(text string) error {
	if c.err != nil {
		return c.err
	}
	c.text = text
	return nil
}

type fakeExecutor struct {
	gotID string
	runID string
}

func (f *fakeExecutor) ExecuteWorkflow(_ context.Context, id string, _ json.RawMessage) (string, error) {
	f.gotID = id
	return f.runID, nil
}

// connect returns the child-side peer of a host peer serving reg for ext.
func connect(t *testing.T, reg *Registry, ext string, caps ...string) *rpc.Peer {
	t.Helper()
	perms, err := auth.NewPermissions(caps)
	require.NoError(t, err)
	a, b := channel.Pipe()
	host := rpc.New(a, rpc.WithGate(perms))
	reg.Register(host, ext)
	require.NoError(t, host.CheckNames(Names))
	child := rpc.New(b)
	t.Cleanup(func() {
		_ = child.Close()
		_ = host.Close()
	})
	return child
}

func TestClipboard(t *testing.T) {
	cb := &memClipboard{text: "before"}
	child := connect(t, &Registry{Clipboard: cb}, "notes", auth.CapClipboard)
	ctx := context.Background()

	got, err := rpc.CallInto[string](ctx, child, ClipboardRead, nil)
	require.NoError(t, err)
	assert.Equal(t, "before", got)

	_, err = child.Call(ctx, ClipboardWrite, "after")
	require.NoError(t, err)
	assert.Equal(t, "after", cb.text)

	cb.err = errors.New("no display")
	_, err = child.Call(ctx, ClipboardRead, nil)
	assert.ErrorContains(t, err, "no display")
}

func TestPermissionDenied(t *testing.T) {
	child := connect(t, &Registry{Clipboard: &memClipboard{}}, "notes", auth.CapFS)

	for _, name := range []string{ClipboardRead, StorageGet, WorkflowExecute} {
		_, err := child.Call(context.Background(), name, map[string]string{})
		var remote *rpc.RemoteError
		require.ErrorAs(t, err, &remote, name)
		assert.Contains(t, remote.Message, "permission denied")
	}
}

func TestStorageIsPerExtension(t *testing.T) {
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	reg := &Registry{State: state.NewStore(db)}
	ctx := context.Background()

	notes := connect(t, reg, "notes", auth.CapStorage)
	other := connect(t, reg, "other", auth.CapStorage)

	_, err = notes.Call(ctx, StorageSet, map[string]any{"key": "count", "value": 3})
	require.NoError(t, err)

	n, err := rpc.CallInto[int](ctx, notes, StorageGet, map[string]string{"key": "count"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	raw, err := other.Call(ctx, StorageGet, map[string]string{"key": "count"})
	require.NoError(t, err)
	assert.Empty(t, raw)

	all, err := notes.Call(ctx, StorageGet, map[string]string{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, string(all))
}

func TestFilesystem(t *testing.T) {
	root := t.TempDir()
	child := connect(t, &Registry{FSRoots: []string{root}}, "notes", auth.CapFS)
	ctx := context.Background()
	path := filepath.Join(root, "a.txt")

	_, err := child.Call(ctx, FSWriteFile, map[string]string{"path": path, "content": "hi"})
	require.NoError(t, err)

	content, err := rpc.CallInto[string](ctx, child, FSReadFile, map[string]string{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hi", content)

	info, err := rpc.CallInto[FileInfo](ctx, child, FSStat, map[string]string{"path": path})
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Size)
	assert.False(t, info.IsDir)

	_, err = child.Call(ctx, FSReadFile, map[string]string{"path": "relative.txt"})
	assert.ErrorContains(t, err, "must be absolute")

	_, err = child.Call(ctx, FSReadFile, map[string]string{"path": filepath.Join(root, "..", "escape.txt")})
	assert.ErrorContains(t, err, "outside allowed roots")
}

func TestWorkflowExecute(t *testing.T) {
	exec := &fakeExecutor{runID: "run-1"}
	child := connect(t, &Registry{Workflows: exec}, "notes", auth.CapWorkflow)

	got, err := rpc.CallInto[map[string]string](context.Background(), child, WorkflowExecute, map[string]string{"workflowId": "wf1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", got["runId"])
	assert.Equal(t, "wf1", exec.gotID)

	_, err = child.Call(context.Background(), WorkflowExecute, map[string]string{})
	assert.ErrorContains(t, err, "workflowId is required")
}
