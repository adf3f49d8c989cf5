package runner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/extension"
	"github.com/mattjoyce/conduit/internal/rpc"
)

type stubHostAPI struct {
	registered []string
}

func (s *stubHostAPI) Register(peer *rpc.Peer, ext string) {
	s.registered = append(s.registered, ext)
	peer.Handle("whoami", func(context.Context, json.RawMessage) (any, error) {
		return ext, nil
	})
}

func testExtension(t *testing.T) *extension.Extension {
	t.Helper()
	perms, err := auth.NewPermissions([]string{auth.CapClipboard})
	require.NoError(t, err)
	return &extension.Extension{
		Name:        "notes",
		Path:        t.TempDir(),
		Permissions: perms,
		Commands: extension.Commands{
			{Name: "sync", Mode: extension.ModeWorker, File: "bin/sync"},
			{Name: "report", Mode: extension.ModeScript, File: "report.py"},
			{Name: "panel", Mode: extension.ModeView, View: "panel.html"},
		},
	}
}

func TestFactoryPicksVariant(t *testing.T) {
	f := &Factory{Surface: newFakeSurface()}
	ext := testExtension(t)

	r, err := f.New(ext, "sync", nil)
	require.NoError(t, err)
	assert.IsType(t, &Worker{}, r)

	r, err = f.New(ext, "report", nil)
	require.NoError(t, err)
	assert.IsType(t, &Interpreter{}, r)

	r, err = f.New(ext, "panel", nil)
	require.NoError(t, err)
	assert.IsType(t, &View{}, r)

	_, err = f.New(ext, "missing", nil)
	assert.ErrorContains(t, err, `has no command "missing"`)
}

func TestFactoryWiresHostAPIAndPermissions(t *testing.T) {
	host := &stubHostAPI{}
	f := &Factory{
		Launcher: serving(func(ctx context.Context, _ json.RawMessage, peer *rpc.Peer, _ channel.Channel) (any, error) {
			return rpc.CallInto[string](ctx, peer, "whoami", nil)
		}),
		HostAPI: host,
	}
	ext := testExtension(t)

	r, err := f.New(ext, "sync", json.RawMessage(`{}`))
	require.NoError(t, err)
	w := r.(*Worker)
	assert.True(t, w.cfg.Gate.Allow(auth.CapClipboard))
	assert.False(t, w.cfg.Gate.Allow(auth.CapFS))
	assert.Contains(t, w.cfg.Spec.Env, "CONDUIT_EXTENSION=notes")

	res, err := r.Run(context.Background(), Options{WaitUntilFinished: true})
	require.NoError(t, err)
	assert.JSONEq(t, `"notes"`, string(res.Data))
	assert.Equal(t, []string{"notes"}, host.registered)
}
