package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/rpc"
)

type fakeSurface struct {
	mu       sync.Mutex
	opened   []ViewRequest
	toggled  []ViewRequest
	failWith error
	messages chan string
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{messages: make(chan string, 16)}
}

func (s *fakeSurface) Open(_ context.Context, req ViewRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.opened = append(s.opened, req)
	return nil
}

func (s *fakeSurface) Toggle(_ context.Context, req ViewRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggled = append(s.toggled, req)
	return nil
}

func (s *fakeSurface) Attach(_ string, ui channel.Channel) {
	go func() {
		for msg := range ui.Messages() {
			s.messages <- string(msg)
		}
	}()
}

func TestViewOpensWithoutAction(t *testing.T) {
	surface := newFakeSurface()
	v := NewView(ViewConfig{
		Request:    ViewRequest{Extension: "notes", Command: "panel", View: "panel.html"},
		Surface:    surface,
		ActionFile: filepath.Join(t.TempDir(), "missing"),
	})

	res, err := v.Run(context.Background(), Options{WaitUntilFinished: true})
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, res.Reason)
	assert.Nil(t, v.Action(), "absent action file must not start a worker")

	require.Len(t, surface.opened, 1)
	assert.Equal(t, v.ID(), surface.opened[0].RunID)
	assert.Equal(t, "panel.html", surface.opened[0].View)
}

func TestViewToggle(t *testing.T) {
	surface := newFakeSurface()
	v := NewView(ViewConfig{Surface: surface, Toggle: true})
	_, err := v.Run(context.Background(), Options{WaitUntilFinished: true})
	require.NoError(t, err)
	assert.Len(t, surface.toggled, 1)
	assert.Empty(t, surface.opened)
}

func TestViewSurfaceFailure(t *testing.T) {
	surface := newFakeSurface()
	surface.failWith = errors.New("window unavailable")
	v := NewView(ViewConfig{Surface: surface})
	rec := newRecorder(v)

	_, err := v.Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "window unavailable", <-rec.errors)
	assert.Equal(t, ReasonTerminate, <-rec.finishes)
}

func TestViewStartsActionWorker(t *testing.T) {
	action := filepath.Join(t.TempDir(), "action")
	require.NoError(t, os.WriteFile(action, []byte("#!/bin/sh\n"), 0755))

	surface := newFakeSurface()
	release := make(chan struct{})
	v := NewView(ViewConfig{
		Request:    ViewRequest{Extension: "notes", Command: "panel", Payload: json.RawMessage(`{"id":1}`)},
		Surface:    surface,
		ActionFile: action,
		Action: WorkerConfig{
			Launcher: serving(func(ctx context.Context, payload json.RawMessage, _ *rpc.Peer, ui channel.Channel) (any, error) {
				if err := ui.Send(payload); err != nil {
					return nil, err
				}
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil, nil
			}),
			KillGrace: time.Second,
		},
	})

	_, err := v.Run(context.Background(), Options{WaitUntilFinished: true})
	require.NoError(t, err, "the view finishes without waiting for its action")
	require.NotNil(t, v.Action())

	select {
	case msg := <-surface.messages:
		assert.JSONEq(t, `{"id":1}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("action worker UI was not wired to the surface")
	}

	require.NoError(t, v.Stop())
	select {
	case <-v.Action().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stopping the view must stop its action worker")
	}
	close(release)
}

func TestEventSurfacePublishes(t *testing.T) {
	hub := events.NewHub(10)
	surface := EventSurface{Hub: hub}
	sub, cancel := hub.SubscribeRun("run-1")
	defer cancel()

	require.NoError(t, surface.Open(context.Background(), ViewRequest{RunID: "run-1", View: "v"}))
	ev := <-sub
	assert.Equal(t, events.TypeViewOpen, ev.Type)

	a, b := channel.Pipe()
	surface.Attach("run-1", b)
	require.NoError(t, a.Send(json.RawMessage(`{"x":1}`)))
	ev = <-sub
	assert.Equal(t, events.TypeViewMessage, ev.Type)
	assert.JSONEq(t, `{"x":1}`, string(ev.Data))
	_ = a.Close()
}
