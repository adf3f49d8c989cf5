package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/orchestrator/mocks"
	"github.com/mattjoyce/conduit/internal/process"
	"github.com/mattjoyce/conduit/internal/rpc"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/worker"
	"github.com/mattjoyce/conduit/internal/workflow"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// countingLauncher records how many workers were started.
type countingLauncher struct {
	inner    process.Launcher
	launches atomic.Int32
}

func (c *countingLauncher) Launch(ctx context.Context, spec process.Spec) (process.Process, error) {
	c.launches.Add(1)
	return c.inner.Launch(ctx, spec)
}

// graphWorker hosts the graph engine in-process, the way conduit-worker does.
func graphWorker(setup func(*graph.Engine)) *countingLauncher {
	return &countingLauncher{inner: process.Func{Body: func(ctx context.Context, _ process.Spec, ends process.Ends) error {
		return worker.Serve(ctx, ends, graph.WorkerBody(setup))
	}}}
}

type env struct {
	orch      *Orchestrator
	launcher  *countingLauncher
	workflows *workflow.Store
	history   *history.Store
	hub       *events.Hub
}

func newEnv(t *testing.T, launcher *countingLauncher, idle time.Duration) *env {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "conduit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e := &env{
		launcher:  launcher,
		workflows: workflow.NewStore(db),
		history:   history.NewStore(db),
		hub:       events.NewHub(256),
	}
	e.orch = New(Config{
		Launcher:    launcher,
		Workflows:   e.workflows,
		History:     e.history,
		Hub:         e.hub,
		IdleTimeout: idle,
		RPCTimeout:  2 * time.Second,
		KillGrace:   500 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.orch.Shutdown(ctx)
	})
	return e
}

func (e *env) save(t *testing.T, id string, nodes ...workflow.Node) {
	t.Helper()
	var edges []workflow.Edge
	for i := 1; i < len(nodes); i++ {
		edges = append(edges, workflow.Edge{Source: nodes[i-1].ID, Target: nodes[i].ID})
	}
	require.NoError(t, e.workflows.Save(context.Background(), &workflow.Workflow{
		ID:         id,
		Definition: workflow.Definition{Nodes: nodes, Edges: edges},
	}))
}

func (e *env) waitStatus(t *testing.T, runID string, want history.Status) *history.Record {
	t.Helper()
	var rec *history.Record
	require.Eventually(t, func() bool {
		r, err := e.history.GetByRunID(context.Background(), runID)
		if err != nil {
			return false
		}
		rec = r
		return r.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return rec
}

func trigger(id string) workflow.Node { return workflow.Node{ID: id, Type: graph.KindTrigger} }

func delay(id string, ms int) workflow.Node {
	raw, _ := json.Marshal(map[string]int{"ms": ms})
	return workflow.Node{ID: id, Type: graph.KindDelay, Data: raw}
}

func TestExecuteDisabledWorkflowHasNoSideEffects(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	wfs := mocks.NewMockWorkflowStore(ctrl)
	hist := mocks.NewMockHistoryStore(ctrl)
	launcher := graphWorker(nil)

	wfs.EXPECT().GetWorkflow(gomock.Any(), "wf1").Return(&workflow.Workflow{ID: "wf1", IsDisabled: true}, nil)
	// No IncrementExecuteCount and no history calls.

	o := New(Config{Launcher: launcher, Workflows: wfs, History: hist})
	runID, err := o.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	assert.Empty(t, runID)
	assert.Zero(t, launcher.launches.Load())
	assert.Nil(t, o.Lease().Current())
	require.NoError(t, o.Shutdown(context.Background()))
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e := newEnv(t, graphWorker(nil), time.Minute)
	_, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "missing"})
	assert.ErrorIs(t, err, workflow.ErrNotFound)
	assert.Zero(t, e.launcher.launches.Load())
}

func TestRunFinishesNormally(t *testing.T) {
	e := newEnv(t, graphWorker(nil), time.Minute)
	e.save(t, "wf1", trigger("start"), delay("wait", 5))
	sub, cancel := e.hub.Subscribe()
	defer cancel()

	runID, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	rec := e.waitStatus(t, runID, history.StatusFinish)
	require.NotNil(t, rec.EndedAt)
	require.NotNil(t, rec.Duration)
	assert.Nil(t, rec.Error)
	assert.Eventually(t, func() bool {
		_, ok := e.orch.Runs().Get(runID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	wf, err := e.workflows.GetWorkflow(context.Background(), "wf1")
	require.NoError(t, err)
	assert.Equal(t, 1, wf.ExecuteCount)

	// Node telemetry and the terminal event reach the hub.
	seen := map[string]int{}
	deadline := time.After(2 * time.Second)
	for seen[events.TypeRunFinished] == 0 {
		select {
		case ev := <-sub:
			seen[ev.Type]++
		case <-deadline:
			t.Fatalf("missing events, saw %v", seen)
		}
	}
	assert.Equal(t, 1, seen[events.TypeRunStarted])
	assert.Equal(t, 2, seen[events.TypeNodeFinished])

	assert.Eventually(t, e.orch.Lease().IdleArmed, time.Second, 10*time.Millisecond)
	assert.Zero(t, e.orch.Lease().Active())
}

func TestWorkerIsReused(t *testing.T) {
	e := newEnv(t, graphWorker(nil), time.Minute)
	e.save(t, "wf1", trigger("start"), delay("wait", 100))

	first, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	second, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.False(t, e.orch.Lease().IdleArmed())

	e.waitStatus(t, first, history.StatusFinish)
	e.waitStatus(t, second, history.StatusFinish)

	third, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	e.waitStatus(t, third, history.StatusFinish)

	assert.Equal(t, int32(1), e.launcher.launches.Load())
	assert.Equal(t, 1, e.orch.Lease().Spawns())
}

func TestNodeOverridesApplyToOneRun(t *testing.T) {
	e := newEnv(t, graphWorker(nil), time.Minute)
	e.save(t, "wf1", trigger("start"))

	runID, err := e.orch.Execute(context.Background(), ExecutePayload{
		WorkflowID: "wf1",
		Nodes:      []workflow.Node{{ID: "boom", Type: "nope"}},
		Edges:      []workflow.Edge{},
	})
	require.NoError(t, err)
	rec := e.waitStatus(t, runID, history.StatusError)
	require.NotNil(t, rec.Error)
	assert.Contains(t, *rec.Error, "unknown node type")
}

func TestStopExecutionWithLiveWorker(t *testing.T) {
	e := newEnv(t, graphWorker(nil), time.Minute)
	e.save(t, "wf1", trigger("start"), delay("wait", 60_000), trigger("after"))

	runID, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	require.NoError(t, e.orch.StopExecution(context.Background(), runID))

	rec := e.waitStatus(t, runID, history.StatusStopped)
	assert.NotNil(t, rec.EndedAt)
}

func TestStopExecutionWithoutWorker(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	wfs := mocks.NewMockWorkflowStore(ctrl)
	hist := mocks.NewMockHistoryStore(ctrl)
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	now := t0.Add(42 * time.Second)

	hist.EXPECT().GetByRunID(gomock.Any(), "r2").Return(&history.Record{
		ID: "h2", RunID: "r2", WorkflowID: "wf1", Status: history.StatusRunning, StartedAt: t0,
	}, nil)
	hist.EXPECT().Finalize(gomock.Any(), "h2", history.Finalization{Status: history.StatusStopped, EndedAt: now}).
		Return(&history.Record{ID: "h2", Status: history.StatusStopped}, nil)

	o := New(Config{Launcher: graphWorker(nil), Workflows: wfs, History: hist, Now: func() time.Time { return now }})
	require.NoError(t, o.StopExecution(context.Background(), "r2"))
	require.NoError(t, o.Shutdown(context.Background()))
}

func TestStopExecutionWithoutWorkerRecordsDuration(t *testing.T) {
	e := newEnv(t, graphWorker(nil), time.Minute)
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	_, err := e.history.Insert(context.Background(), "r2", "wf1", t0)
	require.NoError(t, err)
	e.orch.cfg.Now = func() time.Time { return t0.Add(90 * time.Second) }

	require.NoError(t, e.orch.StopExecution(context.Background(), "r2"))

	rec, err := e.history.GetByRunID(context.Background(), "r2")
	require.NoError(t, err)
	assert.Equal(t, history.StatusStopped, rec.Status)
	require.NotNil(t, rec.Duration)
	assert.Equal(t, 90*time.Second, *rec.Duration)

	// Already terminal: nothing changes.
	require.NoError(t, e.orch.StopExecution(context.Background(), "r2"))
	assert.Zero(t, e.launcher.launches.Load())
}

func TestTerminalEventsAreIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	hist := mocks.NewMockHistoryStore(ctrl)
	hist.EXPECT().Finalize(gomock.Any(), "h1", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, fin history.Finalization) (*history.Record, error) {
			assert.Equal(t, history.StatusFinish, fin.Status)
			return &history.Record{ID: "h1", Status: fin.Status}, nil
		}).Times(1)

	o := New(Config{Workflows: mocks.NewMockWorkflowStore(ctrl), History: hist})
	defer o.Shutdown(context.Background())
	o.runs.Add(RunEntry{RunID: "r1", HistoryID: "h1", WorkflowID: "wf1"})

	finish, _ := json.Marshal(graph.FinishEvent{RunID: "r1"})
	failure, _ := json.Marshal(graph.ErrorEvent{RunID: "r1", Message: "late"})
	_, err := o.onFinish(context.Background(), finish)
	require.NoError(t, err)
	_, err = o.onFinish(context.Background(), finish)
	require.NoError(t, err)
	_, err = o.onError(context.Background(), failure)
	require.NoError(t, err)

	assert.Zero(t, o.Runs().Len())
}

func TestWorkerExitFailsInFlightRuns(t *testing.T) {
	// A worker that accepts runs and then dies without reporting them.
	crash := make(chan struct{})
	launcher := &countingLauncher{inner: process.Func{Body: func(ctx context.Context, _ process.Spec, ends process.Ends) error {
		return worker.Serve(ctx, ends, func(ctx context.Context, _ json.RawMessage, host *rpc.Peer, _ channel.Channel) (any, error) {
			host.Handle(graph.MsgExecute, func(_ context.Context, raw json.RawMessage) (any, error) {
				var args graph.ExecuteArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, err
				}
				return graph.ExecuteResult{RunID: args.RunID}, nil
			})
			_ = host.Emit(graph.MsgReady, nil)
			select {
			case <-crash:
				return nil, errors.New("segfault")
			case <-ctx.Done():
				return nil, nil
			}
		})
	}}}
	e := newEnv(t, launcher, time.Minute)
	e.save(t, "wf1", trigger("start"))
	sub, cancel := e.hub.Subscribe()
	defer cancel()

	runID, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	close(crash)

	rec := e.waitStatus(t, runID, history.StatusError)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "workflow worker exited unexpectedly", *rec.Error)
	assert.Zero(t, e.orch.Runs().Len())
	assert.Eventually(t, func() bool { return e.orch.Lease().Current() == nil }, 2*time.Second, 10*time.Millisecond)

	var down *events.Event
	deadline := time.After(2 * time.Second)
	for down == nil {
		select {
		case ev := <-sub:
			if ev.Type == events.TypeWorkerDown {
				down = &ev
			}
		case <-deadline:
			t.Fatal("worker.stopped not published")
		}
	}
	assert.Contains(t, string(down.Data), `"expected":false`)
	assert.Zero(t, e.orch.Lease().Active())
}

func TestDispatchFailureFinalizesRun(t *testing.T) {
	// The worker never registers workflow:execute.
	launcher := &countingLauncher{inner: process.Func{Body: func(ctx context.Context, _ process.Spec, ends process.Ends) error {
		return worker.Serve(ctx, ends, func(ctx context.Context, _ json.RawMessage, host *rpc.Peer, _ channel.Channel) (any, error) {
			_ = host.Emit(graph.MsgReady, nil)
			<-ctx.Done()
			return nil, nil
		})
	}}}
	e := newEnv(t, launcher, time.Minute)
	e.save(t, "wf1", trigger("start"))

	_, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"workflow:execute" doesn't have handler`)

	list, err := e.history.List(context.Background(), history.ListFilter{WorkflowID: "wf1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, history.StatusError, list[0].Status)
	assert.Zero(t, e.orch.Runs().Len())
	assert.True(t, e.orch.Lease().IdleArmed())
}

func TestIdleWorkerIsTornDown(t *testing.T) {
	e := newEnv(t, graphWorker(nil), 50*time.Millisecond)
	e.save(t, "wf1", trigger("start"))

	runID, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	e.waitStatus(t, runID, history.StatusFinish)

	assert.Eventually(t, func() bool { return e.orch.Lease().Current() == nil }, 3*time.Second, 10*time.Millisecond)

	// The next run starts a fresh worker.
	runID, err = e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	e.waitStatus(t, runID, history.StatusFinish)
	assert.Equal(t, int32(2), e.launcher.launches.Load())
}

func TestIdleTeardownNeverOverlapsWorkers(t *testing.T) {
	// Workers linger after their RPC loop ends, like a process slow to exit.
	var live, peak atomic.Int32
	launcher := &countingLauncher{inner: process.Func{Body: func(ctx context.Context, _ process.Spec, ends process.Ends) error {
		n := live.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer live.Add(-1)
		err := worker.Serve(ctx, ends, graph.WorkerBody(nil))
		time.Sleep(300 * time.Millisecond)
		return err
	}}}
	e := newEnv(t, launcher, 50*time.Millisecond)
	e.save(t, "wf1", trigger("start"))

	runID, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	e.waitStatus(t, runID, history.StatusFinish)
	require.Eventually(t, func() bool { return e.orch.Lease().Current() == nil }, 3*time.Second, 5*time.Millisecond)

	runID, err = e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	e.waitStatus(t, runID, history.StatusFinish)
	assert.Equal(t, int32(2), e.launcher.launches.Load())
	assert.Equal(t, int32(1), peak.Load())
}

// slowAckWorker acknowledges workflow:execute after ack and reports the run
// finished shortly after.
func slowAckWorker(ack time.Duration) *countingLauncher {
	return &countingLauncher{inner: process.Func{Body: func(ctx context.Context, _ process.Spec, ends process.Ends) error {
		return worker.Serve(ctx, ends, func(ctx context.Context, _ json.RawMessage, host *rpc.Peer, _ channel.Channel) (any, error) {
			host.Handle(graph.MsgExecute, func(_ context.Context, raw json.RawMessage) (any, error) {
				var args graph.ExecuteArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, err
				}
				time.Sleep(ack)
				go func() {
					time.Sleep(20 * time.Millisecond)
					_ = host.Emit(graph.MsgFinish, graph.FinishEvent{RunID: args.RunID})
				}()
				return graph.ExecuteResult{RunID: args.RunID}, nil
			})
			_ = host.Emit(graph.MsgReady, nil)
			<-ctx.Done()
			return nil, nil
		})
	}}}
}

func TestCallerCancellationDoesNotFailDispatch(t *testing.T) {
	e := newEnv(t, slowAckWorker(100*time.Millisecond), time.Minute)
	e.save(t, "wf1", trigger("start"))

	// Warm the worker so only the dispatch outlives the caller.
	warm, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	e.waitStatus(t, warm, history.StatusFinish)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	runID, err := e.orch.Execute(ctx, ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	rec := e.waitStatus(t, runID, history.StatusFinish)
	assert.Nil(t, rec.Error)
	assert.Zero(t, e.orch.Runs().Len())
}

func TestDispatchFailureStopsRunOnWorker(t *testing.T) {
	stopped := make(chan string, 1)
	launcher := &countingLauncher{inner: process.Func{Body: func(ctx context.Context, _ process.Spec, ends process.Ends) error {
		return worker.Serve(ctx, ends, func(ctx context.Context, _ json.RawMessage, host *rpc.Peer, _ channel.Channel) (any, error) {
			host.Handle(graph.MsgExecute, func(context.Context, json.RawMessage) (any, error) {
				return nil, errors.New("engine busy")
			})
			host.Handle(graph.MsgStop, func(_ context.Context, raw json.RawMessage) (any, error) {
				var args graph.StopArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, err
				}
				stopped <- args.RunID
				return nil, nil
			})
			_ = host.Emit(graph.MsgReady, nil)
			<-ctx.Done()
			return nil, nil
		})
	}}}
	e := newEnv(t, launcher, time.Minute)
	e.save(t, "wf1", trigger("start"))

	_, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.Error(t, err)

	list, err := e.history.List(context.Background(), history.ListFilter{WorkflowID: "wf1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, history.StatusError, list[0].Status)

	select {
	case id := <-stopped:
		assert.Equal(t, list[0].RunID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("workflow:stop not sent after failed dispatch")
	}
}

func TestShutdownStopsInFlightRuns(t *testing.T) {
	e := newEnv(t, graphWorker(nil), time.Minute)
	e.save(t, "wf1", trigger("start"), delay("wait", 60_000))

	runID, err := e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.orch.Shutdown(ctx))

	rec := e.waitStatus(t, runID, history.StatusStopped)
	assert.NotNil(t, rec.EndedAt)

	_, err = e.orch.Execute(context.Background(), ExecutePayload{WorkflowID: "wf1"})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRecoverFinalizesOrphans(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	hist := mocks.NewMockHistoryStore(ctrl)
	hist.EXPECT().ListRunning(gomock.Any()).Return([]*history.Record{
		{ID: "h1", RunID: "r1", Status: history.StatusRunning},
		{ID: "h2", RunID: "r2", Status: history.StatusRunning},
	}, nil)
	hist.EXPECT().Finalize(gomock.Any(), "h1", gomock.Any()).Return(nil, nil)
	hist.EXPECT().Finalize(gomock.Any(), "h2", gomock.Any()).Return(nil, history.ErrAlreadyFinal)

	o := New(Config{Workflows: mocks.NewMockWorkflowStore(ctrl), History: hist})
	defer o.Shutdown(context.Background())

	n, err := o.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
