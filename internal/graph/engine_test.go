package graph

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/rpc"
	"github.com/mattjoyce/conduit/internal/workflow"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type received struct {
	name string
	raw  json.RawMessage
}

// harness connects an Engine to a host peer that records worker events.
func harness(t *testing.T) (*Engine, *rpc.Peer, <-chan received) {
	t.Helper()
	a, b := channel.Pipe()
	host := rpc.New(a, rpc.WithName("host"))
	workerPeer := rpc.New(b, rpc.WithName("worker"))
	engine := NewEngine(workerPeer)
	require.NoError(t, workerPeer.CheckNames(HostNames))

	events := make(chan received, 64)
	for _, name := range WorkerNames {
		host.Handle(name, func(_ context.Context, raw json.RawMessage) (any, error) {
			events <- received{name: name, raw: raw}
			return nil, nil
		})
	}
	t.Cleanup(func() {
		_ = host.Close()
		_ = workerPeer.Close()
	})
	return engine, host, events
}

func next(t *testing.T, events <-chan received) received {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event from worker")
		return received{}
	}
}

func execute(t *testing.T, host *rpc.Peer, runID string, def workflow.Definition, input string) {
	t.Helper()
	args := ExecuteArgs{RunID: runID, WorkflowID: "wf", Definition: def}
	if input != "" {
		args.Input = json.RawMessage(input)
	}
	got, err := rpc.CallInto[ExecuteResult](context.Background(), host, MsgExecute, args)
	require.NoError(t, err)
	assert.Equal(t, runID, got.RunID)
}

func TestRunFinishesInOrder(t *testing.T) {
	_, host, events := harness(t)
	host.Handle("text.upper", func(_ context.Context, raw json.RawMessage) (any, error) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s + "!", nil
	})

	def := workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "call", Type: KindHostCall, Data: json.RawMessage(`{"name":"text.upper"}`)},
			{ID: "start", Type: KindTrigger},
			{ID: "wait", Type: KindDelay, Data: json.RawMessage(`{"ms":5}`)},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "wait"}, {Source: "wait", Target: "call"}},
	}
	execute(t, host, "r1", def, `"hi"`)

	var order []string
	for range 3 {
		ev := next(t, events)
		require.Equal(t, MsgNodeFinish, ev.name)
		var node NodeEvent
		require.NoError(t, json.Unmarshal(ev.raw, &node))
		order = append(order, node.NodeID)
	}
	assert.Equal(t, []string{"start", "wait", "call"}, order)

	ev := next(t, events)
	require.Equal(t, MsgFinish, ev.name)
	var fin FinishEvent
	require.NoError(t, json.Unmarshal(ev.raw, &fin))
	assert.Equal(t, "r1", fin.RunID)
	assert.False(t, fin.Stopped)
	assert.JSONEq(t, `"hi!"`, string(fin.Output))
}

func TestNodeFailureEndsRun(t *testing.T) {
	_, host, events := harness(t)

	def := workflow.Definition{Nodes: []workflow.Node{
		{ID: "start", Type: KindTrigger},
		{ID: "bad", Type: "teleport"},
		{ID: "never", Type: KindTrigger},
	}, Edges: []workflow.Edge{{Source: "start", Target: "bad"}, {Source: "bad", Target: "never"}}}
	execute(t, host, "r2", def, "")

	assert.Equal(t, MsgNodeFinish, next(t, events).name)

	ev := next(t, events)
	require.Equal(t, MsgNodeError, ev.name)
	var node NodeEvent
	require.NoError(t, json.Unmarshal(ev.raw, &node))
	assert.Equal(t, "bad", node.NodeID)
	assert.Contains(t, node.Message, "unknown node type")

	ev = next(t, events)
	require.Equal(t, MsgError, ev.name)
	var fail ErrorEvent
	require.NoError(t, json.Unmarshal(ev.raw, &fail))
	assert.Equal(t, "r2", fail.RunID)
	assert.Equal(t, "bad", fail.NodeID)
}

func TestHostCallErrorsSurface(t *testing.T) {
	_, host, events := harness(t)
	def := workflow.Definition{Nodes: []workflow.Node{
		{ID: "copy", Type: KindHostCall, Data: json.RawMessage(`{"name":"clipboard.read"}`)},
	}}
	execute(t, host, "r3", def, "")

	assert.Equal(t, MsgNodeError, next(t, events).name)
	ev := next(t, events)
	require.Equal(t, MsgError, ev.name)
	assert.Contains(t, string(ev.raw), `\"clipboard.read\" doesn't have handler`)
}

func TestStopBetweenNodes(t *testing.T) {
	engine, host, events := harness(t)
	def := workflow.Definition{
		Nodes: []workflow.Node{
			{ID: "start", Type: KindTrigger},
			{ID: "wait", Type: KindDelay, Data: json.RawMessage(`{"ms":60000}`)},
			{ID: "after", Type: KindTrigger},
		},
		Edges: []workflow.Edge{{Source: "start", Target: "wait"}, {Source: "wait", Target: "after"}},
	}
	execute(t, host, "r4", def, "")
	assert.Equal(t, MsgNodeFinish, next(t, events).name)
	assert.Equal(t, 1, engine.Running())

	require.NoError(t, host.Emit(MsgStop, StopArgs{RunID: "r4"}))
	// Unknown runs are ignored.
	require.NoError(t, host.Emit(MsgStop, StopArgs{RunID: "ghost"}))

	ev := next(t, events)
	require.Equal(t, MsgFinish, ev.name)
	var fin FinishEvent
	require.NoError(t, json.Unmarshal(ev.raw, &fin))
	assert.True(t, fin.Stopped)
	assert.Eventually(t, func() bool { return engine.Running() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestExecuteRejectsInvalidRequests(t *testing.T) {
	_, host, _ := harness(t)
	ctx := context.Background()

	_, err := host.Call(ctx, MsgExecute, ExecuteArgs{})
	assert.ErrorContains(t, err, "runId is required")

	cyclic := workflow.Definition{
		Nodes: []workflow.Node{{ID: "a", Type: KindTrigger}, {ID: "b", Type: KindTrigger}},
		Edges: []workflow.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}
	_, err = host.Call(ctx, MsgExecute, ExecuteArgs{RunID: "c", Definition: cyclic})
	assert.ErrorContains(t, err, "cycle")
}

func TestRegisterCustomNode(t *testing.T) {
	engine, host, events := harness(t)
	engine.Register("double", func(_ context.Context, call NodeCall) (json.RawMessage, error) {
		var n int
		if err := json.Unmarshal(call.Input, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2)
	})
	execute(t, host, "r5", workflow.Definition{Nodes: []workflow.Node{{ID: "d", Type: "double"}}}, `21`)

	assert.Equal(t, MsgNodeFinish, next(t, events).name)
	ev := next(t, events)
	require.Equal(t, MsgFinish, ev.name)
	assert.Contains(t, string(ev.raw), `"output":42`)
}

func TestServeReturnsWhenHostLeaves(t *testing.T) {
	engine, host, _ := harness(t)
	done := make(chan error, 1)
	go func() { done <- engine.Serve(context.Background()) }()

	require.NoError(t, host.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}
