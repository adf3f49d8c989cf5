// Package graph is the workflow interpreter hosted by the long-lived
// workflow worker. It walks a definition in topological order, checks for a
// stop request before every node and reports node and run outcomes back to
// the host as events.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/rpc"
	"github.com/mattjoyce/conduit/internal/workflow"
)

// ErrStopped is returned by a run interrupted by workflow:stop.
var ErrStopped = errors.New("run stopped")

type run struct {
	id      string
	cancel  context.CancelFunc
	stopped bool
}

// Engine executes runs requested over a host peer.
type Engine struct {
	host   *rpc.Peer
	logger *slog.Logger

	mu     sync.Mutex
	nodes  map[string]NodeFunc
	runs   map[string]*run
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine registers the workflow handlers on host.
func NewEngine(host *rpc.Peer) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		host:   host,
		logger: log.WithComponent("graph"),
		nodes:  builtinNodes(),
		runs:   make(map[string]*run),
		ctx:    ctx,
		cancel: cancel,
	}
	host.Handle(MsgExecute, e.handleExecute)
	host.Handle(MsgStop, e.handleStop)
	return e
}

// Register adds or replaces a node kind.
func (e *Engine) Register(kind string, fn NodeFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[kind] = fn
}

// Running returns how many runs are in flight.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// Serve announces readiness to the host, then blocks until ctx is done or
// the host disconnects. Every run is cancelled and awaited before it returns.
func (e *Engine) Serve(ctx context.Context) error {
	e.emit(MsgReady, nil)
	select {
	case <-ctx.Done():
	case <-e.host.Done():
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) handleExecute(_ context.Context, raw json.RawMessage) (any, error) {
	var args ExecuteArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid %s arguments: %w", MsgExecute, err)
	}
	if args.RunID == "" {
		return nil, fmt.Errorf("%s: runId is required", MsgExecute)
	}
	order, err := args.Definition.Order()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(e.ctx)
	r := &run{id: args.RunID, cancel: cancel}

	e.mu.Lock()
	if _, dup := e.runs[r.id]; dup {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("run %s is already executing", r.id)
	}
	e.runs[r.id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	go e.execute(ctx, r, args, order)
	return ExecuteResult{RunID: r.id}, nil
}

func (e *Engine) handleStop(_ context.Context, raw json.RawMessage) (any, error) {
	var args StopArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	e.mu.Lock()
	r, ok := e.runs[args.RunID]
	if ok {
		r.stopped = true
	}
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("stop for unknown run", "run_id", args.RunID)
		return nil, nil
	}
	r.cancel()
	return nil, nil
}

// halted reports a stop request for r or a worker shutdown.
func (e *Engine) halted(r *run) bool {
	if e.ctx.Err() != nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.stopped
}

func (e *Engine) execute(ctx context.Context, r *run, args ExecuteArgs, order []workflow.Node) {
	logger := log.WithRun(r.id).With("workflow_id", args.WorkflowID)
	defer func() {
		r.cancel()
		e.mu.Lock()
		delete(e.runs, r.id)
		e.mu.Unlock()
		e.wg.Done()
	}()

	output, nodeID, err := e.walk(ctx, r, args, order)
	switch {
	case err == nil:
		logger.Info("run finished")
		e.emit(MsgFinish, FinishEvent{RunID: r.id, Output: output})
	case errors.Is(err, ErrStopped):
		logger.Info("run stopped", "node_id", nodeID)
		e.emit(MsgFinish, FinishEvent{RunID: r.id, Stopped: true})
	default:
		logger.Warn("run failed", "node_id", nodeID, "error", err)
		e.emit(MsgError, ErrorEvent{RunID: r.id, NodeID: nodeID, Message: err.Error()})
	}
}

// walk executes nodes in order. A node's input is the output of its first
// upstream node, or the run input for roots.
func (e *Engine) walk(ctx context.Context, r *run, args ExecuteArgs, order []workflow.Node) (json.RawMessage, string, error) {
	outputs := make(map[string]json.RawMessage, len(order))
	var last json.RawMessage
	for _, node := range order {
		if e.halted(r) {
			return nil, node.ID, ErrStopped
		}

		input := args.Input
		if up := args.Definition.Upstream(node.ID); len(up) > 0 {
			input = outputs[up[0]]
		}

		out, err := e.runNode(ctx, NodeCall{RunID: r.id, Node: node, Input: input, Host: e.host})
		if err != nil {
			if e.halted(r) {
				return nil, node.ID, ErrStopped
			}
			e.emit(MsgNodeError, NodeEvent{RunID: r.id, NodeID: node.ID, NodeType: node.Type, Message: err.Error()})
			return nil, node.ID, err
		}
		outputs[node.ID] = out
		last = out
		e.emit(MsgNodeFinish, NodeEvent{RunID: r.id, NodeID: node.ID, NodeType: node.Type, Output: out})
	}
	return last, "", nil
}

func (e *Engine) runNode(ctx context.Context, call NodeCall) (out json.RawMessage, err error) {
	e.mu.Lock()
	fn, ok := e.nodes[call.Node.Type]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", call.Node.Type)
	}
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("node %s panicked: %v", call.Node.ID, rec)
		}
	}()
	return fn(ctx, call)
}

func (e *Engine) emit(name string, v any) {
	if err := e.host.Emit(name, v); err != nil {
		e.logger.Debug("event not delivered", "name", name, "error", err)
	}
}
