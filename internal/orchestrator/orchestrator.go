// Package orchestrator runs workflows on a single reusable worker process.
//
// Execute records a running history entry, hands the definition to the
// worker and returns the run id without waiting. The worker reports each
// node and the run outcome as events; the first terminal event for a run
// finalizes its history record and later duplicates are ignored. When the
// last in-flight run ends the worker lease arms an idle timer, and an idle
// worker is torn down once it fires. A worker that exits on its own fails
// every run it still owned.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/graph"
	"github.com/mattjoyce/conduit/internal/history"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/process"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/rpc"
	"github.com/mattjoyce/conduit/internal/runner"
	"github.com/mattjoyce/conduit/internal/workflow"
)

// WorkerIdentity is the extension name host API calls from the workflow
// worker are attributed to.
const WorkerIdentity = "workflow-worker"

const (
	errWorkerExited = "workflow worker exited unexpectedly"
	errShutdown     = "workflow worker shut down"
	storeTimeout    = 5 * time.Second
)

// Config wires an Orchestrator.
type Config struct {
	Launcher  process.Launcher
	Spec      process.Spec
	Workflows WorkflowStore
	History   HistoryStore
	// HostAPI serves privileged calls the worker makes back into the host.
	HostAPI runner.HostAPI
	Gate    rpc.Gate
	Hub     *events.Hub

	IdleTimeout time.Duration
	RPCTimeout  time.Duration
	KillGrace   time.Duration
	Now         func() time.Time
}

// ExecutePayload asks for one run of a stored workflow. Non-nil Nodes or
// Edges replace the stored ones for this run only.
type ExecutePayload struct {
	WorkflowID string          `json:"workflowId"`
	Nodes      []workflow.Node `json:"nodes,omitempty"`
	Edges      []workflow.Edge `json:"edges,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// Orchestrator owns the workflow worker lease and the run registry.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	lease  *WorkerLease
	runs   *RunRegistry

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
}

// New builds an Orchestrator. No worker is started until the first Execute.
func New(cfg Config) *Orchestrator {
	if cfg.Launcher == nil {
		cfg.Launcher = process.Exec{}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = process.DefaultKillGrace
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = rpc.DefaultTimeout
	}
	if cfg.Gate == nil {
		cfg.Gate = rpc.DenyAll
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Spec.Name == "" {
		cfg.Spec.Name = WorkerIdentity
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		logger: log.WithComponent("orchestrator"),
		runs:   NewRunRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
	o.lease = newWorkerLease(cfg.IdleTimeout, cfg.KillGrace, o.spawn, o.retire)
	return o
}

// Lease exposes the worker lease for inspection.
func (o *Orchestrator) Lease() *WorkerLease { return o.lease }

// Runs exposes the in-flight run registry.
func (o *Orchestrator) Runs() *RunRegistry { return o.runs }

// Status is a point-in-time view of the worker and its runs.
type Status struct {
	WorkerRunning bool       `json:"worker_running"`
	ActiveRuns    int        `json:"active_runs"`
	Spawns        int        `json:"spawns"`
	IdleArmed     bool       `json:"idle_armed"`
	Runs          []RunEntry `json:"runs"`
}

// Status reports the current worker lease and in-flight runs.
func (o *Orchestrator) Status() Status {
	return Status{
		WorkerRunning: o.lease.Current() != nil,
		ActiveRuns:    o.lease.Active(),
		Spawns:        o.lease.Spawns(),
		IdleArmed:     o.lease.IdleArmed(),
		Runs:          o.runs.List(),
	}
}

// Recover finalizes runs left running by a previous host process. Their
// worker died with that process.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recs, err := o.cfg.History.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running history: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if _, ok := o.runs.Get(rec.RunID); ok {
			continue
		}
		_, err := o.cfg.History.Finalize(ctx, rec.ID, history.Finalization{
			Status:  history.StatusError,
			EndedAt: o.cfg.Now(),
			Error:   errWorkerExited,
		})
		if err != nil && !errors.Is(err, history.ErrAlreadyFinal) {
			return n, fmt.Errorf("finalize orphaned run %s: %w", rec.RunID, err)
		}
		n++
	}
	if n > 0 {
		o.logger.Warn("finalized orphaned runs", "count", n)
	}
	return n, nil
}

// Execute starts a run and returns its id without waiting for completion.
// A disabled workflow yields an empty run id and no side effects.
func (o *Orchestrator) Execute(ctx context.Context, p ExecutePayload) (string, error) {
	wf, err := o.cfg.Workflows.GetWorkflow(ctx, p.WorkflowID)
	if err != nil {
		return "", err
	}
	if wf == nil || wf.IsDisabled {
		o.logger.Info("workflow disabled, not executing", "workflow_id", p.WorkflowID)
		return "", nil
	}
	if err := o.cfg.Workflows.IncrementExecuteCount(ctx, wf.ID); err != nil {
		return "", err
	}

	def := wf.Definition
	if p.Nodes != nil {
		def.Nodes = p.Nodes
	}
	if p.Edges != nil {
		def.Edges = p.Edges
	}

	w, err := o.lease.Acquire()
	if err != nil {
		return "", fmt.Errorf("start workflow worker: %w", err)
	}

	runID := uuid.NewString()
	startedAt := o.cfg.Now()
	rec, err := o.cfg.History.Insert(ctx, runID, wf.ID, startedAt)
	if err != nil {
		o.lease.Release()
		return "", fmt.Errorf("insert history: %w", err)
	}

	// Registered before the request so a terminal event racing the result
	// still finds the run.
	o.runs.Add(RunEntry{RunID: runID, HistoryID: rec.ID, WorkflowID: wf.ID, StartedAt: startedAt, worker: w})
	o.publish(runID, events.TypeRunStarted, map[string]string{"workflow_id": wf.ID})

	// The run outlives the caller, so only the RPC timeout bounds dispatch.
	_, err = w.peer.Call(context.WithoutCancel(ctx), graph.MsgExecute, graph.ExecuteArgs{
		RunID:      runID,
		WorkflowID: wf.ID,
		Definition: def,
		Input:      p.Input,
	})
	if err != nil {
		// The worker may have started the run before the call failed.
		_ = w.peer.Emit(graph.MsgStop, graph.StopArgs{RunID: runID})
		o.finalize(runID, history.StatusError, err.Error())
		return "", fmt.Errorf("dispatch run %s: %w", runID, err)
	}
	log.WithRun(runID).Info("run dispatched", "workflow_id", wf.ID, "worker", w.id)
	return runID, nil
}

// ExecuteWorkflow starts a stored workflow with input. It serves the
// workflow.execute host call.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowID string, input json.RawMessage) (string, error) {
	return o.Execute(ctx, ExecutePayload{WorkflowID: workflowID, Input: input})
}

// StopExecution asks the worker to stop runID. Without a live worker the run
// cannot be executing, so its history record is finalized as stopped here.
func (o *Orchestrator) StopExecution(ctx context.Context, runID string) error {
	if w := o.lease.Current(); w != nil {
		if err := w.peer.Emit(graph.MsgStop, graph.StopArgs{RunID: runID}); err != nil {
			return fmt.Errorf("stop run %s: %w", runID, err)
		}
		log.WithRun(runID).Info("stop requested")
		return nil
	}

	if _, ok := o.runs.Take(runID); ok {
		o.lease.Release()
	}
	rec, err := o.cfg.History.GetByRunID(ctx, runID)
	if err != nil {
		return fmt.Errorf("lookup run %s: %w", runID, err)
	}
	if rec.Status.Terminal() {
		return nil
	}
	if _, err := o.cfg.History.Finalize(ctx, rec.ID, history.Finalization{
		Status:  history.StatusStopped,
		EndedAt: o.cfg.Now(),
	}); err != nil && !errors.Is(err, history.ErrAlreadyFinal) {
		return fmt.Errorf("finalize run %s: %w", runID, err)
	}
	o.publish(runID, events.TypeRunStopped, map[string]string{"workflow_id": rec.WorkflowID})
	return nil
}

// Shutdown tears the worker down and finalizes every run it still owned as
// stopped.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.shutdownOnce.Do(func() {
		if w := o.lease.Close(); w != nil {
			o.retire(w)
			select {
			case <-w.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		o.cancel()
	})
	return err
}

func (o *Orchestrator) spawn() (*workerConn, error) {
	proc, err := o.cfg.Launcher.Launch(o.ctx, o.cfg.Spec)
	if err != nil {
		return nil, err
	}
	w := &workerConn{id: uuid.NewString(), proc: proc, done: make(chan struct{})}
	logger := o.logger.With("worker", w.id, "pid", proc.Pid())

	w.peer = rpc.New(proc.API(),
		rpc.WithGate(o.cfg.Gate),
		rpc.WithTimeout(o.cfg.RPCTimeout),
		rpc.WithName(WorkerIdentity),
	)
	if o.cfg.HostAPI != nil {
		o.cfg.HostAPI.Register(w.peer, WorkerIdentity)
	}
	ready := make(chan struct{})
	var readyOnce sync.Once
	w.peer.Handle(graph.MsgReady, func(context.Context, json.RawMessage) (any, error) {
		readyOnce.Do(func() { close(ready) })
		return nil, nil
	})
	w.peer.Handle(graph.MsgFinish, o.onFinish)
	w.peer.Handle(graph.MsgError, o.onError)
	w.peer.Handle(graph.MsgNodeFinish, o.onNode(events.TypeNodeFinished))
	w.peer.Handle(graph.MsgNodeError, o.onNode(events.TypeNodeFailed))
	_ = proc.UI().Close()

	start, err := protocol.MarshalControl(&protocol.Control{Type: protocol.ControlStart, Payload: json.RawMessage(`{"role":"workflow"}`)})
	if err == nil {
		err = proc.Control().Send(start)
	}
	if err != nil {
		_ = w.peer.Close()
		_ = proc.Kill(o.cfg.KillGrace)
		return nil, fmt.Errorf("send start: %w", err)
	}

	timer := time.NewTimer(o.cfg.RPCTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-proc.Exited():
		_ = w.peer.Close()
		return nil, fmt.Errorf("workflow worker exited during startup: %s", proc.Stderr())
	case <-timer.C:
		_ = w.peer.Close()
		_ = proc.Kill(o.cfg.KillGrace)
		return nil, fmt.Errorf("workflow worker not ready after %s", o.cfg.RPCTimeout)
	}

	go o.watch(w)
	logger.Info("workflow worker started")
	o.publish("", events.TypeWorkerUp, map[string]any{"worker": w.id, "pid": proc.Pid()})
	return w, nil
}

func (o *Orchestrator) retire(w *workerConn) {
	o.logger.Info("retiring workflow worker", "worker", w.id)
	go func() {
		if err := w.proc.Kill(o.cfg.KillGrace); err != nil {
			o.logger.Warn("failed to stop workflow worker", "worker", w.id, "error", err)
		}
	}()
}

// watch handles the exit of w, expected or not.
func (o *Orchestrator) watch(w *workerConn) {
	defer close(w.done)
	logger := o.logger.With("worker", w.id)

	for msg := range w.proc.Control().Messages() {
		ctl, err := protocol.UnmarshalControl(msg)
		if err != nil {
			continue
		}
		if ctl.Type == protocol.ControlError {
			logger.Warn("workflow worker reported error", "message", ctl.Message)
		}
	}
	select {
	case <-w.proc.Exited():
	case <-time.After(o.cfg.KillGrace):
		_ = w.proc.Kill(o.cfg.KillGrace)
	}
	_ = w.peer.Close()

	expected := o.lease.drop(w)
	status, reason := history.StatusStopped, errShutdown
	if !expected {
		status, reason = history.StatusError, errWorkerExited
		logger.Error(reason, "exit_code", w.proc.ExitCode(), "stderr", w.proc.Stderr())
	} else {
		logger.Info("workflow worker stopped")
	}

	ids := o.runs.runsOf(w)
	for _, runID := range ids {
		o.finalize(runID, status, reason)
	}
	data := map[string]any{"worker": w.id, "exit_code": w.proc.ExitCode(), "expected": expected, "runs": len(ids)}
	if !expected {
		data["error"] = reason
	}
	o.publish("", events.TypeWorkerDown, data)
}

func (o *Orchestrator) onFinish(_ context.Context, raw json.RawMessage) (any, error) {
	var ev graph.FinishEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	if ev.Stopped {
		o.finalize(ev.RunID, history.StatusStopped, "")
	} else {
		o.finalize(ev.RunID, history.StatusFinish, "")
	}
	return nil, nil
}

func (o *Orchestrator) onError(_ context.Context, raw json.RawMessage) (any, error) {
	var ev graph.ErrorEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	msg := ev.Message
	if msg == "" {
		msg = "workflow failed"
	}
	o.finalize(ev.RunID, history.StatusError, msg)
	return nil, nil
}

func (o *Orchestrator) onNode(eventType string) rpc.HandlerFunc {
	return func(_ context.Context, raw json.RawMessage) (any, error) {
		var ev graph.NodeEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		o.publish(ev.RunID, eventType, raw)
		return nil, nil
	}
}

// finalize applies the terminal status of runID once. Unknown run ids are
// ignored: the run was already finalized.
func (o *Orchestrator) finalize(runID string, status history.Status, message string) {
	entry, ok := o.runs.Take(runID)
	if !ok {
		o.logger.Debug("ignoring terminal event for unknown run", "run_id", runID, "status", status)
		return
	}
	defer o.lease.Release()
	logger := log.WithRun(runID).With("workflow_id", entry.WorkflowID)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec, err := o.cfg.History.Finalize(ctx, entry.HistoryID, history.Finalization{
		Status:  status,
		EndedAt: o.cfg.Now(),
		Error:   message,
	})
	if err != nil && !errors.Is(err, history.ErrAlreadyFinal) {
		logger.Error("failed to finalize history", "status", status, "error", err)
	}

	data := map[string]any{"workflow_id": entry.WorkflowID, "status": status}
	if message != "" {
		data["error"] = message
	}
	if rec != nil && rec.Duration != nil {
		data["duration_ms"] = rec.Duration.Milliseconds()
	}
	switch status {
	case history.StatusFinish:
		logger.Info("run finished")
		o.publish(runID, events.TypeRunFinished, data)
	case history.StatusStopped:
		logger.Info("run stopped")
		o.publish(runID, events.TypeRunStopped, data)
	default:
		logger.Warn("run failed", "error", message)
		o.publish(runID, events.TypeRunFailed, data)
	}
}

func (o *Orchestrator) publish(runID, eventType string, data any) {
	if o.cfg.Hub == nil {
		return
	}
	o.cfg.Hub.PublishRun(runID, eventType, data)
}
