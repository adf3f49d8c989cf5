package runner

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/process"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/rpc"
)

// WorkerConfig describes an isolated worker run.
type WorkerConfig struct {
	Launcher process.Launcher
	Spec     process.Spec
	Payload  any

	// Gate authorizes privileged host calls made by the worker.
	Gate rpc.Gate
	// HostAPI registers the host handlers the worker may call.
	HostAPI func(peer *rpc.Peer)
	// Surface receives the worker's UI channel. Without one UI messages are
	// discarded.
	Surface UISurface

	KillGrace  time.Duration
	RPCTimeout time.Duration
}

// Worker runs a child that speaks the control protocol: it gets a start
// message and answers with finish or error.
type Worker struct {
	base
	cfg WorkerConfig
}

var _ Runner = (*Worker)(nil)

func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Launcher == nil {
		cfg.Launcher = process.Exec{}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = process.DefaultKillGrace
	}
	return &Worker{base: newBase("worker"), cfg: cfg}
}

func (w *Worker) Run(ctx context.Context, opts Options) (Result, error) {
	if err := w.begin(); err != nil {
		return Result{}, err
	}
	go w.run(ctx)
	return w.await(opts)
}

func (w *Worker) run(ctx context.Context) {
	payload, err := marshalPayload(w.cfg.Payload)
	if err != nil {
		w.fail(err)
		return
	}

	procCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc, err := w.cfg.Launcher.Launch(procCtx, w.cfg.Spec)
	if err != nil {
		w.fail(err)
		return
	}
	w.logger.Debug("worker started", "pid", proc.Pid(), "path", w.cfg.Spec.Path)

	peerOpts := []rpc.Option{rpc.WithName(w.cfg.Spec.Name), rpc.WithGate(w.cfg.Gate)}
	if w.cfg.RPCTimeout > 0 {
		peerOpts = append(peerOpts, rpc.WithTimeout(w.cfg.RPCTimeout))
	}
	api := rpc.New(proc.API(), peerOpts...)
	defer api.Close()
	if w.cfg.HostAPI != nil {
		w.cfg.HostAPI(api)
	}
	w.attachUI(proc.UI())

	start, err := protocol.MarshalControl(&protocol.Control{Type: protocol.ControlStart, Payload: payload})
	if err != nil {
		w.kill(proc)
		w.fail(err)
		return
	}
	if err := proc.Control().Send(start); err != nil {
		// A child that is already gone still completes through supervise.
		w.logger.Debug("start message not delivered", "error", err)
	}

	w.supervise(ctx, proc)
}

func (w *Worker) attachUI(ui channel.Channel) {
	if w.cfg.Surface != nil {
		w.cfg.Surface.Attach(w.id, ui)
		return
	}
	go func() {
		for range ui.Messages() {
		}
	}()
}

func (w *Worker) supervise(ctx context.Context, proc process.Process) {
	for {
		select {
		case msg, ok := <-proc.Control().Messages():
			if !ok {
				// The exit itself completes the run when no terminal message came.
				w.awaitExit(proc)
				w.finish(ReasonDone, nil, nil)
				return
			}
			ctl, err := protocol.UnmarshalControl(msg)
			if err != nil || !ctl.IsTerminal() {
				w.emitMessage(msg)
				continue
			}
			w.kill(proc)
			if ctl.Type == protocol.ControlError {
				w.fail(errors.New(ctl.Message))
				return
			}
			w.finish(ReasonDone, ctl.Value, nil)
			return
		case <-w.stop:
			w.kill(proc)
			w.finish(ReasonStopped, nil, nil)
			return
		case <-ctx.Done():
			w.kill(proc)
			w.finishContext(ctx.Err())
			return
		}
	}
}

func (w *Worker) awaitExit(proc process.Process) {
	timer := time.NewTimer(w.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-proc.Exited():
	case <-timer.C:
		w.kill(proc)
	}
}

func (w *Worker) kill(proc process.Process) {
	if err := proc.Kill(w.cfg.KillGrace); err != nil {
		w.logger.Warn("failed to kill worker", "error", err)
	}
	_ = proc.Control().Close()
	_ = proc.UI().Close()
}
