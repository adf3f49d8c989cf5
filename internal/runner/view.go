package runner

import (
	"context"
	"errors"
	"os"

	"github.com/mattjoyce/conduit/internal/process"
)

// ViewConfig describes a view run.
type ViewConfig struct {
	Request ViewRequest
	Toggle  bool
	Surface UISurface

	// ActionFile is an optional worker executable run beside the view. It is
	// started only if the file exists.
	ActionFile string
	// Action supplies the launcher, gate and host API of the side worker.
	Action WorkerConfig
}

// View hands control to a UI surface and never waits for a process exit.
type View struct {
	base
	cfg    ViewConfig
	action *Worker
}

var _ Runner = (*View)(nil)

func NewView(cfg ViewConfig) *View {
	v := &View{base: newBase("view"), cfg: cfg}
	v.cfg.Request.RunID = v.id
	return v
}

func (v *View) Run(ctx context.Context, opts Options) (Result, error) {
	if err := v.begin(); err != nil {
		return Result{}, err
	}
	v.open(ctx)
	return v.await(opts)
}

func (v *View) open(ctx context.Context) {
	if v.cfg.Surface == nil {
		v.fail(errors.New("no UI surface configured"))
		return
	}

	var err error
	if v.cfg.Toggle {
		err = v.cfg.Surface.Toggle(ctx, v.cfg.Request)
	} else {
		err = v.cfg.Surface.Open(ctx, v.cfg.Request)
	}
	if err != nil {
		v.fail(err)
		return
	}

	if v.cfg.ActionFile != "" {
		if _, statErr := os.Stat(v.cfg.ActionFile); statErr == nil {
			v.startAction(ctx)
		} else {
			v.logger.Debug("view action not present", "file", v.cfg.ActionFile)
		}
	}
	v.finish(ReasonDone, nil, nil)
}

func (v *View) startAction(ctx context.Context) {
	cfg := v.cfg.Action
	cfg.Spec = process.Spec{
		Name: v.cfg.Request.Extension + "." + v.cfg.Request.Command + ".action",
		Path: v.cfg.ActionFile,
		Dir:  cfg.Spec.Dir,
		Env:  cfg.Spec.Env,
	}
	cfg.Payload = v.cfg.Request.Payload
	cfg.Surface = v.cfg.Surface

	action := NewWorker(cfg)
	action.Observe(Observer{
		OnMessage: v.emitMessage,
		OnError:   v.emitError,
	})
	v.mu.Lock()
	v.action = action
	v.mu.Unlock()
	// The view outlives the request that opened it.
	_, _ = action.Run(context.WithoutCancel(ctx), Options{})
}

// Action returns the side worker, if one was started.
func (v *View) Action() Runner {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.action == nil {
		return nil
	}
	return v.action
}

// Stop closes the side worker. The view itself has already finished.
func (v *View) Stop() error {
	v.mu.Lock()
	action := v.action
	v.mu.Unlock()
	if action != nil {
		_ = action.Stop()
	}
	return v.base.Stop()
}
