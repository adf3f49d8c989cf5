package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/log"
)

// ErrKilled is the exit error of a Func child that ignored cancellation.
var ErrKilled = errors.New("process killed")

// Func runs Body on a goroutine in place of an OS process, wired to the host
// with in-memory pipes. Used to embed children in the host binary and in
// tests.
type Func struct {
	Body func(ctx context.Context, spec Spec, ends Ends) error
}

var _ Launcher = Func{}

type funcProcess struct {
	control channel.Channel
	api     channel.Channel
	ui      channel.Channel
	cancel  context.CancelFunc

	exited chan struct{}
	once   sync.Once
	mu     sync.Mutex
	err    error
}

func (f Func) Launch(ctx context.Context, spec Spec) (Process, error) {
	if f.Body == nil {
		return nil, errors.New("func process body is required")
	}
	hostControl, childControl := channel.Pipe()
	hostAPI, childAPI := channel.Pipe()
	hostUI, childUI := channel.Pipe()
	ends := Ends{Control: childControl, API: childAPI, UI: childUI}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &funcProcess{
		control: hostControl,
		api:     hostAPI,
		ui:      hostUI,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}
	logger := log.WithComponent("process").With("name", spec.Name)

	go func() {
		defer cancel()
		err := runBody(runCtx, f.Body, spec, ends)
		_ = ends.Close()
		if err != nil {
			logger.Debug("func process exited", "error", err)
		}
		p.finish(err)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Kill(DefaultKillGrace)
		case <-p.exited:
		}
	}()
	return p, nil
}

func runBody(ctx context.Context, body func(context.Context, Spec, Ends) error, spec Spec, ends Ends) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return body(ctx, spec, ends)
}

func (p *funcProcess) finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *funcProcess) Pid() int                 { return 0 }
func (p *funcProcess) Control() channel.Channel { return p.control }
func (p *funcProcess) API() channel.Channel     { return p.api }
func (p *funcProcess) UI() channel.Channel      { return p.ui }
func (p *funcProcess) Exited() <-chan struct{}  { return p.exited }

func (p *funcProcess) ExitCode() int {
	select {
	case <-p.exited:
	default:
		return -1
	}
	if p.ExitErr() != nil {
		return 1
	}
	return 0
}

func (p *funcProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *funcProcess) Stderr() string {
	if err := p.ExitErr(); err != nil {
		msg := err.Error()
		if len(msg) > MaxStderrBytes {
			msg = msg[:MaxStderrBytes]
		}
		return msg
	}
	return ""
}

// Kill cancels the body's context. A body still running after grace is
// abandoned: its channels are closed and the process reports ErrKilled.
func (p *funcProcess) Kill(grace time.Duration) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	p.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		_ = p.control.Close()
		_ = p.api.Close()
		_ = p.ui.Close()
		p.finish(ErrKilled)
	}
	return nil
}
