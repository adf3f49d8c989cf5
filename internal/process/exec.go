package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/log"
)

// Child file descriptors for the API and UI channels. Control uses
// stdin/stdout.
const (
	FDAPIIn  = 3
	FDAPIOut = 4
	FDUIIn   = 5
	FDUIOut  = 6
)

const stderrDrainTimeout = 200 * time.Millisecond

// Exec launches OS processes.
type Exec struct{}

var _ Launcher = Exec{}

type execProcess struct {
	cmd     *exec.Cmd
	control channel.Channel
	api     channel.Channel
	ui      channel.Channel
	stderr  *CappedBuffer
	logger  *slog.Logger

	exited  chan struct{}
	exitErr error
}

// duplex is a pair of OS pipes, one per direction.
type duplex struct {
	hostR, hostW   *os.File
	childR, childW *os.File
}

func openDuplex() (*duplex, error) {
	childR, hostW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	hostR, childW, err := os.Pipe()
	if err != nil {
		_ = childR.Close()
		_ = hostW.Close()
		return nil, err
	}
	return &duplex{hostR: hostR, hostW: hostW, childR: childR, childW: childW}, nil
}

func (d *duplex) closeChild() {
	_ = d.childR.Close()
	_ = d.childW.Close()
}

func (d *duplex) closeAll() {
	d.closeChild()
	_ = d.hostR.Close()
	_ = d.hostW.Close()
}

// Launch starts spec as an OS process in its own process group.
func (Exec) Launch(ctx context.Context, spec Spec) (Process, error) {
	if spec.Path == "" {
		return nil, errors.New("process path is required")
	}
	name := spec.Name
	if name == "" {
		name = spec.Path
	}
	logger := log.WithComponent("process").With("name", name)

	var pipes []*duplex
	fail := func(err error) (Process, error) {
		for _, d := range pipes {
			d.closeAll()
		}
		return nil, err
	}
	for range 3 {
		d, err := openDuplex()
		if err != nil {
			return fail(fmt.Errorf("create pipes: %w", err))
		}
		pipes = append(pipes, d)
	}
	control, api, ui := pipes[0], pipes[1], pipes[2]

	errR, errW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("create stderr pipe: %w", err))
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = control.childR
	cmd.Stdout = control.childW
	cmd.Stderr = errW
	cmd.ExtraFiles = []*os.File{api.childR, api.childW, ui.childR, ui.childW}
	ConfigureGroup(cmd)

	logger.Debug("spawning process", "path", spec.Path, "args", spec.Args)
	if err := cmd.Start(); err != nil {
		_ = errR.Close()
		_ = errW.Close()
		return fail(fmt.Errorf("start process: %w", err))
	}
	for _, d := range pipes {
		d.closeChild()
	}
	_ = errW.Close()

	p := &execProcess{
		cmd:     cmd,
		control: channel.NewStream(name+".control", control.hostR, control.hostW),
		api:     channel.NewStream(name+".api", api.hostR, api.hostW),
		ui:      channel.NewStream(name+".ui", ui.hostR, ui.hostW),
		stderr:  NewCappedBuffer(MaxStderrBytes),
		logger:  logger.With("pid", cmd.Process.Pid),
		exited:  make(chan struct{}),
	}

	stderrDone := make(chan struct{})
	go p.copyStderr(errR, stderrDone)
	go p.wait(stderrDone)
	go func() {
		select {
		case <-ctx.Done():
			p.logger.Debug("context cancelled, terminating process")
			if err := p.Kill(DefaultKillGrace); err != nil {
				p.logger.Warn("failed to terminate process", "error", err)
			}
		case <-p.exited:
		}
	}()

	return p, nil
}

// copyStderr mirrors child stderr into the host log at debug level and keeps
// a capped copy.
func (p *execProcess) copyStderr(r io.ReadCloser, done chan<- struct{}) {
	defer close(done)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		p.logger.Debug("child stderr", "line", string(line))
		_, _ = p.stderr.Write(line)
		_, _ = p.stderr.Write([]byte{'\n'})
	}
	// Keep the pipe drained so the child never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}

func (p *execProcess) wait(stderrDone <-chan struct{}) {
	err := p.cmd.Wait()

	timer := time.NewTimer(stderrDrainTimeout)
	defer timer.Stop()
	select {
	case <-stderrDone:
	case <-timer.C:
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.logger.Warn("wait for process failed", "error", err)
	}
	p.exitErr = err
	p.logger.Debug("process exited", "exit_code", p.cmd.ProcessState.ExitCode())
	close(p.exited)
}

func (p *execProcess) Pid() int                 { return p.cmd.Process.Pid }
func (p *execProcess) Control() channel.Channel { return p.control }
func (p *execProcess) API() channel.Channel     { return p.api }
func (p *execProcess) UI() channel.Channel      { return p.ui }
func (p *execProcess) Exited() <-chan struct{}  { return p.exited }

func (p *execProcess) ExitCode() int {
	select {
	case <-p.exited:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

func (p *execProcess) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

func (p *execProcess) Stderr() string {
	return p.stderr.String()
}

func (p *execProcess) Kill(grace time.Duration) error {
	return Terminate(p.cmd.Process, p.exited, grace)
}
