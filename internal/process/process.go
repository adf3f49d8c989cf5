// Package process launches the children a host talks to. Every child gets
// three duplex channels: control (start/finish/error), API (RPC back into the
// host) and UI (forwarded to a UI surface).
package process

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/conduit/internal/channel"
)

const (
	// MaxStderrBytes caps the amount of stderr kept per child.
	MaxStderrBytes = 64 * 1024

	// DefaultKillGrace is the time allowed between SIGTERM and SIGKILL.
	DefaultKillGrace = 5 * time.Second
)

// Spec describes a child to launch.
type Spec struct {
	Name string
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Ends are the child's side of its channels.
type Ends struct {
	Control channel.Channel
	API     channel.Channel
	UI      channel.Channel
}

// Close closes every non-nil end.
func (e Ends) Close() error {
	var errs []error
	for _, ch := range []channel.Channel{e.Control, e.API, e.UI} {
		if ch != nil {
			errs = append(errs, ch.Close())
		}
	}
	return errors.Join(errs...)
}

// Process is a running child as seen from the host.
type Process interface {
	Pid() int
	Control() channel.Channel
	API() channel.Channel
	UI() channel.Channel

	// Exited is closed once the child is gone. ExitCode, ExitErr and Stderr
	// are final after that.
	Exited() <-chan struct{}
	ExitCode() int
	ExitErr() error
	Stderr() string

	// Kill terminates the child, escalating after grace. It is a no-op on an
	// exited child.
	Kill(grace time.Duration) error
}

// Launcher starts children. Cancelling ctx kills the child.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}
