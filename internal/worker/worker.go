// Package worker is the child side of the host protocol. A worker reads one
// start message from its control channel, runs a Body with an RPC peer bound
// to the host API channel, and answers with finish or error.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/process"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/rpc"
)

// ErrNoStart is returned when the control channel closes before a start
// message arrives.
var ErrNoStart = errors.New("control channel closed before start")

// Body is the work performed for one start message. host calls back into the
// host API; ui is forwarded to the host's UI surface.
type Body func(ctx context.Context, payload json.RawMessage, host *rpc.Peer, ui channel.Channel) (any, error)

// Serve runs body for the start message received on ends.Control. The body's
// context is cancelled when ctx is, or when the host closes the control
// channel.
func Serve(ctx context.Context, ends process.Ends, body Body, opts ...rpc.Option) error {
	logger := log.WithComponent("worker")
	defer ends.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start, err := awaitStart(ctx, ends.Control)
	if err != nil {
		return err
	}

	host := rpc.New(ends.API, opts...)
	defer host.Close()

	go func() {
		select {
		case <-ends.Control.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	value, runErr := run(ctx, body, start.Payload, host, ends.UI)

	reply := &protocol.Control{Type: protocol.ControlFinish}
	if runErr != nil {
		logger.Debug("worker body failed", "error", runErr)
		msg := runErr.Error()
		if msg == "" {
			msg = "worker failed"
		}
		reply = &protocol.Control{Type: protocol.ControlError, Message: msg}
	} else if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			reply = &protocol.Control{Type: protocol.ControlError, Message: fmt.Sprintf("marshal result: %v", err)}
		} else {
			reply.Value = raw
		}
	}

	raw, err := protocol.MarshalControl(reply)
	if err != nil {
		return err
	}
	if err := ends.Control.Send(raw); err != nil {
		return fmt.Errorf("send %s: %w", reply.Type, err)
	}
	return runErr
}

func awaitStart(ctx context.Context, control channel.Channel) (*protocol.Control, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-control.Messages():
			if !ok {
				return nil, ErrNoStart
			}
			c, err := protocol.UnmarshalControl(msg)
			if err != nil {
				log.WithComponent("worker").Warn("ignoring invalid control message", "error", err)
				continue
			}
			if c.Type != protocol.ControlStart {
				log.WithComponent("worker").Warn("ignoring control message before start", "type", c.Type)
				continue
			}
			return c, nil
		}
	}
}

func run(ctx context.Context, body Body, payload json.RawMessage, host *rpc.Peer, ui channel.Channel) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return body(ctx, payload, host, ui)
}

// StdioEnds binds the channels an Exec launcher hands a child: control on
// stdin/stdout, API and UI on the extra descriptors.
func StdioEnds() process.Ends {
	return process.Ends{
		Control: channel.NewStream("control", os.Stdin, os.Stdout),
		API:     channel.NewStream("api", os.NewFile(process.FDAPIIn, "api-in"), os.NewFile(process.FDAPIOut, "api-out")),
		UI:      channel.NewStream("ui", os.NewFile(process.FDUIIn, "ui-in"), os.NewFile(process.FDUIOut, "ui-out")),
	}
}

// Main is the entry point of a worker binary. Logs go to stderr because
// stdout carries the control channel. It returns the process exit code.
func Main(body Body, opts ...rpc.Option) int {
	level := os.Getenv("CONDUIT_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	log.SetupChild(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Serve(ctx, StdioEnds(), body, opts...); err != nil {
		log.Error("worker exited with error", "error", err)
		return 1
	}
	return 0
}
