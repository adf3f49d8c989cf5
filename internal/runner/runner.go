// Package runner executes one unit of extension work in a child process.
//
// Every variant starts exactly one child per Run and reports through the same
// observer events: message, error and finish. Without WaitUntilFinished, Run
// returns the run id at once and failures surface only as events.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/conduit/internal/log"
)

// FinishReason explains why a run ended.
type FinishReason string

const (
	ReasonDone      FinishReason = "done"
	ReasonStopped   FinishReason = "stopped"
	ReasonTimeout   FinishReason = "timeout"
	ReasonTerminate FinishReason = "terminate"
)

var (
	// ErrAlreadyStarted is returned by a second Run on the same runner.
	ErrAlreadyStarted = errors.New("runner already started")

	// ErrTimeout is the error of a run that hit its deadline.
	ErrTimeout = errors.New("run timed out")
)

// Options control a single Run.
type Options struct {
	WaitUntilFinished bool
}

// Result is what Run returns. Reason and Data are set only when the caller
// waited for the run to finish.
type Result struct {
	RunID  string
	Reason FinishReason
	Data   json.RawMessage
}

// Observer receives runner events. Nil callbacks are skipped.
type Observer struct {
	OnMessage func(msg json.RawMessage)
	OnError   func(errorMessage string)
	OnFinish  func(reason FinishReason, data json.RawMessage)
}

// Runner is one execution attempt.
type Runner interface {
	ID() string
	Run(ctx context.Context, opts Options) (Result, error)
	// Stop terminates the child. It is idempotent and safe after exit.
	Stop() error
	// Observe registers o and returns a function that removes it.
	Observe(o Observer) func()
	// Done is closed after the finish event.
	Done() <-chan struct{}
}

// base carries the bookkeeping shared by every variant.
type base struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	observers map[int]Observer
	nextObs   int
	started   bool
	finished  bool
	result    Result
	err       error

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newBase(kind string) base {
	id := uuid.NewString()
	return base{
		id:        id,
		logger:    log.WithRun(id).With("component", "runner", "runner", kind),
		observers: make(map[int]Observer),
		result:    Result{RunID: id},
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

func (b *base) ID() string {
	return b.id
}

func (b *base) Done() <-chan struct{} {
	return b.done
}

func (b *base) Observe(o Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = o
	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

func (b *base) begin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.finished {
		return ErrAlreadyStarted
	}
	b.started = true
	return nil
}

func (b *base) snapshot() []Observer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Observer, 0, len(b.observers))
	for _, o := range b.observers {
		out = append(out, o)
	}
	return out
}

func (b *base) emitMessage(msg json.RawMessage) {
	for _, o := range b.snapshot() {
		if o.OnMessage != nil {
			o.OnMessage(msg)
		}
	}
}

func (b *base) emitError(message string) {
	b.logger.Debug("run error", "error", message)
	for _, o := range b.snapshot() {
		if o.OnError != nil {
			o.OnError(message)
		}
	}
}

// finish records the outcome once and notifies observers. Later calls are
// ignored.
func (b *base) finish(reason FinishReason, data json.RawMessage, err error) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	b.result.Reason = reason
	b.result.Data = data
	b.err = err
	b.mu.Unlock()

	b.logger.Debug("run finished", "reason", reason)
	for _, o := range b.snapshot() {
		if o.OnFinish != nil {
			o.OnFinish(reason, data)
		}
	}
	close(b.done)
}

// fail reports err as an error event followed by a terminate finish.
func (b *base) fail(err error) {
	b.emitError(err.Error())
	b.finish(ReasonTerminate, nil, err)
}

// finishContext maps a cancelled context to a finish reason.
func (b *base) finishContext(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		b.emitError(ErrTimeout.Error())
		b.finish(ReasonTimeout, nil, ErrTimeout)
		return
	}
	b.finish(ReasonTerminate, nil, err)
}

func (b *base) requestStop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Stop asks the run to terminate. A runner that never started finishes
// immediately as stopped.
func (b *base) Stop() error {
	b.requestStop()
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		b.finish(ReasonStopped, nil, nil)
	}
	return nil
}

func (b *base) await(opts Options) (Result, error) {
	if !opts.WaitUntilFinished {
		return Result{RunID: b.id}, nil
	}
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.result, b.err
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
