package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/conduit/internal/channel"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
)

// DefaultTimeout bounds every Call unless overridden with WithTimeout.
const DefaultTimeout = 10 * time.Second

// HandlerFunc serves one named operation. For events the return values are
// ignored; for requests they become the result envelope.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

type handler struct {
	fn         HandlerFunc
	capability string
}

type pendingCall struct {
	name   string
	result chan outcome
}

type outcome struct {
	result json.RawMessage
	err    error
}

// Option configures a Peer.
type Option func(*Peer)

// WithTimeout overrides DefaultTimeout for outbound calls.
func WithTimeout(d time.Duration) Option {
	return func(p *Peer) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithGate installs the permission gate consulted by privileged handlers.
func WithGate(g Gate) Option {
	return func(p *Peer) {
		if g != nil {
			p.gate = g
		}
	}
}

// WithName tags the peer's log lines.
func WithName(name string) Option {
	return func(p *Peer) {
		p.logger = p.logger.With("peer", name)
	}
}

// Peer is one side of an RPC conversation over a Channel.
type Peer struct {
	ch      channel.Channel
	gate    Gate
	timeout time.Duration
	logger  *slog.Logger
	seq     atomic.Uint64

	mu       sync.Mutex
	handlers map[string]handler
	pending  map[string]pendingCall
	closed   bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New starts a Peer reading from ch. The peer owns ch from now on and closes
// it on teardown.
func New(ch channel.Channel, opts ...Option) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		ch:       ch,
		gate:     DenyAll,
		timeout:  DefaultTimeout,
		logger:   log.WithComponent("rpc"),
		handlers: make(map[string]handler),
		pending:  make(map[string]pendingCall),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.readLoop()
	return p
}

// Handle registers fn for name. A later registration under the same name
// replaces the earlier one.
func (p *Peer) Handle(name string, fn HandlerFunc) {
	p.register(name, handler{fn: fn})
}

// HandlePrivileged registers fn behind the Gate. Requests are refused with a
// PermissionError unless the gate allows capability.
func (p *Peer) HandlePrivileged(name, capability string, fn HandlerFunc) {
	p.register(name, handler{fn: fn, capability: capability})
}

func (p *Peer) register(name string, h handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

// Unhandle removes the handler for name.
func (p *Peer) Unhandle(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, name)
}

// Handlers returns the registered handler names, sorted.
func (p *Peer) Handlers() []string {
	p.mu.Lock()
	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	p.mu.Unlock()
	slices.Sort(names)
	return names
}

// CheckNames reports handlers registered under names missing from allowed.
func (p *Peer) CheckNames(allowed []string) error {
	var unknown []string
	for _, name := range p.Handlers() {
		if !slices.Contains(allowed, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("handlers not in allow-list: %v", unknown)
	}
	return nil
}

// Emit sends a fire-and-forget event.
func (p *Peer) Emit(name string, args any) error {
	raw, err := marshalValue(args)
	if err != nil {
		return fmt.Errorf("marshal %s args: %w", name, err)
	}
	return p.send(protocol.NewEvent(name, raw))
}

// Call sends a request and waits for its result. It fails with ErrTimeout
// when the peer's timeout elapses first, and with ErrDestroyed when the peer
// is torn down while the call is in flight.
func (p *Peer) Call(ctx context.Context, name string, args any) (json.RawMessage, error) {
	raw, err := marshalValue(args)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", name, err)
	}

	id := strconv.FormatUint(p.seq.Add(1), 10)
	call := pendingCall{name: name, result: make(chan outcome, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: call %s", ErrDestroyed, name)
	}
	p.pending[id] = call
	p.mu.Unlock()

	if err := p.send(protocol.NewRequest(id, name, raw)); err != nil {
		if p.take(id) {
			return nil, err
		}
		out := <-call.result
		return out.result, out.err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case out := <-call.result:
		return out.result, out.err
	case <-timer.C:
		if p.take(id) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, name, p.timeout)
		}
	case <-ctx.Done():
		if p.take(id) {
			return nil, ctx.Err()
		}
	}
	// Settled concurrently with the timer or context; the outcome is buffered.
	out := <-call.result
	return out.result, out.err
}

// CallInto is Call followed by decoding the result into T.
func CallInto[T any](ctx context.Context, p *Peer, name string, args any) (T, error) {
	var v T
	raw, err := p.Call(ctx, name, args)
	if err != nil || len(raw) == 0 {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s result: %w", name, err)
	}
	return v, nil
}

// Pending reports how many outbound calls await a result.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Done is closed once the peer has been torn down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close tears the peer down. Every pending call is rejected with
// ErrDestroyed, handler contexts are cancelled and the channel is closed.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		pending := p.pending
		p.pending = make(map[string]pendingCall)
		p.mu.Unlock()

		for id, call := range pending {
			call.result <- outcome{err: fmt.Errorf("%w: call %s (%s) abandoned", ErrDestroyed, call.name, id)}
		}
		p.cancel()
		err = p.ch.Close()
		close(p.done)
		if len(pending) > 0 {
			p.logger.Debug("peer closed with pending calls", "rejected", len(pending))
		}
	})
	return err
}

// take removes a pending entry. Only the caller that removed it may settle it.
func (p *Peer) take(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; !ok {
		return false
	}
	delete(p.pending, id)
	return true
}

func (p *Peer) send(env *protocol.Envelope) error {
	raw, err := protocol.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := p.ch.Send(raw); err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return fmt.Errorf("%w: send %s", ErrDestroyed, env.Name)
		}
		return err
	}
	return nil
}

func (p *Peer) readLoop() {
	defer p.Close()
	for msg := range p.ch.Messages() {
		p.dispatch(msg)
	}
}

func (p *Peer) dispatch(msg json.RawMessage) {
	env, err := protocol.UnmarshalEnvelope(msg)
	if err != nil {
		if env != nil && env.Kind == protocol.KindRequest && env.ID != "" {
			name := env.Name
			if name == "" {
				name = "unknown"
			}
			p.reply(env.ID, name, nil, err)
		}
		p.logger.Warn("dropping invalid envelope", "error", err)
		return
	}

	switch env.Kind {
	case protocol.KindResult:
		p.settle(env)
	case protocol.KindEvent:
		p.handleEvent(env)
	case protocol.KindRequest:
		go p.handleRequest(env)
	}
}

func (p *Peer) settle(env *protocol.Envelope) {
	p.mu.Lock()
	call, ok := p.pending[env.ID]
	if ok {
		delete(p.pending, env.ID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("dropping result for unknown call", "id", env.ID, "name", env.Name)
		return
	}
	if env.Error {
		call.result <- outcome{err: &RemoteError{Name: env.Name, Message: env.ErrorMessage}}
		return
	}
	call.result <- outcome{result: env.Result}
}

func (p *Peer) handleEvent(env *protocol.Envelope) {
	p.mu.Lock()
	_, ok := p.handlers[env.Name]
	p.mu.Unlock()
	if !ok {
		return
	}
	if _, err := p.invoke(env); err != nil {
		p.logger.Warn("event handler failed", "name", env.Name, "error", err)
	}
}

func (p *Peer) handleRequest(env *protocol.Envelope) {
	result, err := p.invoke(env)
	p.reply(env.ID, env.Name, result, err)
}

func (p *Peer) reply(id, name string, result any, herr error) {
	var env *protocol.Envelope
	if herr != nil {
		msg := herr.Error()
		if msg == "" {
			msg = "unknown error"
		}
		env = protocol.NewErrorResult(id, name, msg)
	} else {
		raw, err := marshalValue(result)
		if err != nil {
			env = protocol.NewErrorResult(id, name, fmt.Sprintf("marshal result: %v", err))
		} else {
			env = protocol.NewResult(id, name, raw)
		}
	}
	if err := p.send(env); err != nil {
		p.logger.Debug("result not delivered", "name", name, "id", id, "error", err)
	}
}

func (p *Peer) invoke(env *protocol.Envelope) (result any, err error) {
	p.mu.Lock()
	h, ok := p.handlers[env.Name]
	gate := p.gate
	p.mu.Unlock()

	if !ok {
		return nil, &MissingHandlerError{Name: env.Name}
	}
	if h.capability != "" && !gate.Allow(h.capability) {
		return nil, &PermissionError{Capability: h.capability}
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", "name", env.Name, "panic", r)
			result, err = nil, fmt.Errorf("handler %s panicked: %v", env.Name, r)
		}
	}()
	return h.fn(p.ctx, env.Args)
}

func marshalValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
