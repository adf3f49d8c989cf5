package channel

import (
	"encoding/json"
	"sync"
)

// pipeState is shared by both endpoints of a Pipe; closing either end tears
// down both.
type pipeState struct {
	once sync.Once
	done chan struct{}
}

// inbox is an unbounded, order-preserving queue drained by a pump goroutine.
type inbox struct {
	mu     sync.Mutex
	items  []json.RawMessage
	closed bool
	notify chan struct{}
	out    chan json.RawMessage
}

func newInbox() *inbox {
	return &inbox{
		notify: make(chan struct{}, 1),
		out:    make(chan json.RawMessage),
	}
}

func (q *inbox) push(msg json.RawMessage) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *inbox) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pump delivers queued messages until the inbox is closed and empty.
func (q *inbox) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.notify
			continue
		}
		msg := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- msg
	}
}

type pipeEnd struct {
	state *pipeState
	in    *inbox
	peer  *inbox
}

var _ Channel = (*pipeEnd)(nil)

// Pipe returns two connected in-memory endpoints.
func Pipe() (Channel, Channel) {
	state := &pipeState{done: make(chan struct{})}
	a, b := newInbox(), newInbox()
	go a.pump()
	go b.pump()

	return &pipeEnd{state: state, in: a, peer: b}, &pipeEnd{state: state, in: b, peer: a}
}

func (p *pipeEnd) Send(msg json.RawMessage) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	cp := make(json.RawMessage, len(msg))
	copy(cp, msg)
	return p.peer.push(cp)
}

func (p *pipeEnd) Messages() <-chan json.RawMessage {
	return p.in.out
}

func (p *pipeEnd) Done() <-chan struct{} {
	return p.state.done
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() {
		close(p.state.done)
		p.in.close()
		p.peer.close()
	})
	return nil
}
