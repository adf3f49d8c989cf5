package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/process"
	"github.com/mattjoyce/conduit/internal/rpc"
)

// DefaultIdleTimeout is how long an unused workflow worker is kept alive.
const DefaultIdleTimeout = 5 * time.Minute

// ErrShutdown is returned once the orchestrator has been shut down.
var ErrShutdown = errors.New("orchestrator is shut down")

// retireMargin pads the wait for a retiring worker beyond its kill grace.
const retireMargin = time.Second

// workerConn is one live workflow worker process and its RPC peer.
type workerConn struct {
	id   string
	proc process.Process
	peer *rpc.Peer
	// done closes after the exit of proc has been fully handled.
	done chan struct{}

	// retired and exited are guarded by the owning lease's mutex.
	retired bool
	exited  bool
}

// WorkerLease holds at most one workflow worker. Every successful Acquire
// counts one in-flight run until the matching Release. The idle timer is
// armed only while that count is zero.
//
// A worker being torn down stays in retiring until its exit is handled, and
// Acquire does not start a replacement before then. Spawning happens outside
// the mutex; concurrent Acquires wait for the one in progress.
type WorkerLease struct {
	spawn      func() (*workerConn, error)
	retire     func(*workerConn)
	idle       time.Duration
	retireWait time.Duration

	mu       sync.Mutex
	cur      *workerConn
	retiring *workerConn
	spawning chan struct{}
	active   int
	timer    *time.Timer
	gen      uint64
	spawns   int
	closed   bool
}

func newWorkerLease(idle, killGrace time.Duration, spawn func() (*workerConn, error), retire func(*workerConn)) *WorkerLease {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if killGrace <= 0 {
		killGrace = process.DefaultKillGrace
	}
	// watch may wait one grace for the exit and another for the kill.
	return &WorkerLease{spawn: spawn, retire: retire, idle: idle, retireWait: 2*killGrace + retireMargin}
}

// Acquire returns the live worker, spawning one if needed, and disarms the
// idle timer.
func (l *WorkerLease) Acquire() (*workerConn, error) {
	l.mu.Lock()
	for {
		if l.closed {
			l.mu.Unlock()
			return nil, ErrShutdown
		}
		l.disarm()
		if l.cur != nil {
			l.active++
			w := l.cur
			l.mu.Unlock()
			return w, nil
		}
		if ch := l.spawning; ch != nil {
			l.mu.Unlock()
			<-ch
			l.mu.Lock()
			continue
		}
		if r := l.retiring; r != nil {
			l.mu.Unlock()
			l.awaitExit(r)
			l.mu.Lock()
			if l.retiring == r {
				l.retiring = nil
			}
			continue
		}
		break
	}
	ch := make(chan struct{})
	l.spawning = ch
	l.mu.Unlock()

	w, err := l.spawn()

	l.mu.Lock()
	l.spawning = nil
	close(ch)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.spawns++
	if w.exited {
		l.mu.Unlock()
		return nil, errors.New("workflow worker exited during startup")
	}
	if l.closed {
		w.retired = true
		l.retiring = w
		l.mu.Unlock()
		l.retire(w)
		return nil, ErrShutdown
	}
	l.cur = w
	l.active++
	l.mu.Unlock()
	return w, nil
}

func (l *WorkerLease) awaitExit(w *workerConn) {
	timer := time.NewTimer(l.retireWait)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
	}
}

// Release ends one in-flight run. The last one out arms the idle timer.
func (l *WorkerLease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
	if l.active == 0 && l.cur != nil && !l.closed {
		l.arm()
	}
}

// Current returns the live worker or nil.
func (l *WorkerLease) Current() *workerConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur
}

// Active returns the number of in-flight runs.
func (l *WorkerLease) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Spawns returns how many workers this lease has started.
func (l *WorkerLease) Spawns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spawns
}

// IdleArmed reports whether the idle teardown timer is pending.
func (l *WorkerLease) IdleArmed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer != nil
}

func (l *WorkerLease) arm() {
	l.disarm()
	gen, w := l.gen, l.cur
	l.timer = time.AfterFunc(l.idle, func() { l.expire(gen, w) })
}

func (l *WorkerLease) disarm() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
}

func (l *WorkerLease) expire(gen uint64, w *workerConn) {
	l.mu.Lock()
	if gen != l.gen || l.cur != w || l.active > 0 {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.cur = nil
	l.retiring = w
	w.retired = true
	l.mu.Unlock()
	l.retire(w)
}

// drop forgets w after its process exited and reports whether the exit was
// requested by the lease.
func (l *WorkerLease) drop(w *workerConn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	w.exited = true
	if l.cur == w {
		l.cur = nil
		l.disarm()
	}
	if l.retiring == w {
		l.retiring = nil
	}
	return w.retired
}

// Close refuses further Acquires and returns the worker to tear down.
func (l *WorkerLease) Close() *workerConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.disarm()
	w := l.cur
	l.cur = nil
	if w != nil {
		w.retired = true
		l.retiring = w
	}
	return w
}
