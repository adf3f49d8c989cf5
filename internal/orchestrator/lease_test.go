package orchestrator

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorkers stands in for worker processes. Retired workers take exitDelay
// to exit, and live counts workers that have not exited yet.
type fakeWorkers struct {
	lease     *WorkerLease
	exitDelay time.Duration
	gate      chan struct{}

	mu    sync.Mutex
	live  int
	peak  int
	count int
}

func newFakeWorkers(idle, killGrace, exitDelay time.Duration) *fakeWorkers {
	f := &fakeWorkers{exitDelay: exitDelay}
	f.lease = newWorkerLease(idle, killGrace, f.spawn, f.retire)
	return f
}

func (f *fakeWorkers) spawn() (*workerConn, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.live++
	if f.live > f.peak {
		f.peak = f.live
	}
	return &workerConn{id: "w", done: make(chan struct{})}, nil
}

func (f *fakeWorkers) retire(w *workerConn) {
	go func() {
		time.Sleep(f.exitDelay)
		f.mu.Lock()
		f.live--
		f.mu.Unlock()
		f.lease.drop(w)
		close(w.done)
	}()
}

func (f *fakeWorkers) stats() (live, peak, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, f.peak, f.count
}

func (l *WorkerLease) isSpawning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spawning != nil
}

func TestLeaseWaitsForRetiringWorker(t *testing.T) {
	f := newFakeWorkers(20*time.Millisecond, time.Second, 150*time.Millisecond)

	first, err := f.lease.Acquire()
	require.NoError(t, err)
	f.lease.Release()
	require.Eventually(t, func() bool { return f.lease.Current() == nil }, time.Second, 5*time.Millisecond)

	second, err := f.lease.Acquire()
	require.NoError(t, err)
	defer f.lease.Release()

	select {
	case <-first.done:
	default:
		t.Fatal("replacement started before the retiring worker exited")
	}
	assert.NotSame(t, first, second)
	_, peak, count := f.stats()
	assert.Equal(t, 1, peak)
	assert.Equal(t, 2, count)
}

func TestLeaseRetireWaitIsBounded(t *testing.T) {
	// The retiring worker never reports its exit.
	f := newFakeWorkers(10*time.Millisecond, 10*time.Millisecond, time.Hour)
	f.lease.retireWait = 50 * time.Millisecond

	_, err := f.lease.Acquire()
	require.NoError(t, err)
	f.lease.Release()
	require.Eventually(t, func() bool { return f.lease.Current() == nil }, time.Second, 5*time.Millisecond)

	start := time.Now()
	_, err = f.lease.Acquire()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2, f.lease.Spawns())
}

func TestLeaseSpawnDoesNotHoldLock(t *testing.T) {
	f := newFakeWorkers(time.Minute, time.Second, 0)
	f.gate = make(chan struct{})

	var got [2]*workerConn
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := f.lease.Acquire()
			assert.NoError(t, err)
			got[i] = w
		}(i)
	}
	require.Eventually(t, f.lease.isSpawning, time.Second, 5*time.Millisecond)

	// Inspection and Release stay responsive while the spawn is pending.
	var answered atomic.Bool
	go func() {
		_ = f.lease.Current()
		_ = f.lease.Active()
		_ = f.lease.IdleArmed()
		f.lease.Release()
		answered.Store(true)
	}()
	assert.Eventually(t, answered.Load, 500*time.Millisecond, 5*time.Millisecond)

	close(f.gate)
	wg.Wait()
	require.NotNil(t, got[0])
	assert.Same(t, got[0], got[1])
	assert.Equal(t, 1, f.lease.Spawns())
	assert.Equal(t, 2, f.lease.Active())
}

func TestLeaseCloseDuringSpawn(t *testing.T) {
	f := newFakeWorkers(time.Minute, time.Second, 0)
	f.gate = make(chan struct{})

	errc := make(chan error, 1)
	go func() {
		_, err := f.lease.Acquire()
		errc <- err
	}()
	require.Eventually(t, f.lease.isSpawning, time.Second, 5*time.Millisecond)

	assert.Nil(t, f.lease.Close())
	close(f.gate)
	assert.ErrorIs(t, <-errc, ErrShutdown)
	assert.Nil(t, f.lease.Current())
	assert.Eventually(t, func() bool {
		live, _, _ := f.stats()
		return live == 0
	}, time.Second, 5*time.Millisecond)
}

func TestLeaseWorkerExitedDuringStartup(t *testing.T) {
	f := newFakeWorkers(time.Minute, time.Second, 0)
	f.lease.spawn = func() (*workerConn, error) {
		w := &workerConn{id: "w", done: make(chan struct{})}
		assert.False(t, f.lease.drop(w))
		return w, nil
	}

	_, err := f.lease.Acquire()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Nil(t, f.lease.Current())
	assert.Zero(t, f.lease.Active())
}
