package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the host.
const (
	TypeRunStarted   = "run.started"
	TypeRunFinished  = "run.finished"
	TypeRunFailed    = "run.failed"
	TypeRunStopped   = "run.stopped"
	TypeNodeFinished = "node.finished"
	TypeNodeFailed   = "node.failed"
	TypeWorkerUp     = "worker.started"
	TypeWorkerDown   = "worker.stopped"
	TypeViewOpen     = "view.open"
	TypeViewToggle   = "view.toggle"
	TypeViewMessage  = "view.message"

	TypeScheduled      = "scheduler.scheduled"
	TypeScheduleSkip   = "scheduler.skipped"
	TypeBreakerChanged = "scheduler.circuit_state_changed"
)

type Event struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	RunID string          `json:"run_id,omitempty"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

type subscriber struct {
	ch    chan Event
	runID string
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records a host-wide event.
func (h *Hub) Publish(eventType string, data any) {
	h.PublishRun("", eventType, data)
}

// PublishRun records an event scoped to one workflow run.
func (h *Hub) PublishRun(runID, eventType string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:    id,
		Type:  eventType,
		RunID: runID,
		At:    time.Now().UTC(),
		Data:  payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if sub.runID != "" && sub.runID != runID {
			continue
		}
		// Don't let slow clients block producers.
		select {
		case sub.ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe receives every event.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	return h.SubscribeRun("")
}

// SubscribeRun receives only events of runID. An empty runID receives all.
func (h *Hub) SubscribeRun(runID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{ch: ch, runID: runID}

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first,
// optionally restricted to runID. If lastID is 0, the full ring buffer
// snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64, runID string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if runID != "" && ev.RunID != runID {
			continue
		}
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
