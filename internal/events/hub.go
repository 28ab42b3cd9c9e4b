// Package events is an in-memory feed of supervisor transitions for
// observers such as the status API.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Supervisor transition types.
const (
	ChildSpawned    = "child.spawned"
	ChildDenied     = "child.denied"
	ChildSpawnError = "child.spawn_failed"
	ChildTerminated = "child.terminated"
	ChildReaped     = "child.reaped"
	DaemonState     = "daemon.state"
)

// Event is one published transition.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is a pub/sub with a ring buffer so late readers can catch up.
// Publishing never blocks on slow subscribers.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub returns a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and fans it out. A nil hub discards events.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.push(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a cancel function that
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// push must be called with mu held.
func (h *Hub) push(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
