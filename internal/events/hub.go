// Package events is the bridge's in-memory event feed: forwarded RPCs and
// peer health results, buffered for late subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the bridge.
const (
	TypeRPCForwarded = "rpc.forwarded"
	TypeRPCFailed    = "rpc.failed"
	TypePeerHealth   = "peer.health"
)

// DefaultCapacity is the ring size used when NewHub gets a non-positive one.
const DefaultCapacity = 256

// Event is one published record. Data is a single-line JSON document.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps the most recent ones in a ring.
type Hub struct {
	now func() time.Time

	mu      sync.Mutex
	lastID  int64
	ring    []Event
	head    int
	count   int
	subs    map[int]chan Event
	nextSub int
}

// NewHub returns a Hub retaining up to capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and offers it to every subscriber. Subscribers
// whose buffer is full miss the event; they can recover it with Since.
func (h *Hub) Publish(typ string, data any) Event {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastID++
	ev := Event{ID: h.lastID, Type: typ, At: h.now().UTC(), Data: payload}
	h.push(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

// Subscribe registers a listener. The returned cancel func closes the channel
// and is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, buffer)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Since returns retained events with an ID greater than lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.ring[(h.head+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers reports the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) push(ev Event) {
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = ev
		h.count++
		return
	}
	// Overwrite the oldest.
	h.ring[h.head] = ev
	h.head = (h.head + 1) % len(h.ring)
}
