// Package events fans operational events out to live subscribers and
// registered sinks.
package events

import (
	"context"
	"sync"

	relay "github.com/eugener/palantir/internal"
)

// Sink receives every emitted event. Writes run on detached goroutines so
// a slow or failing sink never blocks Emit; sinks handle their own errors.
type Sink interface {
	Write(ctx context.Context, ev relay.Event)
}

// Hub is the process-wide broadcast point for operational events.
// Subscribers get bounded buffered channels; events are dropped per
// subscriber when its buffer is full.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan relay.Event
	sinks  []Sink
}

// NewHub creates a hub whose subscriber channels buffer up to buffer
// events each.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[uint64]chan relay.Event),
	}
}

// Subscribe registers a new listener. The returned cancel func removes the
// subscription and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe() (<-chan relay.Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan relay.Event, h.buffer)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if ch, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// AddSink registers a sink for all future events.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Emit broadcasts ev to every subscriber (dropping for slow ones) and
// dispatches each sink write on its own goroutine. Emit never blocks.
func (h *Hub) Emit(ev relay.Event) {
	h.mu.RLock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; the event is dropped for this channel only.
		}
	}
	sinks := h.sinks
	h.mu.RUnlock()

	for _, s := range sinks {
		go s.Write(context.Background(), ev)
	}
}
