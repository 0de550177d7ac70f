package channel

import (
	"sync"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before further events are dropped for it.
const subscriberBuffer = 16

// Hub fans presence events out to renderer subscribers. Publishing never
// blocks the event loop.
type Hub struct {
	mu   sync.Mutex
	subs map[chan domain.PresenceEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan domain.PresenceEvent]struct{})}
}

// Subscribe returns an event channel and a function that unsubscribes and
// closes it.
func (h *Hub) Subscribe() (<-chan domain.PresenceEvent, func()) {
	ch := make(chan domain.PresenceEvent, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev domain.PresenceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
