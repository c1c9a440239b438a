package delivery

import (
	"log"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 64

// Hub fans events out to the subscribers of each user stream. Publish is
// called with the store's per-user lock held, so events for one user arrive
// at subscribers in commit order. A subscriber that cannot keep up has
// events dropped rather than stalling the publisher; clients recover by
// refetching the ranked feed on reconnect.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int64]*subscriber
	nextID atomic.Int64
}

type subscriber struct {
	id int64
	ch chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int64]*subscriber)}
}

// Subscribe registers a new stream for the user. The returned cancel func
// must be called when the consumer goes away.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	sub := &subscriber{
		id: h.nextID.Add(1),
		ch: make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int64]*subscriber)
	}
	h.subs[userID][sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if m, ok := h.subs[userID]; ok {
			if _, ok := m[sub.id]; ok {
				delete(m, sub.id)
				close(sub.ch)
			}
			if len(m) == 0 {
				delete(h.subs, userID)
			}
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

func (h *Hub) Publish(userID string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[userID] {
		select {
		case sub.ch <- ev:
		default:
			log.Printf("[delivery] subscriber %d for user %s lagging, dropping %s", sub.id, userID, ev.Event)
		}
	}
}

// SubscriberCount reports active streams for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}
