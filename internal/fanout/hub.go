// internal/fanout/hub.go
package fanout

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// GlobalRoom is the subscription key receiving every room's events.
const GlobalRoom = "global"

// Subscription is one long-lived client connection's inbox.
type Subscription struct {
	RoomID string

	events    chan Event
	hub       *Hub
	closeOnce sync.Once
}

// Events yields delivered events; it is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unregisters the subscription and releases its inbox. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub is the process-local registry of subscriptions keyed by room.
// It holds no authoritative game state.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	log    logrus.FieldLogger
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
// A subscriber that falls a full buffer behind is considered dead and dropped.
func NewHub(buffer int, log logrus.FieldLogger) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe registers a new inbox for roomID (GlobalRoom for every room).
func (h *Hub) Subscribe(roomID string) *Subscription {
	s := &Subscription{
		RoomID: roomID,
		events: make(chan Event, h.buffer),
		hub:    h,
	}
	h.mu.Lock()
	subs, ok := h.rooms[roomID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.rooms[roomID] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	s.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.rooms[s.RoomID]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.rooms, s.RoomID)
			}
		}
		close(s.events)
	})
}

// Keys lists the subscription keys with at least one live subscriber.
func (h *Hub) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.rooms))
	for k := range h.rooms {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of subscribers on key.
func (h *Hub) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[key])
}

// Broadcast delivers ev to the room's subscribers and to global subscribers.
func (h *Hub) Broadcast(ev Event) {
	if ev.RoomID != "" && ev.RoomID != GlobalRoom {
		h.Deliver(ev.RoomID, ev)
	}
	h.Deliver(GlobalRoom, ev)
}

// Deliver pushes ev to every subscriber of key without blocking.
func (h *Hub) Deliver(key string, ev Event) {
	var dead []*Subscription
	h.mu.RLock()
	for s := range h.rooms[key] {
		select {
		case s.events <- ev:
		default:
			dead = append(dead, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range dead {
		h.log.WithFields(logrus.Fields{"room": key, "event": ev.Type}).Warn("subscriber inbox full, dropping connection")
		s.Close()
	}
}
