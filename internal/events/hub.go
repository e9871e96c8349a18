// Package events fans campaign and call deltas out to live subscribers.
// Delivery is best-effort: a slow subscriber drops messages rather than
// stalling the dispatch loop.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event names.
const (
	EventCallUpdate          = "call_update"
	EventBroadcastUpdate     = "broadcast_update"
	EventCallsCreated        = "calls_created"
	EventStatsUpdate         = "stats_update"
	EventBroadcastListUpdate = "broadcast_list_update"
)

// GlobalRoom receives cross-campaign events.
const GlobalRoom = "global"

// BroadcastRoom names the room for one campaign.
func BroadcastRoom(broadcastID string) string {
	return "broadcast:" + broadcastID
}

// Message is one published event.
type Message struct {
	Room      string    `json:"room"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the narrow surface the dispatch engine and webhook sink
// publish through.
type Publisher interface {
	Publish(room, event string, payload any)
}

// NopPublisher discards everything. Useful in tests.
type NopPublisher struct{}

func (NopPublisher) Publish(room, event string, payload any) {}

const subscriberBuffer = 64

// Subscription is one attached listener.
type Subscription struct {
	C     chan Message
	rooms map[string]bool
	hub   *Hub
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub routes messages to room subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]bool
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[*Subscription]bool),
		logger: logger.With("subsystem", "events"),
	}
}

// Subscribe attaches a listener to the given rooms. An empty room list
// subscribes to everything.
func (h *Hub) Subscribe(rooms ...string) *Subscription {
	sub := &Subscription{
		C:     make(chan Message, subscriberBuffer),
		rooms: make(map[string]bool, len(rooms)),
		hub:   h,
	}
	for _, r := range rooms {
		sub.rooms[r] = true
	}
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if h.subs[sub] {
		delete(h.subs, sub)
		close(sub.C)
	}
	h.mu.Unlock()
}

// Publish delivers to every subscriber of room without blocking. A full
// subscriber buffer drops the message.
func (h *Hub) Publish(room, event string, payload any) {
	msg := Message{
		Room:      room,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if len(sub.rooms) > 0 && !sub.rooms[room] {
			continue
		}
		select {
		case sub.C <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Debug("dropping event for slow subscriber", "room", room, "event", event)
		}
	}
}

// Dropped reports how many messages were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// SubscriberCount reports the number of attached listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
