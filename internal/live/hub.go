// ABOUTME: In-memory per-user fan-out hub for live delivery
// ABOUTME: Messages and status updates reach every open subscription for a user

package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
)

// subscriberBufferSize is the channel buffer for each subscription. Slow
// consumers past this depth lose events rather than stalling the pipeline.
const subscriberBufferSize = 64

// EventType tags the frames pushed over a live subscription.
type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
)

// StatusUpdate is the live projection of one status transition.
type StatusUpdate struct {
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	Status         chat.Status `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	At             time.Time   `json:"at"`
}

// Event is one frame delivered to live subscribers.
type Event struct {
	Type    EventType     `json:"type"`
	Message *chat.Message `json:"message,omitempty"`
	Status  *StatusUpdate `json:"status,omitempty"`
}

// MessageEvent wraps a message for live delivery.
func MessageEvent(msg *chat.Message) *Event {
	return &Event{Type: EventMessage, Message: msg}
}

// StatusEvent wraps a status transition for live delivery.
func StatusEvent(update *StatusUpdate) *Event {
	return &Event{Type: EventStatus, Status: update}
}

// Hub provides in-memory pub/sub keyed by user id. A user may hold any
// number of concurrent subscriptions (several devices, in-process dev
// consumers); each gets its own buffered channel.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // userID -> subID -> ch
	logger      *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      slog.Default().With("component", "live"),
	}
}

// Subscribe registers a subscription for one user. The returned channel
// receives events until Unsubscribe, hub close, or ctx cancellation.
func (h *Hub) Subscribe(ctx context.Context, userID string) (<-chan *Event, string) {
	subID := uuid.NewString()
	ch := make(chan *Event, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[userID]; !ok {
		h.subscribers[userID] = make(map[string]chan *Event)
	}
	h.subscribers[userID][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "user_id", userID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(userID, subID)
	}()

	return ch, subID
}

// Publish fans ev out to every subscription the user holds. Non-blocking:
// full subscriber channels drop the event.
func (h *Hub) Publish(userID string, ev *Event) {
	h.mu.RLock()
	subs, ok := h.subscribers[userID]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]chan *Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("dropped event for slow subscriber", "user_id", userID, "event_type", ev.Type)
		}
	}
}

// Online reports whether the user holds at least one subscription.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[userID]) > 0
}

// Unsubscribe removes one subscription and closes its channel.
func (h *Hub) Unsubscribe(userID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[userID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, userID)
	}

	h.logger.Debug("subscriber removed", "user_id", userID, "sub_id", subID)
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for userID, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, userID)
	}
	h.logger.Debug("hub closed")
}
