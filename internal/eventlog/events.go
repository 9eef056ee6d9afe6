// ABOUTME: Event envelopes carried on the log topics
// ABOUTME: Message events for router fan-out, status events for propagation

package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
)

// Topic names. Message and status topics are keyed by conversation_id so
// per-conversation order survives partitioning; the dead letter topic keeps
// the same key for operator-side grouping.
const (
	TopicMessages   = "chat-events"
	TopicStatus     = "status-updates"
	TopicDeadLetter = "chat-events-dlq"
)

// MessageEvent is the chat-events payload. It carries the full message as
// persisted at publish time, so consumers can start work without a store
// read on the hot path.
type MessageEvent struct {
	Message *chat.Message `json:"message"`

	// Origin is the platform an inbound message arrived through, empty for
	// messages submitted via the gateway API. The router excludes the
	// originating binding when fanning an inbound message out, so platform
	// users are not echoed a message their own platform already showed them.
	Origin chat.Platform `json:"origin,omitempty"`

	PublishedAt time.Time `json:"publishedAt"`
}

// StatusEvent is the status-updates payload: one transition of one message.
type StatusEvent struct {
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	Status         chat.Status `json:"status"`
	Reason         string      `json:"reason,omitempty"`
	At             time.Time   `json:"at"`
}

// DecodeMessageEvent parses a chat-events record value.
func DecodeMessageEvent(value []byte) (*MessageEvent, error) {
	var ev MessageEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, fmt.Errorf("decoding message event: %w", err)
	}
	if ev.Message == nil {
		return nil, fmt.Errorf("decoding message event: no message in envelope")
	}
	return &ev, nil
}

// DecodeStatusEvent parses a status-updates record value.
func DecodeStatusEvent(value []byte) (*StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, fmt.Errorf("decoding status event: %w", err)
	}
	if ev.MessageID == "" {
		return nil, fmt.Errorf("decoding status event: no message id")
	}
	return &ev, nil
}
