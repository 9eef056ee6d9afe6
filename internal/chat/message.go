// ABOUTME: Message record, status state machine, and per-recipient delivery metadata
// ABOUTME: Status transitions are monotone; the stores reject anything else

package chat

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a Message.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
)

// MaxTextUnits is the content length cap, counted in Unicode code points.
const MaxTextUnits = 10_000

// statusRank orders statuses for monotonicity checks and outcome
// aggregation. FAILED is terminal but reachable from every non-terminal
// state, so it is handled separately in ValidTransition.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusFailed:    4,
}

// KnownStatus reports whether s is a member of the state machine.
func KnownStatus(s Status) bool {
	_, ok := statusRank[s]
	return ok
}

// ValidTransition reports whether from → to is a legal status transition.
// PENDING → {SENT, FAILED}; SENT → {DELIVERED, FAILED};
// DELIVERED → {READ, FAILED}; READ and FAILED are terminal.
func ValidTransition(from, to Status) bool {
	if !KnownStatus(from) || !KnownStatus(to) {
		return false
	}
	if from == StatusRead || from == StatusFailed {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] == statusRank[from]+1
}

// BetterOutcome picks the stronger of two successful dispatch outcomes,
// used when aggregating fan-out results (DELIVERED beats SENT).
func BetterOutcome(a, b Status) Status {
	if statusRank[b] > statusRank[a] && b != StatusFailed {
		return b
	}
	return a
}

// MessageKind distinguishes user content from synthetic records the gateway
// writes itself (participant changes).
type MessageKind string

const (
	KindUser   MessageKind = "USER"
	KindSystem MessageKind = "SYSTEM"
)

// ErrorKind annotates a FAILED message with the failure class.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindPermanent     ErrorKind = "permanent_delivery"
	ErrorKindRetryExhaust  ErrorKind = "retry_exhausted"
	ErrorKindNoRecipients  ErrorKind = "no_resolvable_recipients"
	ErrorKindEnqueueFailed ErrorKind = "enqueue_failed"
	ErrorKindInternal      ErrorKind = "internal"
)

// StatusEntry is one row of a message's append-only status history.
type StatusEntry struct {
	Status Status    `json:"status" bson:"status"`
	At     time.Time `json:"at" bson:"at"`
	Reason string    `json:"reason,omitempty" bson:"reason,omitempty"`
}

// RecipientState records the terminal dispatch outcome for one resolved
// recipient. Written by the Router at aggregation time.
type RecipientState struct {
	Recipient         string    `json:"recipient" bson:"recipient"` // original recipient entry
	Platform          Platform  `json:"platform" bson:"platform"`
	PlatformUserID    string    `json:"platformUserId" bson:"platform_user_id"`
	Outcome           Status    `json:"outcome" bson:"outcome"`
	PlatformMessageID string    `json:"platformMessageId,omitempty" bson:"platform_message_id,omitempty"`
	Attempts          int       `json:"attempts" bson:"attempts"`
	Reason            string    `json:"reason,omitempty" bson:"reason,omitempty"`
	At                time.Time `json:"at" bson:"at"`
}

// Message is the central pipeline record.
type Message struct {
	ID                string           `json:"messageId" bson:"_id"`
	ConversationID    string           `json:"conversationId" bson:"conversation_id"`
	SenderID          string           `json:"senderId" bson:"sender_id"`
	RecipientIDs      []string         `json:"recipientIds" bson:"recipient_ids"`
	Content           string           `json:"content" bson:"content"`
	FileIDs           []string         `json:"fileIds,omitempty" bson:"file_ids,omitempty"`
	Channel           Platform         `json:"channel" bson:"channel"`
	Kind              MessageKind      `json:"kind" bson:"kind"`
	Status            Status           `json:"status" bson:"status"`
	StatusHistory     []StatusEntry    `json:"statusHistory,omitempty" bson:"status_history"`
	RecipientStates   []RecipientState `json:"recipientStates,omitempty" bson:"recipient_states,omitempty"`
	PlatformMessageID string           `json:"platformMessageId,omitempty" bson:"platform_message_id,omitempty"`
	ErrorKind         ErrorKind        `json:"errorKind,omitempty" bson:"error_kind,omitempty"`
	CreatedAt         time.Time        `json:"createdAt" bson:"created_at"`
	UpdatedAt         time.Time        `json:"updatedAt" bson:"updated_at"`
}

// ValidateContent enforces the text size cap. The count is Unicode code
// points, not bytes, so multi-byte senders get the full budget.
func ValidateContent(content string) error {
	if n := utf8.RuneCountInString(content); n > MaxTextUnits {
		return fmt.Errorf("content is %d units, limit is %d", n, MaxTextUnits)
	}
	return nil
}
