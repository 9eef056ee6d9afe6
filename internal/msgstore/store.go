// ABOUTME: Document store interface for messages, conversations, and files
// ABOUTME: Defines pagination, participant mutation, and delivery finalization contracts

package msgstore

import (
	"context"
	"errors"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message_id already exists
var ErrDuplicateMessage = errors.New("message already exists")

// ErrInvalidTransition is returned for status or verdict changes the state
// machine forbids, and for attachment writes after the message left PENDING
var ErrInvalidTransition = errors.New("invalid transition")

// ErrNotParticipant is returned when the requesting user has never been a
// participant of the conversation
var ErrNotParticipant = errors.New("not a participant")

// ErrBadCursor is returned for pagination cursors that fail to decode
var ErrBadCursor = errors.New("invalid cursor")

// ListMessagesParams describes one history page request.
type ListMessagesParams struct {
	ConversationID   string
	RequestingUserID string
	// Cursor is an opaque token from a previous page, empty for the first.
	Cursor string
	// Limit defaults to 50 and is capped at 200.
	Limit int
}

// ListMessagesResult is one page of history, newest first.
type ListMessagesResult struct {
	Messages   []*chat.Message
	NextCursor string
	HasMore    bool
}

// DeliveryOutcome carries the per-recipient results the router aggregates
// when a message reaches a terminal dispatch state.
type DeliveryOutcome struct {
	States []chat.RecipientState
	// PlatformMessageID is the provider id of the primary send, when one
	// succeeded synchronously.
	PlatformMessageID string
	// ErrorKind annotates FAILED outcomes.
	ErrorKind chat.ErrorKind
}

// ModifyParticipantsParams describes a group membership change.
type ModifyParticipantsParams struct {
	ConversationID string
	Add            []string
	Remove         []string
	// Actor is the user performing the change, recorded as the sender of
	// the synthetic SYSTEM message.
	Actor string
	At    time.Time
}

// Store defines the document store for messages, conversations, and files.
type Store interface {
	// Messages. PutMessage fails with ErrDuplicateMessage on an existing id
	// and atomically initializes the status history. AppendStatus enforces
	// the monotone state machine and fails with ErrInvalidTransition.
	// FinalizeDelivery is AppendStatus plus the router's aggregation
	// metadata, applied in one write.
	PutMessage(ctx context.Context, msg *chat.Message) error
	GetMessage(ctx context.Context, id string) (*chat.Message, error)
	GetMessageByPlatformID(ctx context.Context, platform chat.Platform, platformMessageID string) (*chat.Message, error)
	AppendStatus(ctx context.Context, messageID string, entry chat.StatusEntry) error
	FinalizeDelivery(ctx context.Context, messageID string, entry chat.StatusEntry, outcome DeliveryOutcome) error
	ListMessages(ctx context.Context, params ListMessagesParams) (*ListMessagesResult, error)
	// PutAttachmentRef adds a file reference while the message is still
	// PENDING; afterwards it fails with ErrInvalidTransition.
	PutAttachmentRef(ctx context.Context, messageID, fileID string) error

	// Conversations. ModifyParticipants enforces the 2..100 bounds, appends
	// membership intervals, and writes the synthetic SYSTEM message it
	// returns.
	CreateConversation(ctx context.Context, conv *chat.Conversation) error
	GetConversation(ctx context.Context, id string) (*chat.Conversation, error)
	ModifyParticipants(ctx context.Context, params ModifyParticipantsParams) (*chat.Conversation, *chat.Message, error)
	FindConversationByRef(ctx context.Context, platform chat.Platform, platformChatID string) (*chat.Conversation, error)
	AttachPlatformRef(ctx context.Context, conversationID string, ref chat.PlatformRef) error
	// FindActiveConversation returns the most recently updated conversation
	// where userID has a live membership and the platform is bound, used to
	// home inbound messages.
	FindActiveConversation(ctx context.Context, userID string, platform chat.Platform) (*chat.Conversation, error)

	// Files
	PutFile(ctx context.Context, f *chat.File) error
	GetFile(ctx context.Context, id string) (*chat.File, error)
	SetFileVerdict(ctx context.Context, fileID string, verdict chat.ScanVerdict) error

	// Ping verifies the backing store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close(ctx context.Context) error
}
