// ABOUTME: Conversation lifecycle service: create, fetch, history paging
// ABOUTME: Membership changes produce SYSTEM messages and live pushes

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/live"
	"github.com/2389/loom-gateway/internal/msgstore"
	"github.com/2389/loom-gateway/internal/store"
)

// ErrValidation wraps every reject the caller can fix. Handlers map it
// to 400.
var ErrValidation = errors.New("validation failed")

// Service owns conversation lifecycle. Message flow never passes through
// here; ingress and the router work against the store directly.
type Service struct {
	identities store.Store
	messages   msgstore.Store
	hub        *live.Hub

	logger *slog.Logger
	now    func() time.Time
}

func New(identities store.Store, messages msgstore.Store, hub *live.Hub) *Service {
	return &Service{
		identities: identities,
		messages:   messages,
		hub:        hub,
		logger:     slog.Default().With("component", "conversation"),
		now:        time.Now,
	}
}

// CreateRequest describes a new conversation.
type CreateRequest struct {
	Type           string   `json:"type"`
	ParticipantIDs []string `json:"participants"`
	PrimaryChannel string   `json:"primaryChannel,omitempty"`
}

// Create validates and persists a new conversation. Participants must be
// existing internal users; the count rules depend on the type.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*chat.Conversation, error) {
	typ, err := chat.ParseConversationType(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ids := dedupeIDs(req.ParticipantIDs)
	if len(ids) != len(req.ParticipantIDs) {
		return nil, fmt.Errorf("%w: duplicate participant ids", ErrValidation)
	}
	if err := chat.ValidateParticipantCount(typ, len(ids)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, id := range ids {
		if _, err := s.identities.GetUser(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown participant %s", ErrValidation, id)
			}
			return nil, fmt.Errorf("looking up participant %s: %w", id, err)
		}
	}

	var primary chat.Platform
	if req.PrimaryChannel != "" {
		primary, err = chat.ParsePlatform(req.PrimaryChannel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	now := s.now().UTC()
	conv := &chat.Conversation{
		ID:             uuid.New().String(),
		Type:           typ,
		PrimaryChannel: primary,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, id := range ids {
		conv.Participants = append(conv.Participants, chat.Participant{UserID: id, JoinedAt: now})
	}

	if err := s.messages.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"type", conv.Type,
		"participants", len(ids))
	return conv, nil
}

// Get returns a conversation by id.
func (s *Service) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	return s.messages.GetConversation(ctx, id)
}

// History returns one membership-filtered page of messages, newest first.
func (s *Service) History(ctx context.Context, params msgstore.ListMessagesParams) (*msgstore.ListMessagesResult, error) {
	if params.RequestingUserID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrValidation)
	}
	return s.messages.ListMessages(ctx, params)
}

// ParticipantChange describes a membership edit on a GROUP conversation.
type ParticipantChange struct {
	ConversationID string
	Add            []string
	Remove         []string
	// Actor is recorded as the sender of the SYSTEM message.
	Actor string
}

// ModifyParticipants applies a membership change. The store enforces the
// rules (GROUP only, bounds, no duplicate membership) and synthesizes the
// SYSTEM message; the service fans that message out live. SYSTEM messages
// are born DELIVERED and never enter the routing log.
func (s *Service) ModifyParticipants(ctx context.Context, change *ParticipantChange) (*chat.Conversation, error) {
	for _, id := range change.Add {
		if _, err := s.identities.GetUser(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown user %s", ErrValidation, id)
			}
			return nil, fmt.Errorf("looking up user %s: %w", id, err)
		}
	}

	now := s.now().UTC()
	conv, sysMsg, err := s.messages.ModifyParticipants(ctx, msgstore.ModifyParticipantsParams{
		ConversationID: change.ConversationID,
		Add:            change.Add,
		Remove:         change.Remove,
		Actor:          change.Actor,
		At:             now,
	})
	if err != nil {
		return nil, err
	}

	// Current members learn about the change, and so does anyone just
	// removed. The actor triggered it and is skipped like any sender.
	seen := map[string]bool{change.Actor: true}
	for _, userID := range conv.ActiveParticipants(now) {
		if !seen[userID] {
			seen[userID] = true
			s.hub.Publish(userID, live.MessageEvent(sysMsg))
		}
	}
	for _, userID := range change.Remove {
		if !seen[userID] {
			seen[userID] = true
			s.hub.Publish(userID, live.MessageEvent(sysMsg))
		}
	}

	s.logger.Info("participants modified",
		"conversation_id", conv.ID,
		"added", len(change.Add),
		"removed", len(change.Remove),
		"actor", change.Actor)
	return conv, nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
