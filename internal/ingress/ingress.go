// ABOUTME: Message acceptance: validation, idempotency, persistence, log publish
// ABOUTME: Covers the API send path and the webhook re-entry path

package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/dedupe"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/live"
	"github.com/2389/loom-gateway/internal/msgstore"
	"github.com/2389/loom-gateway/internal/store"
)

var (
	// ErrValidation wraps every reject the caller can fix. Handlers map it
	// to 400.
	ErrValidation = errors.New("validation failed")
	// ErrEnqueueFailed means the message is persisted but could not be
	// published after retries. Handlers map it to 503; a resubmit with the
	// same message id replays cleanly.
	ErrEnqueueFailed = errors.New("failed to enqueue message")
	// ErrNoInboundHome means an inbound message could not be matched or
	// homed to any conversation.
	ErrNoInboundHome = errors.New("no conversation for inbound message")
)

// publishAttempts bounds the in-request producer retry on the send path.
const publishAttempts = 3

// Config carries the ingress knobs.
type Config struct {
	// MaxFileRefs caps file_ids per message.
	MaxFileRefs int
}

// Service is the single writer of new message rows.
type Service struct {
	identities store.Store
	messages   msgstore.Store
	log        eventlog.Log
	dedupe     dedupe.Deduper
	hub        *live.Hub
	cfg        Config

	logger *slog.Logger
	now    func() time.Time
}

func NewService(identities store.Store, messages msgstore.Store, log eventlog.Log, dd dedupe.Deduper, hub *live.Hub, cfg Config) *Service {
	if cfg.MaxFileRefs <= 0 {
		cfg.MaxFileRefs = 10
	}
	return &Service{
		identities: identities,
		messages:   messages,
		log:        log,
		dedupe:     dd,
		hub:        hub,
		cfg:        cfg,
		logger:     slog.Default().With("component", "ingress"),
		now:        time.Now,
	}
}

// SendRequest is the POST /messages body.
type SendRequest struct {
	// MessageID lets callers retry idempotently. Empty means the gateway
	// assigns one.
	MessageID      string   `json:"messageId,omitempty"`
	ConversationID string   `json:"conversationId"`
	SenderID       string   `json:"senderId"`
	Content        string   `json:"content"`
	RecipientIDs   []string `json:"recipientIds,omitempty"`
	FileIDs        []string `json:"fileIds,omitempty"`
	Channel        string   `json:"channel"`
}

// AcceptResult reports the accepted message. Duplicate marks an idempotent
// replay of an earlier accept.
type AcceptResult struct {
	Message   *chat.Message
	Duplicate bool
}

// Accept validates, persists, and publishes one outbound message. The
// returned message is PENDING unless the request replayed an earlier one.
func (s *Service) Accept(ctx context.Context, req *SendRequest) (*AcceptResult, error) {
	now := s.now().UTC()

	channel, err := s.validateRequest(req)
	if err != nil {
		return nil, err
	}

	conv, err := s.messages.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, msgstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: conversation %s not found", ErrValidation, req.ConversationID)
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.IsActiveParticipant(req.SenderID, now) {
		return nil, msgstore.ErrNotParticipant
	}

	if err := s.checkFileRefs(ctx, req.FileIDs, now); err != nil {
		return nil, err
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	} else if _, err := uuid.Parse(messageID); err != nil {
		return nil, fmt.Errorf("%w: messageId must be a uuid", ErrValidation)
	}

	// Advisory fast path; the store's uniqueness constraint is the
	// authoritative duplicate check below.
	if req.MessageID != "" && s.dedupe.Seen(ctx, messageID) {
		if existing, err := s.messages.GetMessage(ctx, messageID); err == nil {
			s.logger.Info("duplicate send replayed from cache", "message_id", messageID)
			return &AcceptResult{Message: existing, Duplicate: true}, nil
		}
	}

	recipients, err := s.computeRecipients(req, conv, channel, now)
	if err != nil {
		return nil, err
	}

	msg := &chat.Message{
		ID:             messageID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		RecipientIDs:   recipients,
		Content:        req.Content,
		FileIDs:        append([]string(nil), req.FileIDs...),
		Channel:        channel,
		Kind:           chat.KindUser,
		Status:         chat.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.messages.PutMessage(ctx, msg); err != nil {
		if errors.Is(err, msgstore.ErrDuplicateMessage) {
			existing, getErr := s.messages.GetMessage(ctx, messageID)
			if getErr != nil {
				return nil, fmt.Errorf("load duplicate message: %w", getErr)
			}
			s.logger.Info("duplicate send replayed from store", "message_id", messageID)
			return &AcceptResult{Message: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("persist message: %w", err)
	}
	s.dedupe.Mark(ctx, messageID)

	if err := s.publishMessage(ctx, msg, ""); err != nil {
		s.failEnqueue(ctx, msg, err)
		return nil, fmt.Errorf("%w: %s", ErrEnqueueFailed, messageID)
	}

	s.logger.Info("message accepted",
		"message_id", messageID,
		"conversation_id", req.ConversationID,
		"channel", channel,
		"recipients", len(recipients))
	return &AcceptResult{Message: msg, Duplicate: false}, nil
}

func (s *Service) validateRequest(req *SendRequest) (chat.Platform, error) {
	if req.ConversationID == "" {
		return "", fmt.Errorf("%w: conversationId is required", ErrValidation)
	}
	if req.SenderID == "" {
		return "", fmt.Errorf("%w: senderId is required", ErrValidation)
	}
	if req.Content == "" && len(req.FileIDs) == 0 {
		return "", fmt.Errorf("%w: content or fileIds is required", ErrValidation)
	}
	if err := chat.ValidateContent(req.Content); err != nil {
		return "", fmt.Errorf("%w: %s", ErrValidation, err)
	}
	channel, err := chat.ParsePlatform(req.Channel)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrValidation, err)
	}
	return channel, nil
}

func (s *Service) checkFileRefs(ctx context.Context, fileIDs []string, now time.Time) error {
	if len(fileIDs) > s.cfg.MaxFileRefs {
		return fmt.Errorf("%w: %d file refs exceed the limit of %d", ErrValidation, len(fileIDs), s.cfg.MaxFileRefs)
	}
	for _, id := range fileIDs {
		f, err := s.messages.GetFile(ctx, id)
		if err != nil {
			if errors.Is(err, msgstore.ErrNotFound) {
				return fmt.Errorf("%w: file %s not found", ErrValidation, id)
			}
			return fmt.Errorf("load file %s: %w", id, err)
		}
		if !f.Referenceable(now) {
			return fmt.Errorf("%w: file %s is not referenceable (verdict %s)", ErrValidation, id, f.ScanVerdict)
		}
	}
	return nil
}

// computeRecipients fixes the recipient set at accept time: explicit
// entries verbatim after a parse check, otherwise every active participant
// except the sender.
func (s *Service) computeRecipients(req *SendRequest, conv *chat.Conversation, channel chat.Platform, now time.Time) ([]string, error) {
	if len(req.RecipientIDs) > 0 {
		out := make([]string, 0, len(req.RecipientIDs))
		for _, r := range req.RecipientIDs {
			if _, err := chat.ParseRecipientRef(r, channel); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrValidation, err)
			}
			out = append(out, r)
		}
		return out, nil
	}

	var out []string
	for _, userID := range conv.ActiveParticipants(now) {
		if userID != req.SenderID {
			out = append(out, userID)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: conversation has no recipients besides the sender", ErrValidation)
	}
	return out, nil
}

// publishMessage appends to chat-events with a bounded in-request retry.
func (s *Service) publishMessage(ctx context.Context, msg *chat.Message, origin chat.Platform) error {
	ev := &eventlog.MessageEvent{
		Message:     msg,
		Origin:      origin,
		PublishedAt: s.now().UTC(),
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), publishAttempts-1), ctx)
	return backoff.Retry(func() error {
		return s.log.PublishMessage(ctx, ev)
	}, policy)
}

// failEnqueue records the terminal enqueue failure on the persisted row so
// a GET tells the truth about what happened.
func (s *Service) failEnqueue(ctx context.Context, msg *chat.Message, cause error) {
	s.logger.Error("publish failed after retries",
		"message_id", msg.ID,
		"error", cause)
	entry := chat.StatusEntry{Status: chat.StatusFailed, At: s.now().UTC(), Reason: "enqueue_failed"}
	outcome := msgstore.DeliveryOutcome{ErrorKind: chat.ErrorKindEnqueueFailed}
	if err := s.messages.FinalizeDelivery(ctx, msg.ID, entry, outcome); err != nil {
		s.logger.Error("failed to record enqueue failure", "message_id", msg.ID, "error", err)
	}
}

// InboundRequest is the webhook re-entry path input: one platform message
// whose sender has already been resolved to an internal user.
type InboundRequest struct {
	SenderID          string
	Platform          chat.Platform
	PlatformUserID    string
	PlatformChatID    string
	PlatformMessageID string
	Content           string
	FileIDs           []string
	At                time.Time
}

// AcceptInbound persists a platform-originated message. The conversation is
// resolved by platform ref, then by the sender's most recent active
// conversation on the platform, then by creating a ONE_TO_ONE against the
// channel's default agent. The message lands at SENT, reaches live
// subscribers at once, and is published with its origin so routers fan it
// out everywhere except back to the source binding.
func (s *Service) AcceptInbound(ctx context.Context, req *InboundRequest) (*AcceptResult, error) {
	if req.SenderID == "" || !req.Platform.External() || req.PlatformMessageID == "" {
		return nil, fmt.Errorf("%w: inbound request is missing sender, platform, or platform message id", ErrValidation)
	}
	if err := chat.ValidateContent(req.Content); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}
	now := req.At
	if now.IsZero() {
		now = s.now()
	}
	now = now.UTC()

	// Platforms redeliver webhooks; the platform message id is the
	// idempotency key for this path.
	dedupeKey := inboundDedupeKey(req.Platform, req.PlatformMessageID)
	if s.dedupe.Seen(ctx, dedupeKey) {
		if existing, err := s.messages.GetMessageByPlatformID(ctx, req.Platform, req.PlatformMessageID); err == nil {
			return &AcceptResult{Message: existing, Duplicate: true}, nil
		}
	}
	if existing, err := s.messages.GetMessageByPlatformID(ctx, req.Platform, req.PlatformMessageID); err == nil {
		s.dedupe.Mark(ctx, dedupeKey)
		return &AcceptResult{Message: existing, Duplicate: true}, nil
	}

	conv, err := s.resolveInboundConversation(ctx, req, now)
	if err != nil {
		return nil, err
	}

	var recipients []string
	for _, userID := range conv.ActiveParticipants(now) {
		if userID != req.SenderID {
			recipients = append(recipients, userID)
		}
	}

	msg := &chat.Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		SenderID:          req.SenderID,
		RecipientIDs:      recipients,
		Content:           req.Content,
		FileIDs:           append([]string(nil), req.FileIDs...),
		Channel:           req.Platform,
		Kind:              chat.KindUser,
		Status:            chat.StatusSent,
		PlatformMessageID: req.PlatformMessageID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.messages.PutMessage(ctx, msg); err != nil {
		if errors.Is(err, msgstore.ErrDuplicateMessage) {
			existing, getErr := s.messages.GetMessage(ctx, msg.ID)
			if getErr != nil {
				return nil, fmt.Errorf("load duplicate message: %w", getErr)
			}
			return &AcceptResult{Message: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}
	s.dedupe.Mark(ctx, dedupeKey)

	// Live push happens before the async fan-out so connected participants
	// see the message the moment it lands.
	for _, userID := range recipients {
		if _, uuidErr := uuid.Parse(userID); uuidErr == nil {
			s.hub.Publish(userID, live.MessageEvent(msg))
		}
	}

	if err := s.publishMessage(ctx, msg, req.Platform); err != nil {
		// The message is persisted and visible; only the cross-platform
		// fan-out is lost. Surface the failure so the platform redelivers
		// and the dedupe path replays it.
		s.failEnqueue(ctx, msg, err)
		return nil, fmt.Errorf("%w: %s", ErrEnqueueFailed, msg.ID)
	}

	s.logger.Info("inbound message accepted",
		"message_id", msg.ID,
		"conversation_id", conv.ID,
		"platform", req.Platform,
		"platform_message_id", req.PlatformMessageID)
	return &AcceptResult{Message: msg, Duplicate: false}, nil
}

func (s *Service) resolveInboundConversation(ctx context.Context, req *InboundRequest, now time.Time) (*chat.Conversation, error) {
	if req.PlatformChatID != "" {
		conv, err := s.messages.FindConversationByRef(ctx, req.Platform, req.PlatformChatID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, msgstore.ErrNotFound) {
			return nil, fmt.Errorf("find conversation by ref: %w", err)
		}
	}

	conv, err := s.messages.FindActiveConversation(ctx, req.SenderID, req.Platform)
	if err == nil {
		if req.PlatformChatID != "" {
			if refErr := s.messages.AttachPlatformRef(ctx, conv.ID, chat.PlatformRef{
				Platform:       req.Platform,
				PlatformChatID: req.PlatformChatID,
			}); refErr != nil {
				s.logger.Warn("could not bind platform ref", "conversation_id", conv.ID, "error", refErr)
			}
		}
		return conv, nil
	}
	if !errors.Is(err, msgstore.ErrNotFound) {
		return nil, fmt.Errorf("find active conversation: %w", err)
	}

	return s.createInboundConversation(ctx, req, now)
}

// createInboundConversation homes a first-contact message: a ONE_TO_ONE
// between the sender and the channel's default agent.
func (s *Service) createInboundConversation(ctx context.Context, req *InboundRequest, now time.Time) (*chat.Conversation, error) {
	channelCfg, err := s.identities.GetChannelConfig(ctx, req.Platform)
	if err != nil {
		return nil, fmt.Errorf("%w: no channel configuration for %s", ErrNoInboundHome, req.Platform)
	}
	if channelCfg.DefaultAgentID == "" {
		return nil, fmt.Errorf("%w: channel %s has no default agent", ErrNoInboundHome, req.Platform)
	}
	if channelCfg.DefaultAgentID == req.SenderID {
		return nil, fmt.Errorf("%w: sender is the channel default agent", ErrNoInboundHome)
	}

	conv := &chat.Conversation{
		ID:   uuid.NewString(),
		Type: chat.ConversationOneToOne,
		Participants: []chat.Participant{
			{UserID: req.SenderID, JoinedAt: now},
			{UserID: channelCfg.DefaultAgentID, JoinedAt: now},
		},
		PrimaryChannel: req.Platform,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.PlatformChatID != "" {
		conv.PlatformRefs = []chat.PlatformRef{{Platform: req.Platform, PlatformChatID: req.PlatformChatID}}
	}

	if err := s.messages.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create inbound conversation: %w", err)
	}
	s.logger.Info("inbound conversation created",
		"conversation_id", conv.ID,
		"platform", req.Platform,
		"default_agent", channelCfg.DefaultAgentID)
	return conv, nil
}

func inboundDedupeKey(platform chat.Platform, platformMessageID string) string {
	return "inbound:" + string(platform) + ":" + platformMessageID
}
