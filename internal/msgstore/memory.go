// ABOUTME: In-memory document store for dev mode and tests
// ABOUTME: Mirrors the mongo engine's semantics with maps under a RWMutex

package msgstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
)

// MemoryStore implements Store with in-process maps. Values are copied on
// the way in and out so callers never share memory with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]*chat.Message
	byConvo       map[string][]string
	byPlatformMsg map[string]string
	conversations map[string]*chat.Conversation
	byRef         map[string]string
	files         map[string]*chat.File
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]*chat.Message),
		byConvo:       make(map[string][]string),
		byPlatformMsg: make(map[string]string),
		conversations: make(map[string]*chat.Conversation),
		byRef:         make(map[string]string),
		files:         make(map[string]*chat.File),
	}
}

func platformMsgKey(platform chat.Platform, platformMessageID string) string {
	return string(platform) + "\x00" + platformMessageID
}

func refKey(platform chat.Platform, platformChatID string) string {
	return string(platform) + "\x00" + platformChatID
}

// PutMessage stores a new message and seeds its status history.
// Returns ErrDuplicateMessage if the id already exists.
func (s *MemoryStore) PutMessage(ctx context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return ErrDuplicateMessage
	}

	stored := cloneMessage(msg)
	if len(stored.StatusHistory) == 0 {
		stored.StatusHistory = []chat.StatusEntry{
			{Status: stored.Status, At: stored.CreatedAt},
		}
	}

	s.messages[stored.ID] = stored
	s.byConvo[stored.ConversationID] = append(s.byConvo[stored.ConversationID], stored.ID)
	if stored.PlatformMessageID != "" {
		s.byPlatformMsg[platformMsgKey(stored.Channel, stored.PlatformMessageID)] = stored.ID
	}

	return nil
}

// GetMessage retrieves a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

// GetMessageByPlatformID retrieves a message by its provider-side id.
func (s *MemoryStore) GetMessageByPlatformID(ctx context.Context, platform chat.Platform, platformMessageID string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byPlatformMsg[platformMsgKey(platform, platformMessageID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(s.messages[id]), nil
}

// AppendStatus applies one status transition.
// Returns ErrInvalidTransition when the state machine forbids it.
func (s *MemoryStore) AppendStatus(ctx context.Context, messageID string, entry chat.StatusEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendStatusLocked(messageID, entry)
}

func (s *MemoryStore) appendStatusLocked(messageID string, entry chat.StatusEntry) error {
	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if !chat.ValidTransition(msg.Status, entry.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, entry.Status)
	}

	msg.Status = entry.Status
	msg.StatusHistory = append(msg.StatusHistory, entry)
	msg.UpdatedAt = entry.At

	return nil
}

// FinalizeDelivery applies a terminal transition together with the router's
// per-recipient outcome metadata.
func (s *MemoryStore) FinalizeDelivery(ctx context.Context, messageID string, entry chat.StatusEntry, outcome DeliveryOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendStatusLocked(messageID, entry); err != nil {
		return err
	}

	msg := s.messages[messageID]
	msg.RecipientStates = cloneRecipientStates(outcome.States)
	if outcome.PlatformMessageID != "" {
		msg.PlatformMessageID = outcome.PlatformMessageID
		s.byPlatformMsg[platformMsgKey(msg.Channel, outcome.PlatformMessageID)] = msg.ID
	}
	if outcome.ErrorKind != chat.ErrorKindNone {
		msg.ErrorKind = outcome.ErrorKind
	}

	return nil
}

// ListMessages returns one history page, newest first, filtered to the
// requesting user's membership intervals.
func (s *MemoryStore) ListMessages(ctx context.Context, params ListMessagesParams) (*ListMessagesResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	var cursorTS time.Time
	var cursorID string
	if params.Cursor != "" {
		var err error
		cursorTS, cursorID, err = decodeCursor(params.Cursor)
		if err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[params.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}

	member := false
	for _, p := range conv.Participants {
		if p.UserID == params.RequestingUserID {
			member = true
			break
		}
	}
	if !member {
		return nil, ErrNotParticipant
	}

	var visible []*chat.Message
	for _, id := range s.byConvo[params.ConversationID] {
		msg := s.messages[id]
		if !conv.VisibleAt(params.RequestingUserID, msg.CreatedAt) {
			continue
		}
		visible = append(visible, msg)
	}

	// Newest first; message_id breaks created_at ties so pagination is
	// deterministic.
	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].CreatedAt.After(visible[j].CreatedAt)
		}
		return visible[i].ID > visible[j].ID
	})

	if params.Cursor != "" {
		cut := 0
		for cut < len(visible) {
			msg := visible[cut]
			if msg.CreatedAt.Before(cursorTS) ||
				(msg.CreatedAt.Equal(cursorTS) && msg.ID < cursorID) {
				break
			}
			cut++
		}
		visible = visible[cut:]
	}

	hasMore := len(visible) > limit
	if hasMore {
		visible = visible[:limit]
	}

	result := &ListMessagesResult{HasMore: hasMore}
	for _, msg := range visible {
		result.Messages = append(result.Messages, cloneMessage(msg))
	}
	if hasMore && len(visible) > 0 {
		last := visible[len(visible)-1]
		result.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return result, nil
}

// PutAttachmentRef adds a file reference to a message still in PENDING.
func (s *MemoryStore) PutAttachmentRef(ctx context.Context, messageID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	if msg.Status != chat.StatusPending {
		return fmt.Errorf("%w: message is %s, attachments close at PENDING", ErrInvalidTransition, msg.Status)
	}
	if slices.Contains(msg.FileIDs, fileID) {
		return nil
	}
	msg.FileIDs = append(msg.FileIDs, fileID)
	return nil
}

// CreateConversation stores a new conversation after validating its shape.
func (s *MemoryStore) CreateConversation(ctx context.Context, conv *chat.Conversation) error {
	if err := chat.ValidateParticipantCount(conv.Type, len(conv.ActiveParticipants(conv.CreatedAt))); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}

	stored := cloneConversation(conv)
	s.conversations[stored.ID] = stored
	for _, ref := range stored.PlatformRefs {
		s.byRef[refKey(ref.Platform, ref.PlatformChatID)] = stored.ID
	}

	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

// ModifyParticipants applies a membership change and writes the synthetic
// SYSTEM message recording it.
func (s *MemoryStore) ModifyParticipants(ctx context.Context, params ModifyParticipantsParams) (*chat.Conversation, *chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[params.ConversationID]
	if !ok {
		return nil, nil, ErrNotFound
	}

	updated := cloneConversation(conv)
	if err := applyParticipantChange(updated, params); err != nil {
		return nil, nil, err
	}

	sysMsg, err := buildSystemMessage(updated, params, updated.UpdatedAt)
	if err != nil {
		return nil, nil, err
	}

	s.conversations[updated.ID] = updated
	s.messages[sysMsg.ID] = cloneMessage(sysMsg)
	s.byConvo[updated.ID] = append(s.byConvo[updated.ID], sysMsg.ID)

	return cloneConversation(updated), sysMsg, nil
}

// FindConversationByRef looks up the conversation bound to an external chat.
func (s *MemoryStore) FindConversationByRef(ctx context.Context, platform chat.Platform, platformChatID string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[refKey(platform, platformChatID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(s.conversations[id]), nil
}

// AttachPlatformRef binds an external chat to a conversation. Idempotent for
// the same conversation; a ref already bound elsewhere is an error.
func (s *MemoryStore) AttachPlatformRef(ctx context.Context, conversationID string, ref chat.PlatformRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}

	key := refKey(ref.Platform, ref.PlatformChatID)
	if bound, exists := s.byRef[key]; exists {
		if bound == conversationID {
			return nil
		}
		return fmt.Errorf("ref %s:%s already bound to conversation %s", ref.Platform, ref.PlatformChatID, bound)
	}

	conv.PlatformRefs = append(conv.PlatformRefs, ref)
	s.byRef[key] = conversationID
	return nil
}

// FindActiveConversation returns the most recently updated conversation where
// userID is an active participant and the platform is bound.
func (s *MemoryStore) FindActiveConversation(ctx context.Context, userID string, platform chat.Platform) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var best *chat.Conversation
	for _, conv := range s.conversations {
		if !conv.IsActiveParticipant(userID, now) {
			continue
		}
		bound := conv.PrimaryChannel == platform
		for _, ref := range conv.PlatformRefs {
			if ref.Platform == platform {
				bound = true
				break
			}
		}
		if !bound {
			continue
		}
		if best == nil || conv.UpdatedAt.After(best.UpdatedAt) {
			best = conv
		}
	}

	if best == nil {
		return nil, ErrNotFound
	}
	return cloneConversation(best), nil
}

// PutFile stores file metadata.
func (s *MemoryStore) PutFile(ctx context.Context, f *chat.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[f.ID]; exists {
		return fmt.Errorf("file %s already exists", f.ID)
	}
	s.files[f.ID] = cloneFile(f)
	return nil
}

// GetFile retrieves file metadata by ID.
func (s *MemoryStore) GetFile(ctx context.Context, id string) (*chat.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFile(f), nil
}

// SetFileVerdict records a scan result. Only PENDING files may move, and
// only to CLEAN or REJECTED.
func (s *MemoryStore) SetFileVerdict(ctx context.Context, fileID string, verdict chat.ScanVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return ErrNotFound
	}
	if !chat.ValidVerdictTransition(f.ScanVerdict, verdict) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.ScanVerdict, verdict)
	}
	f.ScanVerdict = verdict
	return nil
}

// Ping always succeeds for the in-memory store
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

func cloneMessage(m *chat.Message) *chat.Message {
	out := *m
	out.RecipientIDs = slices.Clone(m.RecipientIDs)
	out.FileIDs = slices.Clone(m.FileIDs)
	out.StatusHistory = slices.Clone(m.StatusHistory)
	out.RecipientStates = cloneRecipientStates(m.RecipientStates)
	return &out
}

func cloneRecipientStates(states []chat.RecipientState) []chat.RecipientState {
	return slices.Clone(states)
}

func cloneConversation(c *chat.Conversation) *chat.Conversation {
	out := *c
	out.Participants = make([]chat.Participant, len(c.Participants))
	for i, p := range c.Participants {
		out.Participants[i] = p
		if p.LeftAt != nil {
			leftAt := *p.LeftAt
			out.Participants[i].LeftAt = &leftAt
		}
	}
	out.PlatformRefs = slices.Clone(c.PlatformRefs)
	return &out
}

func cloneFile(f *chat.File) *chat.File {
	out := *f
	return &out
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
