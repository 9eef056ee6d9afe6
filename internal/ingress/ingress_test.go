// ABOUTME: Tests for the accept path: validation, idempotent replay, publish
// ABOUTME: Runs on memory backends with a sqlite identity store

package ingress

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/dedupe"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/live"
	"github.com/2389/loom-gateway/internal/msgstore"
	"github.com/2389/loom-gateway/internal/store"
)

type fixture struct {
	svc        *Service
	identities *store.SQLiteStore
	messages   *msgstore.MemoryStore
	log        *eventlog.MemoryLog
	hub        *live.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	identities, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "identity.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { identities.Close() })

	messages := msgstore.NewMemoryStore()
	log := eventlog.NewMemoryLog()
	dd := dedupe.New(48*time.Hour, 1000)
	hub := live.NewHub()
	t.Cleanup(hub.Close)
	t.Cleanup(func() { dd.Close() })

	return &fixture{
		svc:        NewService(identities, messages, log, dd, hub, Config{MaxFileRefs: 3}),
		identities: identities,
		messages:   messages,
		log:        log,
		hub:        hub,
	}
}

func (f *fixture) createUser(t *testing.T, name string, role chat.Role) *chat.User {
	t.Helper()
	u := &chat.User{DisplayName: name, Role: role}
	require.NoError(t, f.identities.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) createConversation(t *testing.T, typ chat.ConversationType, userIDs ...string) *chat.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &chat.Conversation{
		ID:        "conv-" + strings.Join(userIDs, "-")[:8],
		Type:      typ,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range userIDs {
		conv.Participants = append(conv.Participants, chat.Participant{UserID: id, JoinedAt: now.Add(-time.Hour)})
	}
	require.NoError(t, f.messages.CreateConversation(context.Background(), conv))
	return conv
}

func validSend(conv *chat.Conversation, sender string) *SendRequest {
	return &SendRequest{
		ConversationID: conv.ID,
		SenderID:       sender,
		Content:        "hello out there",
		Channel:        "WHATSAPP",
	}
}

func TestAccept_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent Smith", chat.RoleAgent)
	c := f.createUser(t, "Customer Jones", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)

	res, err := f.svc.Accept(ctx, validSend(conv, a.ID))
	require.NoError(t, err)

	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.Message.ID)
	assert.Equal(t, chat.StatusPending, res.Message.Status)
	assert.Equal(t, []string{c.ID}, res.Message.RecipientIDs, "recipients default to everyone but the sender")
	assert.Equal(t, chat.KindUser, res.Message.Kind)

	stored, err := f.messages.GetMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusPending, stored.Status)

	assert.Equal(t, 1, f.log.Pending(eventlog.TopicMessages), "accept publishes exactly one event")
}

func TestAccept_ValidationRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	c := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)

	cases := []struct {
		name   string
		mutate func(*SendRequest)
	}{
		{"missing conversation id", func(r *SendRequest) { r.ConversationID = "" }},
		{"missing sender", func(r *SendRequest) { r.SenderID = "" }},
		{"empty body", func(r *SendRequest) { r.Content = ""; r.FileIDs = nil }},
		{"unknown channel", func(r *SendRequest) { r.Channel = "FAXOVERIP" }},
		{"bad message id", func(r *SendRequest) { r.MessageID = "not-a-uuid" }},
		{"unknown conversation", func(r *SendRequest) { r.ConversationID = "conv-missing" }},
		{"bad recipient entry", func(r *SendRequest) { r.Channel = "INTERNAL"; r.RecipientIDs = []string{"someone"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validSend(conv, a.ID)
			tc.mutate(req)
			_, err := f.svc.Accept(ctx, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestAccept_ContentBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	c := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)

	req := validSend(conv, a.ID)
	req.Content = strings.Repeat("é", chat.MaxTextUnits) // code points, not bytes
	_, err := f.svc.Accept(ctx, req)
	assert.NoError(t, err, "exactly 10k units is accepted")

	req = validSend(conv, a.ID)
	req.Content = strings.Repeat("é", chat.MaxTextUnits+1)
	_, err = f.svc.Accept(ctx, req)
	assert.ErrorIs(t, err, ErrValidation, "10k+1 units is rejected")
}

func TestAccept_SenderMustBeActiveParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	c := f.createUser(t, "Customer", chat.RoleCustomer)
	outsider := f.createUser(t, "Outsider", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)

	_, err := f.svc.Accept(ctx, validSend(conv, outsider.ID))
	assert.ErrorIs(t, err, msgstore.ErrNotParticipant)
}

func TestAccept_DepartedGroupSenderRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	b := f.createUser(t, "B", chat.RoleCustomer)
	c := f.createUser(t, "C", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationGroup, a.ID, b.ID, c.ID)

	_, _, err := f.messages.ModifyParticipants(ctx, msgstore.ModifyParticipantsParams{
		ConversationID: conv.ID,
		Remove:         []string{c.ID},
		Actor:          a.ID,
		At:             time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, validSend(conv, c.ID))
	assert.ErrorIs(t, err, msgstore.ErrNotParticipant)
}

func TestAccept_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	c := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)

	req := validSend(conv, a.ID)
	req.MessageID = "5f2d7c1e-3b4a-4f6d-9e8c-1a2b3c4d5e6f"

	first, err := f.svc.Accept(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := f.svc.Accept(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	assert.Equal(t, 1, f.log.Pending(eventlog.TopicMessages), "replay must not publish again")
}

func TestAccept_ReplayAfterCacheMissUsesStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	c := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)

	req := validSend(conv, a.ID)
	req.MessageID = "6a3e8d2f-4c5b-4a7e-8f9d-2b3c4d5e6f70"

	// Seed the store directly so the dedupe cache has never seen the id.
	msg := &chat.Message{
		ID:             req.MessageID,
		ConversationID: conv.ID,
		SenderID:       a.ID,
		RecipientIDs:   []string{c.ID},
		Content:        "already here",
		Channel:        chat.PlatformWhatsApp,
		Kind:           chat.KindUser,
		Status:         chat.StatusDelivered,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.messages.PutMessage(ctx, msg))

	res, err := f.svc.Accept(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, chat.StatusDelivered, res.Message.Status, "replay returns the current state, not PENDING")
	assert.Equal(t, 0, f.log.Pending(eventlog.TopicMessages))
}

func TestAccept_ExplicitRecipientsVerbatim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	c := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)

	req := validSend(conv, a.ID)
	req.RecipientIDs = []string{c.ID, "WHATSAPP:+5562999990000"}

	res, err := f.svc.Accept(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, "WHATSAPP:+5562999990000"}, res.Message.RecipientIDs)
}

func TestAccept_FileRefRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	c := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)
	now := time.Now().UTC()

	putFile := func(id string, verdict chat.ScanVerdict, expires time.Time) {
		require.NoError(t, f.messages.PutFile(ctx, &chat.File{
			ID: id, Filename: id + ".txt", Size: 10, MIMEType: "text/plain",
			ScanVerdict: chat.VerdictPending, ExpiresAt: expires, CreatedAt: now,
		}))
		if verdict != chat.VerdictPending {
			require.NoError(t, f.messages.SetFileVerdict(ctx, id, verdict))
		}
	}
	putFile("clean", chat.VerdictClean, now.Add(time.Hour))
	putFile("pending", chat.VerdictPending, now.Add(time.Hour))
	putFile("rejected", chat.VerdictRejected, now.Add(time.Hour))
	putFile("expired", chat.VerdictClean, now.Add(-time.Hour))

	ok := validSend(conv, a.ID)
	ok.FileIDs = []string{"clean"}
	_, err := f.svc.Accept(ctx, ok)
	assert.NoError(t, err)

	for _, bad := range [][]string{
		{"pending"},
		{"rejected"},
		{"expired"},
		{"missing"},
		{"clean", "clean", "clean", "clean"}, // over the per-message cap of 3
	} {
		req := validSend(conv, a.ID)
		req.FileIDs = bad
		_, err := f.svc.Accept(ctx, req)
		assert.ErrorIs(t, err, ErrValidation, "fileIds %v", bad)
	}
}

// failingLog drops every publish so the enqueue failure path can be observed.
type failingLog struct {
	*eventlog.MemoryLog
}

func (f *failingLog) PublishMessage(ctx context.Context, ev *eventlog.MessageEvent) error {
	return errors.New("broker unavailable")
}

func TestAccept_EnqueueFailureMarksMessageFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createUser(t, "Agent", chat.RoleAgent)
	c := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, a.ID, c.ID)

	dd := dedupe.New(time.Hour, 100)
	t.Cleanup(func() { dd.Close() })
	svc := NewService(f.identities, f.messages, &failingLog{f.log}, dd, f.hub, Config{})

	_, err := svc.Accept(ctx, validSend(conv, a.ID))
	require.ErrorIs(t, err, ErrEnqueueFailed)

	// The row exists and records the failure.
	msgs, listErr := f.messages.ListMessages(ctx, msgstore.ListMessagesParams{
		ConversationID: conv.ID, RequestingUserID: a.ID,
	})
	require.NoError(t, listErr)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, chat.StatusFailed, msgs.Messages[0].Status)
	assert.Equal(t, chat.ErrorKindEnqueueFailed, msgs.Messages[0].ErrorKind)
}

func inboundFixture(t *testing.T) (*fixture, *chat.User, *chat.User) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.createUser(t, "Duty Agent", chat.RoleAgent)
	customer := f.createUser(t, "WA Customer", chat.RoleCustomer)
	require.NoError(t, f.identities.LinkIdentity(ctx, &chat.Identity{
		UserID: customer.ID, Platform: chat.PlatformWhatsApp, PlatformUserID: "15550002222",
	}))
	require.NoError(t, f.identities.PutChannelConfig(ctx, &store.ChannelConfig{
		Platform:       chat.PlatformWhatsApp,
		Enabled:        true,
		APIBaseURL:     "http://wa.test",
		DefaultAgentID: agent.ID,
	}))
	return f, agent, customer
}

func validInbound(sender string) *InboundRequest {
	return &InboundRequest{
		SenderID:          sender,
		Platform:          chat.PlatformWhatsApp,
		PlatformUserID:    "15550002222",
		PlatformChatID:    "15550002222",
		PlatformMessageID: "wamid.IN1",
		Content:           "help me please",
		At:                time.Now().UTC(),
	}
}

func TestAcceptInbound_CreatesConversationWithDefaultAgent(t *testing.T) {
	f, agent, customer := inboundFixture(t)
	ctx := context.Background()

	res, err := f.svc.AcceptInbound(ctx, validInbound(customer.ID))
	require.NoError(t, err)

	msg := res.Message
	assert.Equal(t, chat.StatusSent, msg.Status)
	assert.Equal(t, chat.PlatformWhatsApp, msg.Channel)
	assert.Equal(t, "wamid.IN1", msg.PlatformMessageID)
	assert.Equal(t, []string{agent.ID}, msg.RecipientIDs)

	conv, err := f.messages.GetConversation(ctx, msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, chat.ConversationOneToOne, conv.Type)
	assert.True(t, conv.IsActiveParticipant(agent.ID, time.Now()))
	assert.True(t, conv.IsActiveParticipant(customer.ID, time.Now()))
	require.Len(t, conv.PlatformRefs, 1)
	assert.Equal(t, "15550002222", conv.PlatformRefs[0].PlatformChatID)

	assert.Equal(t, 1, f.log.Pending(eventlog.TopicMessages))
}

func TestAcceptInbound_ReusesConversationByRef(t *testing.T) {
	f, _, customer := inboundFixture(t)
	ctx := context.Background()

	first, err := f.svc.AcceptInbound(ctx, validInbound(customer.ID))
	require.NoError(t, err)

	second := validInbound(customer.ID)
	second.PlatformMessageID = "wamid.IN2"
	res, err := f.svc.AcceptInbound(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, first.Message.ConversationID, res.Message.ConversationID)
}

func TestAcceptInbound_RedeliveryReplays(t *testing.T) {
	f, _, customer := inboundFixture(t)
	ctx := context.Background()

	first, err := f.svc.AcceptInbound(ctx, validInbound(customer.ID))
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	replay, err := f.svc.AcceptInbound(ctx, validInbound(customer.ID))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.Message.ID, replay.Message.ID)
	assert.Equal(t, 1, f.log.Pending(eventlog.TopicMessages), "replay publishes nothing")
}

func TestAcceptInbound_LivePushReachesRecipientsNotSender(t *testing.T) {
	f, agent, customer := inboundFixture(t)
	ctx := context.Background()

	agentCh, _ := f.hub.Subscribe(ctx, agent.ID)
	senderCh, _ := f.hub.Subscribe(ctx, customer.ID)

	res, err := f.svc.AcceptInbound(ctx, validInbound(customer.ID))
	require.NoError(t, err)

	select {
	case ev := <-agentCh:
		assert.Equal(t, res.Message.ID, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("agent did not receive the live push")
	}

	select {
	case ev := <-senderCh:
		t.Fatalf("sender received their own message: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAcceptInbound_NoDefaultAgentRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	customer := f.createUser(t, "TG Customer", chat.RoleCustomer)

	req := validInbound(customer.ID)
	req.Platform = chat.PlatformTelegram // no channel config provisioned
	_, err := f.svc.AcceptInbound(ctx, req)
	assert.ErrorIs(t, err, ErrNoInboundHome)
}
