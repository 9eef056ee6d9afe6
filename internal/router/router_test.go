// ABOUTME: Tests for the router: fan-out, retries, aggregation, DLQ, replay
// ABOUTME: Drives process() directly with scripted connectors and memory backends

package router

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/connector"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/live"
	"github.com/2389/loom-gateway/internal/msgstore"
	"github.com/2389/loom-gateway/internal/store"
)

// scriptedConnector plays back a queue of outcomes; when the queue is
// empty every send succeeds with a SENT ack.
type scriptedConnector struct {
	platform chat.Platform

	mu       sync.Mutex
	outcomes []scriptedOutcome
	calls    []*connector.SendRequest
}

type scriptedOutcome struct {
	res *connector.SendResult
	err error
}

func (s *scriptedConnector) Platform() chat.Platform { return s.platform }

func (s *scriptedConnector) Send(ctx context.Context, req *connector.SendRequest) (*connector.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.outcomes) == 0 {
		return &connector.SendResult{
			PlatformMessageID: "pm-" + uuid.NewString()[:8],
			Status:            chat.StatusSent,
		}, nil
	}
	next := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return next.res, next.err
}

func (s *scriptedConnector) Webhook(http.Header, []byte) ([]*connector.InboundEvent, error) {
	return nil, connector.ErrNoWebhook
}

func (s *scriptedConnector) ValidateCredentials(context.Context) error { return nil }

func (s *scriptedConnector) script(outcomes ...scriptedOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
}

func (s *scriptedConnector) sent() []*connector.SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*connector.SendRequest(nil), s.calls...)
}

func transientFailure() scriptedOutcome {
	return scriptedOutcome{err: &connector.DeliveryError{Platform: chat.PlatformWhatsApp, Code: "429", Reason: "rate limited", Retriable: true}}
}

func permanentFailure() scriptedOutcome {
	return scriptedOutcome{err: &connector.DeliveryError{Platform: chat.PlatformWhatsApp, Code: "131026", Reason: "recipient cannot receive", Retriable: false}}
}

func deliveredAck() scriptedOutcome {
	return scriptedOutcome{res: &connector.SendResult{PlatformMessageID: "pm-sync", Status: chat.StatusDelivered}}
}

type fixture struct {
	router     *Router
	identities *store.SQLiteStore
	messages   *msgstore.MemoryStore
	log        *eventlog.MemoryLog
	hub        *live.Hub
	wa         *scriptedConnector
	consumer   eventlog.Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	identities, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "identity.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { identities.Close() })

	messages := msgstore.NewMemoryStore()
	log := eventlog.NewMemoryLog()
	hub := live.NewHub()
	t.Cleanup(hub.Close)

	wa := &scriptedConnector{platform: chat.PlatformWhatsApp}
	registry := connector.NewRegistry()
	registry.Register(connector.NewManaged(wa, 0, 0))
	registry.Register(connector.NewManaged(connector.NewLoopback(), 0, 0))
	t.Cleanup(registry.Close)

	r := New(identities, messages, log, registry, hub, Config{
		Workers:       1,
		MaxAttempts:   3,
		RetryBase:     time.Millisecond,
		RetryCap:      5 * time.Millisecond,
		MessageBudget: 5 * time.Second,
	})

	return &fixture{
		router:     r,
		identities: identities,
		messages:   messages,
		log:        log,
		hub:        hub,
		wa:         wa,
		consumer:   log.MessageConsumer("router-test"),
	}
}

func (f *fixture) createUser(t *testing.T, name string, role chat.Role) *chat.User {
	t.Helper()
	u := &chat.User{DisplayName: name, Role: role}
	require.NoError(t, f.identities.CreateUser(context.Background(), u))
	return u
}

func (f *fixture) linkWhatsApp(t *testing.T, userID, handle string) {
	t.Helper()
	require.NoError(t, f.identities.LinkIdentity(context.Background(), &chat.Identity{
		UserID:         userID,
		Platform:       chat.PlatformWhatsApp,
		PlatformUserID: handle,
	}))
}

func (f *fixture) createConversation(t *testing.T, typ chat.ConversationType, userIDs ...string) *chat.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &chat.Conversation{
		ID:        uuid.NewString(),
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

// seed persists a message and publishes its event, the way ingress does.
func (f *fixture) seed(t *testing.T, conv *chat.Conversation, sender string, recipients []string, channel chat.Platform, status chat.Status, origin chat.Platform) *chat.Message {
	t.Helper()
	now := time.Now().UTC()
	msg := &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       sender,
		RecipientIDs:   recipients,
		Content:        "hello out there",
		Channel:        channel,
		Kind:           chat.KindUser,
		Status:         status,
		CreatedAt:      now,
	}
	ctx := context.Background()
	require.NoError(t, f.messages.PutMessage(ctx, msg))
	require.NoError(t, f.log.PublishMessage(ctx, &eventlog.MessageEvent{Message: msg, Origin: origin, PublishedAt: now}))
	return msg
}

// routeNext fetches the next published event and drives it to its
// terminal outcome.
func (f *fixture) routeNext(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := f.consumer.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, f.router.process(ctx, rec))
}

func TestRoute_OutboundSingleRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSent, stored.Status)
	assert.NotEmpty(t, stored.PlatformMessageID)

	require.Len(t, stored.RecipientStates, 1)
	st := stored.RecipientStates[0]
	assert.Equal(t, customer.ID, st.Recipient)
	assert.Equal(t, chat.PlatformWhatsApp, st.Platform)
	assert.Equal(t, "15550001111", st.PlatformUserID)
	assert.Equal(t, chat.StatusSent, st.Outcome)
	assert.Equal(t, 1, st.Attempts)

	calls := f.wa.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "15550001111", calls[0].PlatformUserID)

	assert.Equal(t, 1, f.log.Pending(eventlog.TopicStatus), "one terminal status event")
	assert.Zero(t, f.log.Pending(eventlog.TopicDeadLetter))
}

func TestRoute_ConversationOrderPreserved(t *testing.T) {
	f := newFixture(t)
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	var want []string
	for i := 0; i < 3; i++ {
		msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
		want = append(want, msg.ID)
	}
	for range want {
		f.routeNext(t)
	}

	calls := f.wa.sent()
	require.Len(t, calls, 3)
	var dispatched []string
	for _, call := range calls {
		dispatched = append(dispatched, call.Message.ID)
	}
	assert.Equal(t, want, dispatched, "dispatch follows publish order within the conversation")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	statuses := f.log.StatusConsumer("order-check")
	var updated []string
	for range want {
		rec, err := statuses.Fetch(ctx)
		require.NoError(t, err)
		ev, err := eventlog.DecodeStatusEvent(rec.Value)
		require.NoError(t, err)
		updated = append(updated, ev.MessageID)
	}
	assert.Equal(t, want, updated, "status updates keep the same order")
}

func TestRoute_SynchronousDeliveredStepsThroughSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	f.wa.script(deliveredAck())
	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusDelivered, stored.Status)

	var seen []chat.Status
	for _, entry := range stored.StatusHistory {
		seen = append(seen, entry.Status)
	}
	assert.Equal(t, []chat.Status{chat.StatusPending, chat.StatusSent, chat.StatusDelivered}, seen,
		"a synchronous delivery ack still records the SENT step")

	assert.Equal(t, 2, f.log.Pending(eventlog.TopicStatus), "SENT and DELIVERED both announced")
}

func TestRoute_RetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	f.wa.script(transientFailure(), transientFailure())
	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSent, stored.Status)
	require.Len(t, stored.RecipientStates, 1)
	assert.Equal(t, 3, stored.RecipientStates[0].Attempts)
	assert.Len(t, f.wa.sent(), 3)
	assert.Zero(t, f.log.Pending(eventlog.TopicDeadLetter))
}

func TestRoute_PermanentFailureStopsRetrying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	f.wa.script(permanentFailure())
	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusFailed, stored.Status)
	assert.Equal(t, chat.ErrorKindPermanent, stored.ErrorKind)
	require.Len(t, stored.RecipientStates, 1)
	assert.Equal(t, 1, stored.RecipientStates[0].Attempts, "permanent errors are not retried")
	assert.Len(t, f.wa.sent(), 1)
	assert.Equal(t, 1, f.log.Pending(eventlog.TopicDeadLetter))
}

func TestRoute_RetryExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	f.wa.script(transientFailure(), transientFailure(), transientFailure())
	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusFailed, stored.Status)
	assert.Equal(t, chat.ErrorKindRetryExhaust, stored.ErrorKind)
	assert.Len(t, f.wa.sent(), 3)
	assert.Equal(t, 1, f.log.Pending(eventlog.TopicDeadLetter))

	var seen []chat.Status
	for _, entry := range stored.StatusHistory {
		seen = append(seen, entry.Status)
	}
	assert.Equal(t, []chat.Status{chat.StatusPending, chat.StatusFailed}, seen)
}

func TestRoute_PartialFailureIsStillDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	c1 := f.createUser(t, "First", chat.RoleCustomer)
	c2 := f.createUser(t, "Second", chat.RoleCustomer)
	f.linkWhatsApp(t, c1.ID, "15550001111")
	f.linkWhatsApp(t, c2.ID, "15550002222")
	conv := f.createConversation(t, chat.ConversationGroup, agent.ID, c1.ID, c2.ID)

	// One permanent rejection, the other recipient succeeds. Order of the
	// two concurrent sends is not deterministic, so both calls get the
	// same script only if it is symmetric; use one failure and rely on the
	// default success for the other.
	f.wa.script(permanentFailure())
	msg := f.seed(t, conv, agent.ID, []string{c1.ID, c2.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSent, stored.Status, "one success is enough")
	assert.Empty(t, stored.ErrorKind)
	require.Len(t, stored.RecipientStates, 2)

	outcomes := map[chat.Status]int{}
	for _, st := range stored.RecipientStates {
		outcomes[st.Outcome]++
	}
	assert.Equal(t, 1, outcomes[chat.StatusSent])
	assert.Equal(t, 1, outcomes[chat.StatusFailed])
	assert.Zero(t, f.log.Pending(eventlog.TopicDeadLetter), "partial failure never dead-letters")
}

func TestRoute_NoIdentityOnChannelFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusFailed, stored.Status)
	assert.Equal(t, chat.ErrorKindNoRecipients, stored.ErrorKind)
	assert.Empty(t, f.wa.sent(), "nothing to send when no recipient resolves")
	assert.Equal(t, 1, f.log.Pending(eventlog.TopicDeadLetter))
}

func TestRoute_LiteralHandlePassesThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	msg := f.seed(t, conv, agent.ID, []string{"15559998888"}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSent, stored.Status)

	calls := f.wa.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "15559998888", calls[0].PlatformUserID)
}

func TestRoute_InternalChannelUsesLoopback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	colleague := f.createUser(t, "Colleague", chat.RoleAgent)
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, colleague.ID)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, _ := f.hub.Subscribe(subCtx, colleague.ID)

	msg := f.seed(t, conv, agent.ID, []string{colleague.ID}, chat.PlatformInternal, chat.StatusPending, "")
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusDelivered, stored.Status, "loopback delivery is synchronous")
	assert.Empty(t, f.wa.sent())

	select {
	case ev := <-events:
		require.NotNil(t, ev.Message)
		assert.Equal(t, msg.ID, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a live push for the internal recipient")
	}
}

func TestRoute_InternalChannelFansOutToAllBindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	require.NoError(t, f.identities.LinkIdentity(ctx, &chat.Identity{
		UserID:         customer.ID,
		Platform:       chat.PlatformTelegram,
		PlatformUserID: "tg-707",
	}))
	tg := &scriptedConnector{platform: chat.PlatformTelegram}
	f.router.registry.Register(connector.NewManaged(tg, 0, 0))
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformInternal, chat.StatusPending, "")
	f.routeNext(t)

	require.Len(t, f.wa.sent(), 1, "whatsapp binding dispatched exactly once")
	require.Len(t, tg.sent(), 1, "telegram binding dispatched exactly once")
	assert.Equal(t, "15550001111", f.wa.sent()[0].PlatformUserID)
	assert.Equal(t, "tg-707", tg.sent()[0].PlatformUserID)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusDelivered, stored.Status)

	platforms := map[chat.Platform]int{}
	for _, st := range stored.RecipientStates {
		platforms[st.Platform]++
	}
	assert.Equal(t, map[chat.Platform]int{
		chat.PlatformInternal: 1,
		chat.PlatformWhatsApp: 1,
		chat.PlatformTelegram: 1,
	}, platforms, "one recorded outcome per binding")
}

func TestRoute_ReplaySkipsRoutedMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")

	// Publish the same event twice, as a crash between dispatch and commit
	// would on restart.
	require.NoError(t, f.log.PublishMessage(ctx, &eventlog.MessageEvent{Message: msg, PublishedAt: time.Now().UTC()}))
	f.routeNext(t)
	f.routeNext(t)

	assert.Len(t, f.wa.sent(), 1, "replay must not dispatch again")

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSent, stored.Status)
	assert.Equal(t, 1, f.log.Pending(eventlog.TopicStatus))
}

func TestRoute_OneToOneBindsPlatformRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	bound, err := f.messages.FindConversationByRef(ctx, chat.PlatformWhatsApp, "15550001111")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, bound.ID, "successful outbound send binds the chat for future inbound")
}

func TestRoute_GroupDoesNotBindPlatformRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationGroup, agent.ID, customer.ID)

	f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	_, err := f.messages.FindConversationByRef(ctx, chat.PlatformWhatsApp, "15550001111")
	assert.ErrorIs(t, err, msgstore.ErrNotFound)
}

func TestRoute_InboundFinalizesDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	// Inbound messages land at SENT; the agent has no WhatsApp binding so
	// there is nothing to fan out, yet the message is still delivered.
	msg := f.seed(t, conv, customer.ID, []string{agent.ID}, chat.PlatformWhatsApp, chat.StatusSent, chat.PlatformWhatsApp)
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusDelivered, stored.Status)
	assert.Empty(t, stored.RecipientStates)
	assert.Empty(t, f.wa.sent())
	assert.Zero(t, f.log.Pending(eventlog.TopicDeadLetter), "inbound never dead-letters")
}

func TestRoute_InboundExcludesOriginBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	f.linkWhatsApp(t, agent.ID, "15550009999")
	conv := f.createConversation(t, chat.ConversationGroup, agent.ID, customer.ID)

	// The customer writes in from WhatsApp. The agent's own WhatsApp
	// binding receives the fan-out; the customer's must not.
	msg := f.seed(t, conv, customer.ID, []string{agent.ID}, chat.PlatformWhatsApp, chat.StatusSent, chat.PlatformWhatsApp)
	f.routeNext(t)

	calls := f.wa.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, "15550009999", calls[0].PlatformUserID)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusDelivered, stored.Status)
	require.Len(t, stored.RecipientStates, 1)
	assert.Equal(t, chat.StatusSent, stored.RecipientStates[0].Outcome)
}

func TestRoute_InboundReplaySkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	msg := f.seed(t, conv, customer.ID, []string{agent.ID}, chat.PlatformWhatsApp, chat.StatusSent, chat.PlatformWhatsApp)
	require.NoError(t, f.log.PublishMessage(ctx, &eventlog.MessageEvent{Message: msg, Origin: chat.PlatformWhatsApp, PublishedAt: time.Now().UTC()}))
	f.routeNext(t)
	f.routeNext(t)

	stored, err := f.messages.GetMessage(ctx, msg.ID)
	require.NoError(t, err)

	var delivered int
	for _, entry := range stored.StatusHistory {
		if entry.Status == chat.StatusDelivered {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered, "replay must not append a second DELIVERED")
	assert.Equal(t, 1, f.log.Pending(eventlog.TopicStatus))
}

func TestRoute_UndecodableRecordDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &eventlog.Record{Topic: eventlog.TopicMessages, Key: "k", Value: []byte("not json")}
	require.NoError(t, f.router.process(ctx, rec))
	assert.Equal(t, 1, f.log.Pending(eventlog.TopicDeadLetter))
}

func TestRoute_MissingRowDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := &chat.Message{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		SenderID:       uuid.NewString(),
		RecipientIDs:   []string{"15550001111"},
		Content:        "ghost",
		Channel:        chat.PlatformWhatsApp,
		Kind:           chat.KindUser,
		Status:         chat.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, f.log.PublishMessage(ctx, &eventlog.MessageEvent{Message: msg, PublishedAt: time.Now().UTC()}))
	f.routeNext(t)

	assert.Equal(t, 1, f.log.Pending(eventlog.TopicDeadLetter))
	assert.Empty(t, f.wa.sent())
}

func TestRoute_OutboundLivePushReachesInternalRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, _ := f.hub.Subscribe(subCtx, customer.ID)

	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")
	f.routeNext(t)

	select {
	case ev := <-events:
		require.NotNil(t, ev.Message)
		assert.Equal(t, msg.ID, ev.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("expected a live push alongside the platform dispatch")
	}
}

func TestRoute_WorkerLoopCommitsAndStops(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	agent := f.createUser(t, "Agent", chat.RoleAgent)
	customer := f.createUser(t, "Customer", chat.RoleCustomer)
	f.linkWhatsApp(t, customer.ID, "15550001111")
	conv := f.createConversation(t, chat.ConversationOneToOne, agent.ID, customer.ID)

	msg := f.seed(t, conv, agent.ID, []string{customer.ID}, chat.PlatformWhatsApp, chat.StatusPending, "")

	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()

	require.Eventually(t, func() bool {
		stored, err := f.messages.GetMessage(context.Background(), msg.ID)
		return err == nil && stored.Status == chat.StatusSent
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop after cancellation")
	}
}
