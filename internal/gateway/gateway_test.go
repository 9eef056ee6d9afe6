// ABOUTME: Gateway lifecycle and end-to-end pipeline tests
// ABOUTME: Full flows against a fake platform API: send, retry, receipts, inbound, live

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/live"
)

// testRunConfig reserves a free port and builds a config pointing at it.
func testRunConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.Default()
	cfg.Server.HTTPAddr = addr
	cfg.Server.BaseURL = "http://" + addr
	cfg.Database.Path = filepath.Join(t.TempDir(), "identities.db")
	cfg.Files.Dir = t.TempDir()
	return cfg
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testRunConfig(t)
	gw, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	base := "http://" + cfg.Server.HTTPAddr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "gateway never became healthy")

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down in time")
	}
}

// startWorkers runs the router and propagator for the fixture gateway. The
// cleanup registers after the fixture's, so workers stop before the stores
// close underneath them.
func startWorkers(t *testing.T, gw *Gateway) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := gw.router.Run(ctx); err != nil {
			t.Errorf("router: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := gw.propagator.Run(ctx); err != nil {
			t.Errorf("propagator: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

// waitForStatus polls the status endpoint until the message reaches want.
func (f *apiFixture) waitForStatus(t *testing.T, messageID string, want chat.Status) messageStatusResponse {
	t.Helper()
	var last messageStatusResponse
	require.Eventually(t, func() bool {
		rec := f.get("/messages/" + messageID + "/status")
		if rec.Code != http.StatusOK {
			return false
		}
		last = decode[messageStatusResponse](t, rec)
		return last.Status == want
	}, 5*time.Second, 10*time.Millisecond, "message %s never reached %s", messageID, want)
	return last
}

type fakeSend struct {
	To   string
	Body string
}

// fakePlatform stands in for a Cloud-API-style messaging provider: it
// terminates sends and answers the credential probe.
type fakePlatform struct {
	srv *httptest.Server

	mu        sync.Mutex
	sends     []fakeSend
	hits      int
	failNext  int
	rejectAll bool
	nextID    int
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	fp := &fakePlatform{}
	fp.srv = httptest.NewServer(http.HandlerFunc(fp.handle))
	t.Cleanup(fp.srv.Close)
	return fp
}

func (fp *fakePlatform) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/me" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost || r.URL.Path != "/messages" {
		http.Error(w, "unexpected path "+r.URL.Path, http.StatusNotFound)
		return
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.hits++

	if fp.rejectAll {
		http.Error(w, "recipient has opted out", http.StatusBadRequest)
		return
	}
	if fp.failNext > 0 {
		fp.failNext--
		http.Error(w, "upstream hiccup", http.StatusInternalServerError)
		return
	}

	var req struct {
		To   string `json:"to"`
		Text struct {
			Body string `json:"body"`
		} `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	fp.sends = append(fp.sends, fakeSend{To: req.To, Body: req.Text.Body})
	fp.nextID++
	_ = json.NewEncoder(w).Encode(map[string]any{
		"messages": []map[string]string{{"id": fmt.Sprintf("pm-%d", fp.nextID)}},
	})
}

func (fp *fakePlatform) attempts() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.hits
}

func (fp *fakePlatform) captured() []fakeSend {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]fakeSend(nil), fp.sends...)
}

func (fp *fakePlatform) stumble(n int) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.failNext = n
}

func (fp *fakePlatform) reject() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.rejectAll = true
}

// provisionFakePlatform points the WHATSAPP channel at fp.
func (f *apiFixture) provisionFakePlatform(t *testing.T, fp *fakePlatform, defaultAgentID string) {
	t.Helper()
	body := map[string]any{
		"platform":      "WHATSAPP",
		"apiBaseUrl":    fp.srv.URL,
		"credentials":   map[string]string{"token": "tok"},
		"webhookSecret": testWebhookSecret,
	}
	if defaultAgentID != "" {
		body["defaultAgentId"] = defaultAgentID
	}
	f.provisionChannel(t, body)
}

func TestOutboundDelivery_EndToEnd(t *testing.T) {
	f := newAPIFixture(t)
	fp := newFakePlatform(t)

	agent := f.createUser("Agent", chat.RoleAgent)
	customer := f.createUser("Customer", chat.RoleCustomer)
	f.linkIdentity(customer.ID, chat.PlatformWhatsApp, "15550001111")
	conv := f.createConversation(chat.ConversationOneToOne, agent.ID, customer.ID)
	f.provisionFakePlatform(t, fp, "")
	startWorkers(t, f.gw)

	res := f.sendMessage(map[string]any{
		"conversationId": conv.ID, "senderId": agent.ID,
		"content": "your order shipped", "channel": "WHATSAPP",
	})

	status := f.waitForStatus(t, res.MessageID, chat.StatusSent)
	assert.Equal(t, "pm-1", status.PlatformMessageID)
	assert.Equal(t, 1, fp.attempts())
	sends := fp.captured()
	require.Len(t, sends, 1)
	assert.Equal(t, "15550001111", sends[0].To)
	assert.Equal(t, "your order shipped", sends[0].Body)
	require.Len(t, status.RecipientStates, 1)
	assert.Equal(t, chat.StatusSent, status.RecipientStates[0].Outcome)

	// Platform receipts walk the message through DELIVERED and READ.
	rec := f.postWebhook(t, "WHATSAPP", waEnvelope(nil, []map[string]any{{
		"id": "pm-1", "status": "delivered", "timestamp": "1750000100",
	}}), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	f.waitForStatus(t, res.MessageID, chat.StatusDelivered)

	rec = f.postWebhook(t, "WHATSAPP", waEnvelope(nil, []map[string]any{{
		"id": "pm-1", "status": "read", "timestamp": "1750000200",
	}}), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	final := f.waitForStatus(t, res.MessageID, chat.StatusRead)

	var seen []chat.Status
	for _, e := range final.StatusHistory {
		seen = append(seen, e.Status)
	}
	assert.Equal(t, []chat.Status{chat.StatusPending, chat.StatusSent, chat.StatusDelivered, chat.StatusRead}, seen)
}

func TestOutboundDelivery_RetriesTransientFailures(t *testing.T) {
	f := newAPIFixture(t)
	fp := newFakePlatform(t)

	agent := f.createUser("Agent", chat.RoleAgent)
	customer := f.createUser("Customer", chat.RoleCustomer)
	f.linkIdentity(customer.ID, chat.PlatformWhatsApp, "15550001111")
	conv := f.createConversation(chat.ConversationOneToOne, agent.ID, customer.ID)
	f.provisionFakePlatform(t, fp, "")
	startWorkers(t, f.gw)

	fp.stumble(2)
	res := f.sendMessage(map[string]any{
		"conversationId": conv.ID, "senderId": agent.ID,
		"content": "second time lucky", "channel": "WHATSAPP",
	})

	f.waitForStatus(t, res.MessageID, chat.StatusSent)
	assert.Equal(t, 3, fp.attempts(), "two 5xx answers then success")
}

func TestOutboundDelivery_PermanentFailureDeadLetters(t *testing.T) {
	f := newAPIFixture(t)
	fp := newFakePlatform(t)

	agent := f.createUser("Agent", chat.RoleAgent)
	customer := f.createUser("Customer", chat.RoleCustomer)
	f.linkIdentity(customer.ID, chat.PlatformWhatsApp, "15550001111")
	conv := f.createConversation(chat.ConversationOneToOne, agent.ID, customer.ID)
	f.provisionFakePlatform(t, fp, "")
	startWorkers(t, f.gw)

	fp.reject()
	res := f.sendMessage(map[string]any{
		"conversationId": conv.ID, "senderId": agent.ID,
		"content": "no dice", "channel": "WHATSAPP",
	})

	final := f.waitForStatus(t, res.MessageID, chat.StatusFailed)
	assert.Equal(t, chat.ErrorKindPermanent, final.ErrorKind)
	assert.Equal(t, 1, fp.attempts(), "a 4xx answer is not retried")
	require.Len(t, final.RecipientStates, 1)
	assert.Equal(t, chat.StatusFailed, final.RecipientStates[0].Outcome)

	require.Eventually(t, func() bool {
		return f.memLog().Pending(eventlog.TopicDeadLetter) == 1
	}, 5*time.Second, 10*time.Millisecond, "failed message never reached the dead letter topic")
}

func TestOutboundDelivery_DuplicateSendHitsPlatformOnce(t *testing.T) {
	f := newAPIFixture(t)
	fp := newFakePlatform(t)

	agent := f.createUser("Agent", chat.RoleAgent)
	customer := f.createUser("Customer", chat.RoleCustomer)
	f.linkIdentity(customer.ID, chat.PlatformWhatsApp, "15550001111")
	conv := f.createConversation(chat.ConversationOneToOne, agent.ID, customer.ID)
	f.provisionFakePlatform(t, fp, "")
	startWorkers(t, f.gw)

	body := map[string]any{
		"messageId":      "2db9fa39-cd9c-4b26-9e2e-74a0d4f4f0a1",
		"conversationId": conv.ID, "senderId": agent.ID,
		"content": "charge the card", "channel": "WHATSAPP",
	}
	first := f.sendMessage(body)
	second := f.sendMessage(body)
	require.Equal(t, first.MessageID, second.MessageID)

	f.waitForStatus(t, first.MessageID, chat.StatusSent)
	assert.Equal(t, 1, fp.attempts())
}

func TestInboundConversation_RoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	fp := newFakePlatform(t)
	ctx := context.Background()

	agent := f.createUser("Support Desk", chat.RoleAgent)
	f.provisionFakePlatform(t, fp, agent.ID)
	startWorkers(t, f.gw)

	// A stranger writes in from the platform.
	rec := f.postWebhook(t, "WHATSAPP", waEnvelope([]map[string]any{{
		"from": "15557770000", "id": "wamid.rt1", "type": "text",
		"text": map[string]string{"body": "my package is missing"},
	}}, nil), testWebhookSecret)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 1, decode[webhookResponse](t, rec).Accepted)

	inbound, err := f.gw.messages.GetMessageByPlatformID(ctx, chat.PlatformWhatsApp, "wamid.rt1")
	require.NoError(t, err)
	f.waitForStatus(t, inbound.ID, chat.StatusDelivered)

	// The sender's own platform is never echoed the message.
	assert.Zero(t, fp.attempts())

	// The agent answers on the conversation the webhook provisioned.
	res := f.sendMessage(map[string]any{
		"conversationId": inbound.ConversationID, "senderId": agent.ID,
		"content": "looking into it now", "channel": "WHATSAPP",
	})
	f.waitForStatus(t, res.MessageID, chat.StatusSent)

	sends := fp.captured()
	require.Len(t, sends, 1)
	assert.Equal(t, "15557770000", sends[0].To, "the reply lands on the provisioned handle")
	assert.Equal(t, "looking into it now", sends[0].Body)
}

func TestWebSocketLiveDelivery(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.h)
	defer srv.Close()
	startWorkers(t, f.gw)

	agent := f.createUser("Agent", chat.RoleAgent)
	customer := f.createUser("Customer", chat.RoleCustomer)
	conv := f.createConversation(chat.ConversationOneToOne, agent.ID, customer.ID)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?userId=" + customer.ID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.gw.hub.Online(customer.ID)
	}, time.Second, 5*time.Millisecond, "subscription never registered")

	res := f.sendMessage(map[string]any{
		"conversationId": conv.ID, "senderId": agent.ID,
		"content": "ping over the wire", "channel": "INTERNAL",
	})

	// The first frame is the message itself, pushed when the router picks
	// the event up.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev live.Event
	require.NoError(t, json.Unmarshal(frame, &ev))
	require.Equal(t, live.EventMessage, ev.Type)
	require.NotNil(t, ev.Message)
	assert.Equal(t, res.MessageID, ev.Message.ID)
	assert.Equal(t, "ping over the wire", ev.Message.Content)

	// Status frames follow as the propagator applies the loopback outcome.
	deadline := time.Now().Add(3 * time.Second)
	sawDelivered := false
	for !sawDelivered && time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var ev live.Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		if ev.Type == live.EventStatus && ev.Status != nil &&
			ev.Status.MessageID == res.MessageID && ev.Status.Status == chat.StatusDelivered {
			sawDelivered = true
		}
	}
	assert.True(t, sawDelivered, "no DELIVERED status frame arrived")

	f.waitForStatus(t, res.MessageID, chat.StatusDelivered)
}
