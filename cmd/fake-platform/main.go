// ABOUTME: Fake messaging platform that speaks the WhatsApp Cloud API surface for local testing
// ABOUTME: Usage: go run ./cmd/fake-platform [-config fake-platform.toml] [-addr localhost:9090]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/loom-gateway/internal/connector"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to TOML config file (defaults apply when empty)")
		addr       = flag.String("addr", "", "listen address (overrides config)")
		gatewayURL = flag.String("gateway", "", "loom-gateway base URL (overrides config)")
	)
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := Load(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *gatewayURL != "" {
		cfg.Gateway.URL = *gatewayURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *Config) error {
	p := &platform{
		ctx:      ctx,
		cfg:      cfg,
		failLeft: cfg.Behavior.FailFirst,
		http:     &http.Client{Timeout: 10 * time.Second},
	}

	r := chi.NewRouter()
	r.Get("/me", p.handleMe)
	r.Post("/messages", p.handleSend)
	r.Post("/inbound", p.handleInbound)
	r.Get("/sends", p.handleSends)

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("fake platform listening on %s, webhooks -> %s", cfg.Server.Addr, p.webhookURL())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type platform struct {
	// ctx is the process context. Receipt timers hang off it so they
	// survive the request that scheduled them but die on shutdown.
	ctx  context.Context
	cfg  *Config
	http *http.Client

	mu       sync.Mutex
	seq      int
	failLeft int
	sends    []sendRecord
}

type sendRecord struct {
	ID   string    `json:"id"`
	To   string    `json:"to"`
	Body string    `json:"body"`
	At   time.Time `json:"at"`
}

func (p *platform) webhookURL() string {
	return strings.TrimRight(p.cfg.Gateway.URL, "/") + "/webhooks/" + strings.ToLower(p.cfg.Gateway.Platform)
}

func (p *platform) authorized(r *http.Request) bool {
	if p.cfg.Behavior.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+p.cfg.Behavior.Token
}

// handleMe answers the credential probe the gateway sends on channel checks.
func (p *platform) handleMe(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		writeGraphError(w, http.StatusUnauthorized, 190, "invalid access token")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": "0000000000", "name": "fake platform"})
}

// handleSend accepts an outbound message the way the Cloud API does,
// then emits delivered/read receipts back at the gateway on a delay.
func (p *platform) handleSend(w http.ResponseWriter, r *http.Request) {
	if !p.authorized(r) {
		writeGraphError(w, http.StatusUnauthorized, 190, "invalid access token")
		return
	}

	var req struct {
		To   string `json:"to"`
		Type string `json:"type"`
		Text struct {
			Body string `json:"body"`
		} `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGraphError(w, http.StatusBadRequest, 100, "invalid request body")
		return
	}

	if p.cfg.Behavior.Hang > 0 {
		select {
		case <-time.After(p.cfg.Behavior.Hang):
		case <-r.Context().Done():
			log.Printf("send abandoned by caller during hang")
			return
		}
	}

	if p.cfg.Behavior.Reject {
		writeGraphError(w, http.StatusBadRequest, 131026, "message undeliverable")
		return
	}

	p.mu.Lock()
	if p.failLeft > 0 {
		p.failLeft--
		remaining := p.failLeft
		p.mu.Unlock()
		log.Printf("send failed on purpose, %d failures remaining", remaining)
		writeGraphError(w, http.StatusInternalServerError, 2, "temporary platform outage")
		return
	}
	p.seq++
	id := fmt.Sprintf("wamid.FAKE%06d", p.seq)
	p.sends = append(p.sends, sendRecord{ID: id, To: req.To, Body: req.Text.Body, At: time.Now().UTC()})
	p.mu.Unlock()

	log.Printf("send accepted: id=%s to=%s body=%q", id, req.To, req.Text.Body)
	p.scheduleReceipts(id, req.To)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"messages": []map[string]string{{"id": id}},
	})
}

// handleInbound wraps a customer message into a webhook envelope and posts
// it to the gateway, simulating a user typing on the platform.
func (p *platform) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.Text == "" {
		http.Error(w, "from and text are required", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("wamid.FAKEIN%06d", p.seq)
	p.mu.Unlock()

	status, err := p.postWebhook(messageEnvelope(id, req.From, req.Text, time.Now()))
	if err != nil {
		http.Error(w, fmt.Sprintf("posting webhook: %v", err), http.StatusBadGateway)
		return
	}

	log.Printf("inbound injected: id=%s from=%s gateway=%d", id, req.From, status)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"id": id, "gatewayStatus": status})
}

// handleSends lists every accepted send, oldest first, for test assertions.
func (p *platform) handleSends(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	sends := make([]sendRecord, len(p.sends))
	copy(sends, p.sends)
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"sends": sends})
}

func (p *platform) scheduleReceipts(id, recipient string) {
	if p.cfg.Behavior.DeliverAfter > 0 {
		go p.emitStatusAfter(p.cfg.Behavior.DeliverAfter, id, recipient, "delivered")
	}
	if p.cfg.Behavior.ReadAfter > 0 {
		go p.emitStatusAfter(p.cfg.Behavior.ReadAfter, id, recipient, "read")
	}
}

func (p *platform) emitStatusAfter(d time.Duration, id, recipient, status string) {
	select {
	case <-time.After(d):
	case <-p.ctx.Done():
		return
	}
	code, err := p.postWebhook(statusEnvelope(id, recipient, status, time.Now()))
	if err != nil {
		log.Printf("%s receipt for %s failed: %v", status, id, err)
		return
	}
	log.Printf("emitted %s receipt for %s, gateway=%d", status, id, code)
}

func (p *platform) postWebhook(body []byte) (int, error) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodPost, p.webhookURL(), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Gateway.WebhookSecret != "" {
		req.Header.Set(connector.SignatureHeader, connector.SignBody(p.cfg.Gateway.WebhookSecret, body))
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// writeGraphError responds with the Cloud API error envelope. Codes matter:
// the gateway classifies 2 as retriable and 131026 as permanent.
func writeGraphError(w http.ResponseWriter, status, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "OAuthException",
			"code":    code,
		},
	})
}

// Wire shapes below mirror the webhook envelope the gateway parses.

type webhookEnvelope struct {
	Entry []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	Changes []webhookChange `json:"changes"`
}

type webhookChange struct {
	Value webhookValue `json:"value"`
}

type webhookValue struct {
	Messages []inboundMessage `json:"messages,omitempty"`
	Statuses []inboundStatus  `json:"statuses,omitempty"`
}

type inboundMessage struct {
	From      string       `json:"from"`
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *inboundText `json:"text,omitempty"`
}

type inboundText struct {
	Body string `json:"body"`
}

type inboundStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

func messageEnvelope(id, from, text string, at time.Time) []byte {
	env := webhookEnvelope{Entry: []webhookEntry{{Changes: []webhookChange{{Value: webhookValue{
		Messages: []inboundMessage{{
			From:      from,
			ID:        id,
			Timestamp: strconv.FormatInt(at.Unix(), 10),
			Type:      "text",
			Text:      &inboundText{Body: text},
		}},
	}}}}}}
	data, _ := json.Marshal(env)
	return data
}

func statusEnvelope(id, recipient, status string, at time.Time) []byte {
	env := webhookEnvelope{Entry: []webhookEntry{{Changes: []webhookChange{{Value: webhookValue{
		Statuses: []inboundStatus{{
			ID:          id,
			Status:      status,
			Timestamp:   strconv.FormatInt(at.Unix(), 10),
			RecipientID: recipient,
		}},
	}}}}}}
	data, _ := json.Marshal(env)
	return data
}
