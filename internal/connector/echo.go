// ABOUTME: Dev-mode echo connector that answers every send with an inbound reply
// ABOUTME: Stands in for a real platform when running on memory backends

package connector

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
)

// Echo acks sends as DELIVERED and, after a short delay, hands an echoed
// inbound event to the configured sink. Used by dev mode so the webhook
// re-entry path runs without a real platform.
type Echo struct {
	platform chat.Platform
	delay    time.Duration
	sink     func(*InboundEvent)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ Connector = (*Echo)(nil)

func NewEcho(platform chat.Platform, delay time.Duration, sink func(*InboundEvent)) *Echo {
	return &Echo{platform: platform, delay: delay, sink: sink}
}

func (e *Echo) Platform() chat.Platform { return e.platform }

func (e *Echo) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientErr(e.platform, "", err.Error())
	}

	pmid := "echo-" + uuid.NewString()
	e.mu.Lock()
	if !e.closed && e.sink != nil {
		e.wg.Add(1)
		go e.reply(req, pmid)
	}
	e.mu.Unlock()

	return &SendResult{PlatformMessageID: pmid, Status: chat.StatusDelivered}, nil
}

func (e *Echo) reply(req *SendRequest, pmid string) {
	defer e.wg.Done()
	time.Sleep(e.delay)

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.sink(&InboundEvent{
		Kind:              InboundMessage,
		Platform:          e.platform,
		PlatformUserID:    req.PlatformUserID,
		PlatformChatID:    req.PlatformUserID,
		PlatformMessageID: "echo-reply-" + uuid.NewString(),
		Text:              "echo: " + req.Message.Content,
		At:                time.Now().UTC(),
	})
}

func (e *Echo) Webhook(http.Header, []byte) ([]*InboundEvent, error) {
	return nil, ErrNoWebhook
}

func (e *Echo) ValidateCredentials(context.Context) error { return nil }

// Drain stops new replies and waits for in-flight ones.
func (e *Echo) Drain() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
