// ABOUTME: Loopback connector for the INTERNAL channel
// ABOUTME: Delivery is the store write plus live push, so it acks DELIVERED at once

package connector

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
)

// Loopback terminates INTERNAL sends in-process.
type Loopback struct{}

var _ Connector = (*Loopback)(nil)

func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Platform() chat.Platform { return chat.PlatformInternal }

func (l *Loopback) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, transientErr(chat.PlatformInternal, "", err.Error())
	}
	return &SendResult{
		PlatformMessageID: "internal-" + uuid.NewString(),
		Status:            chat.StatusDelivered,
	}, nil
}

func (l *Loopback) Webhook(http.Header, []byte) ([]*InboundEvent, error) {
	return nil, ErrNoWebhook
}

func (l *Loopback) ValidateCredentials(context.Context) error { return nil }
