// ABOUTME: Tests for the dev-mode echo connector
// ABOUTME: Covers the synchronous ack, the delayed reply, and drain semantics

package connector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/chat"
)

func TestEcho_AcksDeliveredAndRepliesInbound(t *testing.T) {
	events := make(chan *InboundEvent, 1)
	e := NewEcho(chat.PlatformWhatsApp, time.Millisecond, func(ev *InboundEvent) { events <- ev })

	res, err := e.Send(context.Background(), testSendRequest())
	require.NoError(t, err)
	assert.Equal(t, chat.StatusDelivered, res.Status)
	assert.True(t, strings.HasPrefix(res.PlatformMessageID, "echo-"))

	select {
	case ev := <-events:
		assert.Equal(t, InboundMessage, ev.Kind)
		assert.Equal(t, chat.PlatformWhatsApp, ev.Platform)
		assert.Equal(t, "15550001111", ev.PlatformUserID)
		assert.Equal(t, "15550001111", ev.PlatformChatID)
		assert.Equal(t, "echo: hello", ev.Text)
		assert.NotEmpty(t, ev.PlatformMessageID)
	case <-time.After(time.Second):
		t.Fatal("no echoed reply arrived")
	}
}

func TestEcho_DrainStopsPendingReplies(t *testing.T) {
	events := make(chan *InboundEvent, 1)
	e := NewEcho(chat.PlatformWhatsApp, 50*time.Millisecond, func(ev *InboundEvent) { events <- ev })

	_, err := e.Send(context.Background(), testSendRequest())
	require.NoError(t, err)

	// Drain returns only after the scheduled reply goroutine has finished,
	// so an empty channel here is deterministic.
	e.Drain()
	select {
	case <-events:
		t.Fatal("a drained echo must not deliver its reply")
	default:
	}

	// Sends after drain are still acked, they just schedule nothing.
	res, err := e.Send(context.Background(), testSendRequest())
	require.NoError(t, err)
	assert.Equal(t, chat.StatusDelivered, res.Status)
	assert.Empty(t, events)
}
