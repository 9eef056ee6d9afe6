// ABOUTME: Tests for the live hub fan-out semantics
// ABOUTME: Per-user isolation, slow-consumer drop, unsubscribe, and shutdown

package live

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/chat"
)

func testMessage(id string) *chat.Message {
	return &chat.Message{ID: id, ConversationID: "conv-1", SenderID: "user-a", Content: "hi"}
}

func recvEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestHub_PublishReachesAllUserSubscriptions(t *testing.T) {
	h := NewHub()
	defer h.Close()
	ctx := context.Background()

	ch1, _ := h.Subscribe(ctx, "user-b")
	ch2, _ := h.Subscribe(ctx, "user-b")
	other, _ := h.Subscribe(ctx, "user-c")

	h.Publish("user-b", MessageEvent(testMessage("msg-1")))

	assert.Equal(t, "msg-1", recvEvent(t, ch1).Message.ID)
	assert.Equal(t, "msg-1", recvEvent(t, ch2).Message.ID)

	select {
	case ev := <-other:
		t.Fatalf("user-c received %+v, want nothing", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishToOfflineUserIsNoop(t *testing.T) {
	h := NewHub()
	defer h.Close()

	h.Publish("nobody", MessageEvent(testMessage("msg-1")))
	assert.False(t, h.Online("nobody"))
}

func TestHub_SlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, _ := h.Subscribe(context.Background(), "user-b")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize+10; i++ {
			h.Publish("user-b", MessageEvent(testMessage("msg")))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, subID := h.Subscribe(context.Background(), "user-b")
	require.True(t, h.Online("user-b"))

	h.Unsubscribe("user-b", subID)
	_, ok := <-ch
	assert.False(t, ok)
	assert.False(t, h.Online("user-b"))

	// Repeat unsubscribe is harmless.
	h.Unsubscribe("user-b", subID)
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx, "user-b")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after cancellation")
	case <-time.After(time.Second):
		t.Fatal("subscription was not torn down")
	}
}

func TestHub_StatusEvents(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, _ := h.Subscribe(context.Background(), "user-a")
	h.Publish("user-a", StatusEvent(&StatusUpdate{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		Status:         chat.StatusDelivered,
		At:             time.Now(),
	}))

	ev := recvEvent(t, ch)
	assert.Equal(t, EventStatus, ev.Type)
	assert.Equal(t, chat.StatusDelivered, ev.Status.Status)
	assert.Nil(t, ev.Message)
}

func TestHub_CloseClosesEverything(t *testing.T) {
	h := NewHub()

	ch1, _ := h.Subscribe(context.Background(), "user-a")
	ch2, _ := h.Subscribe(context.Background(), "user-b")
	h.Close()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
}
