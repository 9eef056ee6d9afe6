// ABOUTME: Tests for the in-memory event log engine
// ABOUTME: Ordering, blocking fetch, commits, and dead letter routing

package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
)

func testMessageEvent(id, convID string) *MessageEvent {
	return &MessageEvent{
		Message: &chat.Message{
			ID:             id,
			ConversationID: convID,
			SenderID:       "user-a",
			Content:        "hello",
			Channel:        chat.PlatformWhatsApp,
			Status:         chat.StatusPending,
			CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		PublishedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMemoryLog_PublishAndConsumeInOrder(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	for _, id := range []string{"msg-1", "msg-2", "msg-3"} {
		if err := l.PublishMessage(ctx, testMessageEvent(id, "conv-1")); err != nil {
			t.Fatalf("PublishMessage(%s) failed: %v", id, err)
		}
	}

	c := l.MessageConsumer("router")
	for i, want := range []string{"msg-1", "msg-2", "msg-3"} {
		rec, err := c.Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch %d failed: %v", i, err)
		}
		if rec.Key != "conv-1" {
			t.Errorf("record %d key = %q, want conv-1", i, rec.Key)
		}
		if rec.Offset != int64(i) {
			t.Errorf("record %d offset = %d, want %d", i, rec.Offset, i)
		}

		ev, err := DecodeMessageEvent(rec.Value)
		if err != nil {
			t.Fatalf("DecodeMessageEvent failed: %v", err)
		}
		if ev.Message.ID != want {
			t.Errorf("record %d message = %s, want %s", i, ev.Message.ID, want)
		}

		if err := c.Commit(ctx, rec); err != nil {
			t.Fatalf("Commit failed: %v", err)
		}
	}

	mc := c.(*memoryConsumer)
	if mc.Committed() != 3 {
		t.Errorf("committed offset = %d, want 3", mc.Committed())
	}
}

func TestMemoryLog_FetchBlocksUntilPublish(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	c := l.MessageConsumer("router")

	got := make(chan string, 1)
	go func() {
		rec, err := c.Fetch(ctx)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		ev, err := DecodeMessageEvent(rec.Value)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- ev.Message.ID
	}()

	// Give the fetcher time to block before publishing.
	time.Sleep(20 * time.Millisecond)
	if err := l.PublishMessage(ctx, testMessageEvent("msg-late", "conv-1")); err != nil {
		t.Fatalf("PublishMessage failed: %v", err)
	}

	select {
	case id := <-got:
		if id != "msg-late" {
			t.Errorf("blocked fetch returned %q, want msg-late", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked fetch never woke up after publish")
	}
}

func TestMemoryLog_FetchHonorsContext(t *testing.T) {
	l := NewMemoryLog()
	c := l.MessageConsumer("router")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Fetch(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch on empty topic = %v, want context.DeadlineExceeded", err)
	}
}

func TestMemoryLog_IndependentConsumersSeeAllRecords(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	if err := l.PublishMessage(ctx, testMessageEvent("msg-1", "conv-1")); err != nil {
		t.Fatalf("PublishMessage failed: %v", err)
	}

	for _, group := range []string{"router", "audit"} {
		rec, err := l.MessageConsumer(group).Fetch(ctx)
		if err != nil {
			t.Fatalf("Fetch for group %s failed: %v", group, err)
		}
		ev, err := DecodeMessageEvent(rec.Value)
		if err != nil {
			t.Fatalf("DecodeMessageEvent failed: %v", err)
		}
		if ev.Message.ID != "msg-1" {
			t.Errorf("group %s got %s, want msg-1", group, ev.Message.ID)
		}
	}
}

func TestMemoryLog_StandbyMemberIdlesWhileOwnerHoldsPartition(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	for _, id := range []string{"msg-1", "msg-2"} {
		if err := l.PublishMessage(ctx, testMessageEvent(id, "conv-1")); err != nil {
			t.Fatalf("PublishMessage failed: %v", err)
		}
	}

	owner := l.MessageConsumer("router")
	if _, err := owner.Fetch(ctx); err != nil {
		t.Fatalf("owner Fetch failed: %v", err)
	}

	// The second member of the same group gets nothing while the owner is
	// alive, even with records pending.
	standby := l.MessageConsumer("router")
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := standby.Fetch(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("standby Fetch = %v, want context.DeadlineExceeded", err)
	}
}

func TestMemoryLog_GroupFailoverRedeliversUncommitted(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	for _, id := range []string{"msg-1", "msg-2"} {
		if err := l.PublishMessage(ctx, testMessageEvent(id, "conv-1")); err != nil {
			t.Fatalf("PublishMessage failed: %v", err)
		}
	}

	a := l.MessageConsumer("router")
	first, err := a.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if err := a.Commit(ctx, first); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := a.Fetch(ctx); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	// msg-2 was fetched but never committed; closing hands the partition
	// to the next member, which must see it again.
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b := l.MessageConsumer("router")
	rec, err := b.Fetch(ctx)
	if err != nil {
		t.Fatalf("takeover Fetch failed: %v", err)
	}
	ev, err := DecodeMessageEvent(rec.Value)
	if err != nil {
		t.Fatalf("DecodeMessageEvent failed: %v", err)
	}
	if ev.Message.ID != "msg-2" {
		t.Errorf("takeover got %s, want the uncommitted msg-2", ev.Message.ID)
	}
}

func TestMemoryLog_StatusTopicIsSeparate(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	status := &StatusEvent{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		Status:         chat.StatusDelivered,
		At:             time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
	}
	if err := l.PublishStatus(ctx, status); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	if l.Pending(TopicMessages) != 0 {
		t.Errorf("chat-events holds %d records, want 0", l.Pending(TopicMessages))
	}
	if l.Pending(TopicStatus) != 1 {
		t.Errorf("status-updates holds %d records, want 1", l.Pending(TopicStatus))
	}

	rec, err := l.StatusConsumer("propagator").Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	ev, err := DecodeStatusEvent(rec.Value)
	if err != nil {
		t.Fatalf("DecodeStatusEvent failed: %v", err)
	}
	if ev.Status != chat.StatusDelivered || ev.MessageID != "msg-1" {
		t.Errorf("status event = %+v, want DELIVERED for msg-1", ev)
	}
}

func TestMemoryLog_DeadLetterCarriesOriginalBytes(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()

	if err := l.PublishMessage(ctx, testMessageEvent("msg-1", "conv-1")); err != nil {
		t.Fatalf("PublishMessage failed: %v", err)
	}
	rec, err := l.MessageConsumer("router").Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if err := l.DeadLetter(ctx, rec, "all recipients failed"); err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}

	dead, err := l.DeadLetterConsumer("admin").Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch from dlq failed: %v", err)
	}
	if dead.Key != rec.Key {
		t.Errorf("dlq key = %q, want %q", dead.Key, rec.Key)
	}
	ev, err := DecodeMessageEvent(dead.Value)
	if err != nil {
		t.Fatalf("dead letter value is not the original event: %v", err)
	}
	if ev.Message.ID != "msg-1" {
		t.Errorf("dead letter message = %s, want msg-1", ev.Message.ID)
	}
}

func TestMemoryLog_PublishAfterCloseFails(t *testing.T) {
	l := NewMemoryLog()
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err := l.PublishMessage(context.Background(), testMessageEvent("msg-1", "conv-1"))
	if err == nil {
		t.Error("PublishMessage after Close succeeded, want error")
	}
}

func TestDecodeMessageEvent_Malformed(t *testing.T) {
	if _, err := DecodeMessageEvent([]byte("not json")); err == nil {
		t.Error("DecodeMessageEvent accepted garbage")
	}
	if _, err := DecodeMessageEvent([]byte(`{"origin":"WHATSAPP"}`)); err == nil {
		t.Error("DecodeMessageEvent accepted an envelope without a message")
	}
}

func TestDecodeStatusEvent_Malformed(t *testing.T) {
	if _, err := DecodeStatusEvent([]byte("not json")); err == nil {
		t.Error("DecodeStatusEvent accepted garbage")
	}
	if _, err := DecodeStatusEvent([]byte(`{"status":"SENT"}`)); err == nil {
		t.Error("DecodeStatusEvent accepted an event without a message id")
	}
}
