// ABOUTME: Status propagator: applies status-updates to message history
// ABOUTME: Forwards each transition to live subscribers of the conversation

package propagator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/live"
	"github.com/2389/loom-gateway/internal/msgstore"
)

// Propagator consumes the status topic, appends transitions to the
// message store, and pushes them to every live participant. Invalid
// transitions are dropped silently: duplicates and stale platform acks
// are routine, not errors.
type Propagator struct {
	messages msgstore.Store
	log      eventlog.Log
	hub      *live.Hub
	group    string

	logger *slog.Logger
}

func New(messages msgstore.Store, log eventlog.Log, hub *live.Hub, group string) *Propagator {
	if group == "" {
		group = "loom-propagator"
	}
	return &Propagator{
		messages: messages,
		log:      log,
		hub:      hub,
		group:    group,
		logger:   slog.Default().With("component", "propagator"),
	}
}

// Run consumes status events until ctx is cancelled.
func (p *Propagator) Run(ctx context.Context) error {
	consumer := p.log.StatusConsumer(p.group)
	defer consumer.Close()

	p.logger.Info("propagator starting", "group", p.group)
	for {
		rec, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("propagator stopped")
				return nil
			}
			p.logger.Error("fetch failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if err := p.apply(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("apply failed, leaving offset uncommitted", "offset", rec.Offset, "error", err)
			continue
		}
		if err := consumer.Commit(ctx, rec); err != nil && ctx.Err() == nil {
			p.logger.Error("commit failed", "offset", rec.Offset, "error", err)
		}
	}
}

// apply writes one transition and fans it out. A nil return means the
// offset may be committed.
func (p *Propagator) apply(ctx context.Context, rec *eventlog.Record) error {
	ev, err := eventlog.DecodeStatusEvent(rec.Value)
	if err != nil {
		p.logger.Error("undecodable status record, dropping", "offset", rec.Offset, "error", err)
		return nil
	}

	entry := chat.StatusEntry{Status: ev.Status, At: ev.At, Reason: ev.Reason}
	if err := p.messages.AppendStatus(ctx, ev.MessageID, entry); err != nil {
		switch {
		case errors.Is(err, msgstore.ErrInvalidTransition):
			// Already applied, or a stale ack racing a newer state. The
			// history keeps its first-write-wins shape either way.
			p.logger.Debug("ignoring out-of-order status",
				"message_id", ev.MessageID, "status", ev.Status)
		case errors.Is(err, msgstore.ErrNotFound):
			p.logger.Warn("status for unknown message, dropping",
				"message_id", ev.MessageID, "status", ev.Status)
			return nil
		default:
			return err
		}
	}

	p.forward(ctx, ev)
	return nil
}

// forward pushes the transition to every active participant. Best-effort:
// the durable history is already written.
func (p *Propagator) forward(ctx context.Context, ev *eventlog.StatusEvent) {
	conv, err := p.messages.GetConversation(ctx, ev.ConversationID)
	if err != nil {
		if !errors.Is(err, msgstore.ErrNotFound) {
			p.logger.Warn("could not load conversation for live fan-out",
				"conversation_id", ev.ConversationID, "error", err)
		}
		return
	}

	update := &live.StatusUpdate{
		MessageID:      ev.MessageID,
		ConversationID: ev.ConversationID,
		Status:         ev.Status,
		Reason:         ev.Reason,
		At:             ev.At,
	}
	for _, userID := range conv.ActiveParticipants(time.Now().UTC()) {
		p.hub.Publish(userID, live.StatusEvent(update))
	}
}
