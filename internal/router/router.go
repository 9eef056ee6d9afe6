// ABOUTME: Router worker pool: consumes chat-events, dispatches per recipient
// ABOUTME: Retries with backoff, aggregates outcomes, dead-letters total failures

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/connector"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/live"
	"github.com/2389/loom-gateway/internal/msgstore"
	"github.com/2389/loom-gateway/internal/store"
)

// Config carries the router knobs, lifted from the router section of the
// gateway configuration.
type Config struct {
	// Workers is the number of consumer group members; partitions balance
	// across them.
	Workers int
	// Group is the consumer group id.
	Group string
	// MaxAttempts bounds sends per recipient, first try included.
	MaxAttempts int
	// RetryBase and RetryCap shape the per-recipient backoff.
	RetryBase time.Duration
	RetryCap  time.Duration
	// MessageBudget bounds the total processing time of one message.
	MessageBudget time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Group == "" {
		c.Group = "loom-router"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Second
	}
	if c.MessageBudget <= 0 {
		c.MessageBudget = 2 * time.Minute
	}
}

// Router fans accepted messages out to platform connectors and live
// subscribers, then writes the terminal outcome.
type Router struct {
	identities store.Store
	messages   msgstore.Store
	log        eventlog.Log
	registry   *connector.Registry
	hub        *live.Hub
	cfg        Config

	logger *slog.Logger
	now    func() time.Time
}

func New(identities store.Store, messages msgstore.Store, log eventlog.Log, registry *connector.Registry, hub *live.Hub, cfg Config) *Router {
	cfg.applyDefaults()
	return &Router{
		identities: identities,
		messages:   messages,
		log:        log,
		registry:   registry,
		hub:        hub,
		cfg:        cfg,
		logger:     slog.Default().With("component", "router"),
		now:        time.Now,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("router starting", "workers", r.cfg.Workers, "group", r.cfg.Group)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	r.logger.Info("router stopped")
	return nil
}

// worker is one consumer group member: fetch, process to a terminal
// outcome, commit. Offsets stay uncommitted until the outcome is durable,
// so a crash replays the message and the status check skips finished work.
func (r *Router) worker(ctx context.Context, id int) {
	consumer := r.log.MessageConsumer(r.cfg.Group)
	defer consumer.Close()

	logger := r.logger.With("worker", id)
	for {
		rec, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("fetch failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := r.process(ctx, rec); err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-message: no status written, no commit, the
				// record is redelivered to the next incarnation.
				return
			}
			logger.Error("processing failed, leaving offset uncommitted",
				"topic", rec.Topic, "offset", rec.Offset, "error", err)
			continue
		}
		if err := consumer.Commit(ctx, rec); err != nil && ctx.Err() == nil {
			logger.Error("commit failed", "offset", rec.Offset, "error", err)
		}
	}
}

// process drives one record to a terminal outcome. A nil return means the
// offset may be committed.
func (r *Router) process(ctx context.Context, rec *eventlog.Record) error {
	ev, err := eventlog.DecodeMessageEvent(rec.Value)
	if err != nil {
		r.logger.Error("undecodable record, dead-lettering", "offset", rec.Offset, "error", err)
		return r.log.DeadLetter(ctx, rec, "undecodable: "+err.Error())
	}

	msg, err := r.loadMessage(ctx, ev.Message.ID)
	if err != nil {
		if errors.Is(err, msgstore.ErrNotFound) {
			// An event without a row should not exist; park it for the
			// operator rather than guessing.
			return r.log.DeadLetter(ctx, rec, "message row not found")
		}
		return fmt.Errorf("load message %s: %w", ev.Message.ID, err)
	}

	if r.alreadyRouted(msg, ev.Origin) {
		r.logger.Debug("skipping already-routed message", "message_id", msg.ID, "status", msg.Status)
		return nil
	}

	budget, cancel := context.WithTimeout(ctx, r.cfg.MessageBudget)
	defer cancel()

	plan, err := r.resolve(budget, msg, ev.Origin)
	if err != nil {
		return fmt.Errorf("resolve recipients for %s: %w", msg.ID, err)
	}

	// Live internal users see the message as soon as it is routed; their
	// durable copy is already in the store. Inbound messages were pushed at
	// accept time.
	if ev.Origin == "" {
		for _, userID := range plan.liveUsers {
			r.hub.Publish(userID, live.MessageEvent(msg))
		}
	}

	results := r.dispatchAll(budget, msg, plan.targets)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Terminal writes run on the parent context: the budget bounds platform
	// calls, not bookkeeping.
	if ev.Origin != "" {
		return r.finalizeInbound(ctx, msg, results)
	}
	return r.finalizeOutbound(ctx, rec, msg, results)
}

// loadMessage reads the authoritative row with a short bounded retry so a
// store blip does not park the partition.
func (r *Router) loadMessage(ctx context.Context, id string) (*chat.Message, error) {
	var msg *chat.Message
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 2), ctx)
	err := backoff.Retry(func() error {
		m, err := r.messages.GetMessage(ctx, id)
		if err != nil {
			if errors.Is(err, msgstore.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		msg = m
		return nil
	}, policy)
	return msg, err
}

// alreadyRouted is the replay guard. Outbound messages are routed exactly
// once out of PENDING. Inbound messages enter at SENT and are done once
// the router finalized them to DELIVERED.
func (r *Router) alreadyRouted(msg *chat.Message, origin chat.Platform) bool {
	if origin == "" {
		return msg.Status != chat.StatusPending
	}
	return msg.Status != chat.StatusSent
}

// target is one planned dispatch.
type target struct {
	recipient      string
	userID         string
	platform       chat.Platform
	platformUserID string
	// reason marks a target that failed resolution and will be recorded
	// without a platform call.
	reason string
}

type plan struct {
	targets   []target
	liveUsers []string
}

// resolve expands the recipient set into dispatch targets. Internal user
// ids expand through the identity store: an external send channel restricts
// the expansion to that platform, INTERNAL restricts nothing, so every
// binding the user has gets its own dispatch alongside the internal leg.
// Literal platform handles pass through. For inbound messages the
// originating binding is excluded so the sender's platform never echoes.
func (r *Router) resolve(ctx context.Context, msg *chat.Message, origin chat.Platform) (*plan, error) {
	excluded, err := r.originBindings(ctx, msg, origin)
	if err != nil {
		return nil, err
	}

	p := &plan{}
	for _, recipient := range msg.RecipientIDs {
		ref, err := chat.ParseRecipientRef(recipient, msg.Channel)
		if err != nil {
			p.targets = append(p.targets, target{recipient: recipient, reason: "unparseable recipient"})
			continue
		}

		if !ref.Internal() {
			if excluded[bindingKey(ref.Platform, ref.PlatformUserID)] {
				continue
			}
			p.targets = append(p.targets, target{
				recipient:      recipient,
				platform:       ref.Platform,
				platformUserID: ref.PlatformUserID,
			})
			continue
		}

		p.liveUsers = append(p.liveUsers, ref.UserID)

		idents, err := r.identities.GetIdentities(ctx, ref.UserID)
		if err != nil {
			return nil, fmt.Errorf("identities for %s: %w", ref.UserID, err)
		}

		if msg.Channel == chat.PlatformInternal {
			p.targets = append(p.targets, target{
				recipient:      recipient,
				userID:         ref.UserID,
				platform:       chat.PlatformInternal,
				platformUserID: ref.UserID,
			})
			for _, ident := range idents {
				if excluded[bindingKey(ident.Platform, ident.PlatformUserID)] {
					continue
				}
				p.targets = append(p.targets, target{
					recipient:      recipient,
					userID:         ref.UserID,
					platform:       ident.Platform,
					platformUserID: ident.PlatformUserID,
				})
			}
			continue
		}

		tgt := target{recipient: recipient, userID: ref.UserID, platform: msg.Channel}
		for _, ident := range idents {
			if ident.Platform != msg.Channel {
				continue
			}
			if excluded[bindingKey(ident.Platform, ident.PlatformUserID)] {
				tgt.platformUserID = ""
				break
			}
			tgt.platformUserID = ident.PlatformUserID
			break
		}
		if tgt.platformUserID == "" {
			if origin != "" {
				// Inbound fan-out only reaches bindings on the source
				// channel; internal delivery already happened at accept.
				continue
			}
			tgt.reason = "no identity on channel " + string(msg.Channel)
		}
		p.targets = append(p.targets, tgt)
	}
	return p, nil
}

// originBindings collects the sender's handles on the origin platform so
// inbound fan-out cannot echo into the chat it came from.
func (r *Router) originBindings(ctx context.Context, msg *chat.Message, origin chat.Platform) (map[string]bool, error) {
	if origin == "" {
		return nil, nil
	}
	idents, err := r.identities.GetIdentities(ctx, msg.SenderID)
	if err != nil {
		return nil, fmt.Errorf("identities for sender %s: %w", msg.SenderID, err)
	}
	excluded := make(map[string]bool)
	for _, ident := range idents {
		if ident.Platform == origin {
			excluded[bindingKey(ident.Platform, ident.PlatformUserID)] = true
		}
	}
	return excluded, nil
}

func bindingKey(p chat.Platform, id string) string {
	return string(p) + ":" + id
}

// dispatchResult pairs the recorded recipient state with the retriability
// of its terminal failure, which the aggregation needs but the persisted
// state does not carry.
type dispatchResult struct {
	state      chat.RecipientState
	unresolved bool
	permanent  bool
}

// dispatchAll sends to every target concurrently. Failures are isolated;
// every target produces exactly one recipient state.
func (r *Router) dispatchAll(ctx context.Context, msg *chat.Message, targets []target) []dispatchResult {
	results := make([]dispatchResult, len(targets))
	var wg sync.WaitGroup
	for i, tgt := range targets {
		wg.Add(1)
		go func(i int, tgt target) {
			defer wg.Done()
			results[i] = r.dispatch(ctx, msg, tgt)
		}(i, tgt)
	}
	wg.Wait()
	return results
}

// dispatch delivers to one recipient with exponential backoff. Permanent
// failures stop retrying at once.
func (r *Router) dispatch(ctx context.Context, msg *chat.Message, tgt target) dispatchResult {
	res := dispatchResult{state: chat.RecipientState{
		Recipient:      tgt.recipient,
		Platform:       tgt.platform,
		PlatformUserID: tgt.platformUserID,
	}}
	defer func() { res.state.At = r.now().UTC() }()

	if tgt.reason != "" {
		res.state.Outcome = chat.StatusFailed
		res.state.Reason = tgt.reason
		res.unresolved = true
		return res
	}

	conn, err := r.registry.Get(tgt.platform)
	if err != nil {
		res.state.Outcome = chat.StatusFailed
		res.state.Reason = "no connector for platform " + string(tgt.platform)
		res.permanent = true
		return res
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.RetryBase
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.2
	expo.MaxInterval = r.cfg.RetryCap
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.cfg.MaxAttempts-1)), ctx)

	var sent *connector.SendResult
	sendErr := backoff.Retry(func() error {
		res.state.Attempts++
		out, err := conn.Send(ctx, &connector.SendRequest{
			Message:        msg,
			Recipient:      tgt.recipient,
			PlatformUserID: tgt.platformUserID,
		})
		if err != nil {
			if !connector.Retriable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		sent = out
		return nil
	}, policy)

	if sendErr != nil {
		res.state.Outcome = chat.StatusFailed
		res.state.Reason = sendErr.Error()
		res.permanent = !connector.Retriable(sendErr)
		r.logger.Warn("dispatch failed",
			"message_id", msg.ID,
			"recipient", tgt.recipient,
			"platform", tgt.platform,
			"attempts", res.state.Attempts,
			"error", sendErr)
		return res
	}

	res.state.Outcome = sent.Status
	res.state.PlatformMessageID = sent.PlatformMessageID
	return res
}

// finalizeOutbound aggregates dispatch outcomes into the terminal status:
// the best success wins, total failure dead-letters.
func (r *Router) finalizeOutbound(ctx context.Context, rec *eventlog.Record, msg *chat.Message, results []dispatchResult) error {
	now := r.now().UTC()
	states := recipientStates(results)

	best := chat.Status("")
	primaryPMID := ""
	for _, st := range states {
		best = chat.BetterOutcome(best, st.Outcome)
		if primaryPMID == "" && st.Outcome != chat.StatusFailed && st.PlatformMessageID != "" {
			primaryPMID = st.PlatformMessageID
		}
	}

	if best == "" {
		kind := classifyFailure(results)
		reason := "all recipients failed"
		if err := r.log.DeadLetter(ctx, rec, string(kind)); err != nil {
			return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
		}
		entry := chat.StatusEntry{Status: chat.StatusFailed, At: now, Reason: reason}
		outcome := msgstore.DeliveryOutcome{States: states, ErrorKind: kind}
		if err := r.messages.FinalizeDelivery(ctx, msg.ID, entry, outcome); err != nil && !errors.Is(err, msgstore.ErrInvalidTransition) {
			return fmt.Errorf("finalize %s: %w", msg.ID, err)
		}
		r.publishStatus(ctx, msg, chat.StatusFailed, reason, now)
		r.logger.Warn("message failed for every recipient",
			"message_id", msg.ID,
			"error_kind", kind,
			"recipients", len(states))
		return nil
	}

	// The state machine is strictly stepwise, so a synchronous DELIVERED
	// still records its SENT moment first.
	outcome := msgstore.DeliveryOutcome{States: states, PlatformMessageID: primaryPMID}
	if best == chat.StatusDelivered {
		if err := r.messages.AppendStatus(ctx, msg.ID, chat.StatusEntry{Status: chat.StatusSent, At: now}); err != nil && !errors.Is(err, msgstore.ErrInvalidTransition) {
			return fmt.Errorf("append SENT for %s: %w", msg.ID, err)
		}
		r.publishStatus(ctx, msg, chat.StatusSent, "", now)
	}
	entry := chat.StatusEntry{Status: best, At: now}
	if err := r.messages.FinalizeDelivery(ctx, msg.ID, entry, outcome); err != nil && !errors.Is(err, msgstore.ErrInvalidTransition) {
		return fmt.Errorf("finalize %s: %w", msg.ID, err)
	}
	r.publishStatus(ctx, msg, best, "", now)

	r.upsertConversationRef(ctx, msg, states)

	r.logger.Info("message routed",
		"message_id", msg.ID,
		"status", best,
		"recipients", len(states))
	return nil
}

// finalizeInbound records fan-out metadata on an inbound message. The
// message is DELIVERED regardless of external outcomes: its own platform
// already delivered it to the gateway.
func (r *Router) finalizeInbound(ctx context.Context, msg *chat.Message, results []dispatchResult) error {
	now := r.now().UTC()
	states := recipientStates(results)
	entry := chat.StatusEntry{Status: chat.StatusDelivered, At: now}
	outcome := msgstore.DeliveryOutcome{States: states}
	if err := r.messages.FinalizeDelivery(ctx, msg.ID, entry, outcome); err != nil && !errors.Is(err, msgstore.ErrInvalidTransition) {
		return fmt.Errorf("finalize inbound %s: %w", msg.ID, err)
	}
	r.publishStatus(ctx, msg, chat.StatusDelivered, "", now)

	r.logger.Info("inbound message fanned out",
		"message_id", msg.ID,
		"origin", msg.Channel,
		"external_targets", len(states))
	return nil
}

func recipientStates(results []dispatchResult) []chat.RecipientState {
	states := make([]chat.RecipientState, len(results))
	for i, res := range results {
		states[i] = res.state
	}
	return states
}

// publishStatus is best-effort: the store already holds the truth and the
// propagator tolerates gaps.
func (r *Router) publishStatus(ctx context.Context, msg *chat.Message, status chat.Status, reason string, at time.Time) {
	ev := &eventlog.StatusEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         status,
		Reason:         reason,
		At:             at,
	}
	if err := r.log.PublishStatus(ctx, ev); err != nil {
		r.logger.Error("status publish failed", "message_id", msg.ID, "status", status, "error", err)
	}
}

// upsertConversationRef binds a ONE_TO_ONE conversation to the platform
// chat of its first successful external dispatch, so later inbound
// messages land in the same conversation.
func (r *Router) upsertConversationRef(ctx context.Context, msg *chat.Message, states []chat.RecipientState) {
	var ref *chat.PlatformRef
	for _, st := range states {
		if st.Outcome != chat.StatusFailed && st.Platform.External() && st.PlatformUserID != "" {
			ref = &chat.PlatformRef{Platform: st.Platform, PlatformChatID: st.PlatformUserID}
			break
		}
	}
	if ref == nil {
		return
	}

	conv, err := r.messages.GetConversation(ctx, msg.ConversationID)
	if err != nil || conv.Type != chat.ConversationOneToOne {
		return
	}
	if err := r.messages.AttachPlatformRef(ctx, conv.ID, *ref); err != nil {
		r.logger.Warn("could not bind platform ref",
			"conversation_id", conv.ID,
			"platform", ref.Platform,
			"error", err)
	}
}

// classifyFailure picks the error kind for an all-failed aggregation. Any
// transient failure in the mix means retries ran out; only a uniformly
// permanent set is reported as permanent.
func classifyFailure(results []dispatchResult) chat.ErrorKind {
	if len(results) == 0 {
		return chat.ErrorKindNoRecipients
	}
	allUnresolved := true
	anyTransient := false
	for _, res := range results {
		if !res.unresolved {
			allUnresolved = false
			if !res.permanent {
				anyTransient = true
			}
		}
	}
	if allUnresolved {
		return chat.ErrorKindNoRecipients
	}
	if anyTransient {
		return chat.ErrorKindRetryExhaust
	}
	return chat.ErrorKindPermanent
}
