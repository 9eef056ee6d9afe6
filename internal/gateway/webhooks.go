// ABOUTME: Webhook intake: signature-checked platform payloads re-enter the pipeline
// ABOUTME: Inbound messages go through AcceptInbound; delivery receipts become status events

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/connector"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/ingress"
	"github.com/2389/loom-gateway/internal/msgstore"
	"github.com/2389/loom-gateway/internal/store"
)

// maxWebhookBody bounds a webhook payload. Platform envelopes are small;
// attachments arrive by URL, not inline.
const maxWebhookBody = 1 << 20

// webhookResponse reports what the payload's events turned into.
type webhookResponse struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

// handleWebhook verifies and ingests one platform webhook. A 401 or 5xx
// answer tells the platform to redeliver; per-event dedupe makes the replay
// safe. Events that can never be processed are counted as skipped and
// acknowledged so the platform stops resending them.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform, err := chat.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil || !platform.External() {
		sendJSONError(w, http.StatusNotFound, "unknown platform")
		return
	}
	m, err := g.registry.Get(platform)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}

	events, err := m.Webhook(r.Header, body)
	if err != nil {
		if errors.Is(err, connector.ErrBadSignature) {
			sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var accepted, skipped int
	for _, ev := range events {
		ok, err := g.processInboundEvent(r.Context(), ev)
		if err != nil {
			// Infrastructure trouble: answer 503 so the platform redelivers
			// the whole payload. Already-processed events dedupe on replay.
			g.logger.Error("inbound event failed",
				"platform", platform,
				"kind", ev.Kind,
				"platform_message_id", ev.PlatformMessageID,
				"error", err)
			sendJSONError(w, http.StatusServiceUnavailable, "event processing failed")
			return
		}
		if ok {
			accepted++
		} else {
			skipped++
		}
	}

	writeJSON(w, http.StatusOK, webhookResponse{Accepted: accepted, Skipped: skipped})
}

// processInboundEvent dispatches one normalized webhook event. The bool
// reports acceptance; a non-nil error means a retriable infrastructure
// failure.
func (g *Gateway) processInboundEvent(ctx context.Context, ev *connector.InboundEvent) (bool, error) {
	switch ev.Kind {
	case connector.InboundMessage:
		return g.acceptInboundMessage(ctx, ev)
	case connector.InboundStatus:
		return g.applyInboundStatus(ctx, ev)
	default:
		g.logger.Warn("unknown inbound event kind", "kind", ev.Kind, "platform", ev.Platform)
		return false, nil
	}
}

// acceptInboundMessage resolves the sender, stores any attachments, and
// hands the message to ingress.
func (g *Gateway) acceptInboundMessage(ctx context.Context, ev *connector.InboundEvent) (bool, error) {
	sender, err := g.resolveOrProvisionSender(ctx, ev.Platform, ev.PlatformUserID)
	if err != nil {
		return false, err
	}

	fileIDs := g.storeInboundAttachments(ctx, ev)

	_, err = g.ingress.AcceptInbound(ctx, &ingress.InboundRequest{
		SenderID:          sender.ID,
		Platform:          ev.Platform,
		PlatformUserID:    ev.PlatformUserID,
		PlatformChatID:    ev.PlatformChatID,
		PlatformMessageID: ev.PlatformMessageID,
		Content:           ev.Text,
		FileIDs:           fileIDs,
		At:                ev.At,
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ingress.ErrValidation), errors.Is(err, ingress.ErrNoInboundHome):
		// Malformed or unhomeable events will not improve on redelivery.
		g.logger.Warn("inbound message skipped",
			"platform", ev.Platform,
			"platform_message_id", ev.PlatformMessageID,
			"error", err)
		return false, nil
	default:
		return false, err
	}
}

// applyInboundStatus turns a delivery receipt into a status event. The
// propagator owns the store write; receipts for messages we never sent are
// skipped.
func (g *Gateway) applyInboundStatus(ctx context.Context, ev *connector.InboundEvent) (bool, error) {
	if ev.PlatformMessageID == "" || !chat.KnownStatus(ev.Status) {
		return false, nil
	}

	msg, err := g.messages.GetMessageByPlatformID(ctx, ev.Platform, ev.PlatformMessageID)
	if err != nil {
		if errors.Is(err, msgstore.ErrNotFound) {
			g.logger.Debug("status receipt for unknown message",
				"platform", ev.Platform,
				"platform_message_id", ev.PlatformMessageID)
			return false, nil
		}
		return false, err
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err = g.log.PublishStatus(ctx, &eventlog.StatusEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         ev.Status,
		Reason:         ev.Reason,
		At:             at,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// resolveOrProvisionSender maps a platform handle to an internal user. First
// contact provisions a CUSTOMER and links the handle, so the default-agent
// conversation flow has somewhere to land.
func (g *Gateway) resolveOrProvisionSender(ctx context.Context, platform chat.Platform, platformUserID string) (*chat.User, error) {
	if platformUserID == "" {
		return nil, fmt.Errorf("%w: event carries no sender", ingress.ErrValidation)
	}
	user, err := g.identities.Resolve(ctx, platform, platformUserID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving sender: %w", err)
	}

	now := time.Now().UTC()
	user = &chat.User{
		ID:          uuid.NewString(),
		DisplayName: platformUserID,
		Role:        chat.RoleCustomer,
		CreatedAt:   now,
	}
	if err := g.identities.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("provisioning sender: %w", err)
	}
	ident := &chat.Identity{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		Platform:       platform,
		PlatformUserID: platformUserID,
		LinkedAt:       now,
	}
	if err := g.identities.LinkIdentity(ctx, ident); err != nil {
		if errors.Is(err, store.ErrDuplicateIdentity) {
			// A concurrent webhook provisioned the same handle first.
			return g.identities.Resolve(ctx, platform, platformUserID)
		}
		return nil, fmt.Errorf("linking provisioned sender: %w", err)
	}

	actor := "webhook:" + string(platform)
	g.appendAudit(ctx, actor, store.AuditActionCreateUser, "user", user.ID, nil, user)
	g.appendAudit(ctx, actor, store.AuditActionLinkIdentity, "identity", ident.ID, nil, ident)
	g.logger.Info("provisioned user for first contact",
		"platform", platform,
		"platform_user_id", platformUserID,
		"user_id", user.ID)
	return user, nil
}

// storeInboundAttachments downloads each referenced blob and stores it
// through the scan path. Blobs that fail to download or fail the scan are
// dropped; the message still goes through with whatever survived.
func (g *Gateway) storeInboundAttachments(ctx context.Context, ev *connector.InboundEvent) []string {
	var fileIDs []string
	for _, att := range ev.Attachments {
		f, err := g.fetchAttachment(ctx, att)
		if err != nil {
			g.logger.Warn("inbound attachment dropped",
				"platform", ev.Platform,
				"platform_message_id", ev.PlatformMessageID,
				"url", att.URL,
				"error", err)
			continue
		}
		if f.ScanVerdict != chat.VerdictClean {
			g.logger.Warn("inbound attachment rejected by scan",
				"platform", ev.Platform,
				"file_id", f.ID,
				"verdict", f.ScanVerdict)
			continue
		}
		fileIDs = append(fileIDs, f.ID)
	}
	return fileIDs
}

func (g *Gateway) fetchAttachment(ctx context.Context, att connector.InboundAttachment) (*chat.File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading blob: status %d", resp.StatusCode)
	}

	name := att.Filename
	if name == "" {
		name = "attachment"
	}
	return g.files.StoreInbound(ctx, name, att.MIMEType, resp.Body)
}
