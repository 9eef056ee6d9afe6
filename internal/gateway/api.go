// ABOUTME: HTTP API handlers for messages, conversations, identity, files, and admin
// ABOUTME: chi router mapping service errors onto the documented status codes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/connector"
	"github.com/2389/loom-gateway/internal/conversation"
	"github.com/2389/loom-gateway/internal/files"
	"github.com/2389/loom-gateway/internal/ingress"
	"github.com/2389/loom-gateway/internal/live"
	"github.com/2389/loom-gateway/internal/msgstore"
	"github.com/2389/loom-gateway/internal/store"
)

// sendMessageResponse is the JSON response for POST /messages.
type sendMessageResponse struct {
	MessageID string      `json:"messageId"`
	Status    chat.Status `json:"status"`
	StatusURL string      `json:"statusUrl"`
}

// messageStatusResponse is the JSON response for GET /messages/{id}/status.
type messageStatusResponse struct {
	MessageID         string                `json:"messageId"`
	Status            chat.Status           `json:"status"`
	StatusHistory     []chat.StatusEntry    `json:"statusHistory"`
	RecipientStates   []chat.RecipientState `json:"recipientStates,omitempty"`
	ErrorKind         chat.ErrorKind        `json:"errorKind,omitempty"`
	PlatformMessageID string                `json:"platformMessageId,omitempty"`
}

// historyResponse is one page of conversation history, newest first.
type historyResponse struct {
	Messages   []*chat.Message `json:"messages"`
	NextCursor string          `json:"nextCursor,omitempty"`
	HasMore    bool            `json:"hasMore"`
}

// participantRequest is the JSON request body for POST /conversations/{id}/participants.
type participantRequest struct {
	UserID string `json:"userId"`
	// Actor is recorded on the SYSTEM message; defaults to the subject user.
	Actor string `json:"actor,omitempty"`
}

// createUserRequest is the JSON request body for POST /users.
type createUserRequest struct {
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// listUsersResponse is the JSON response for GET /users.
type listUsersResponse struct {
	Users []*chat.User `json:"users"`
}

// linkIdentityRequest is the JSON request body for POST /users/{id}/identities.
type linkIdentityRequest struct {
	Platform       string `json:"platform"`
	PlatformUserID string `json:"platformUserId"`
	Verified       bool   `json:"verified"`
}

// listIdentitiesResponse is the JSON response for GET /users/{id}/identities.
type listIdentitiesResponse struct {
	Identities []*chat.Identity `json:"identities"`
}

// unlinkResponse is the JSON response for DELETE on an identity binding.
type unlinkResponse struct {
	Removed bool `json:"removed"`
}

// resolveResponse is the JSON response for GET /identities/resolve.
type resolveResponse struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// matchesResponse is the JSON response for GET /users/{id}/matches.
type matchesResponse struct {
	Matches []*store.MatchSuggestion `json:"matches"`
}

// channelRequest is the JSON request body for POST /admin/channels.
type channelRequest struct {
	Platform       string                   `json:"platform"`
	Enabled        *bool                    `json:"enabled,omitempty"`
	APIBaseURL     string                   `json:"apiBaseUrl"`
	Credentials    store.ChannelCredentials `json:"credentials"`
	WebhookSecret  string                   `json:"webhookSecret"`
	RatePerSecond  float64                  `json:"ratePerSecond"`
	Burst          int                      `json:"burst"`
	DefaultAgentID string                   `json:"defaultAgentId"`
}

// channelResponse is one channel configuration with secrets redacted.
type channelResponse struct {
	Platform       chat.Platform `json:"platform"`
	Enabled        bool          `json:"enabled"`
	APIBaseURL     string        `json:"apiBaseUrl,omitempty"`
	HasCredentials bool          `json:"hasCredentials"`
	RatePerSecond  float64       `json:"ratePerSecond"`
	Burst          int           `json:"burst"`
	DefaultAgentID string        `json:"defaultAgentId,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// listChannelsResponse is the JSON response for GET /admin/channels.
type listChannelsResponse struct {
	Channels []channelResponse `json:"channels"`
}

// channelCheckResponse is the JSON response for GET /admin/channels/{platform}/check.
type channelCheckResponse struct {
	Platform chat.Platform `json:"platform"`
	OK       bool          `json:"ok"`
	Reason   string        `json:"reason,omitempty"`
}

// routes builds the HTTP surface.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.handleHealthz)
	r.Get("/readyz", g.handleReadyz)

	r.Route("/messages", func(r chi.Router) {
		r.Post("/", g.handleSendMessage)
		r.Get("/{messageID}", g.handleGetMessage)
		r.Get("/{messageID}/status", g.handleMessageStatus)
	})

	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", g.handleCreateConversation)
		r.Get("/{conversationID}", g.handleGetConversation)
		r.Get("/{conversationID}/messages", g.handleConversationHistory)
		r.Post("/{conversationID}/participants", g.handleAddParticipant)
		r.Delete("/{conversationID}/participants/{userID}", g.handleRemoveParticipant)
	})

	r.Post("/webhooks/{platform}", g.handleWebhook)
	r.Get("/ws/chat", live.ServeWS(g.hub))

	r.Route("/users", func(r chi.Router) {
		r.Post("/", g.handleCreateUser)
		r.Get("/", g.handleListUsers)
		r.Get("/{userID}", g.handleGetUser)
		r.Post("/{userID}/identities", g.handleLinkIdentity)
		r.Get("/{userID}/identities", g.handleListIdentities)
		r.Delete("/{userID}/identities/{platform}/{platformUserID}", g.handleUnlinkIdentity)
		r.Get("/{userID}/matches", g.handleSuggestMatches)
	})
	r.Get("/identities/resolve", g.handleResolveIdentity)

	r.Route("/files", func(r chi.Router) {
		r.Post("/initiate", g.handleInitiateFile)
		r.Get("/{fileID}", g.handleGetFile)
		r.Put("/{fileID}/content", g.handleUploadFile)
		r.Get("/{fileID}/content", g.handleDownloadFile)
	})

	r.Route("/admin/channels", func(r chi.Router) {
		r.Post("/", g.handlePutChannel)
		r.Get("/", g.handleListChannels)
		r.Get("/{platform}/check", g.handleCheckChannel)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("failed to encode json response", "error", err)
	}
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps service errors onto the documented status codes.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingress.ErrValidation),
		errors.Is(err, conversation.ErrValidation),
		errors.Is(err, files.ErrValidation),
		errors.Is(err, files.ErrSizeMismatch),
		errors.Is(err, msgstore.ErrBadCursor),
		errors.Is(err, msgstore.ErrInvalidTransition):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, files.ErrInvalidToken):
		sendJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, msgstore.ErrNotParticipant):
		sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, msgstore.ErrNotFound), errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateIdentity), errors.Is(err, files.ErrNotPending):
		sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ingress.ErrEnqueueFailed), errors.Is(err, ingress.ErrNoInboundHome):
		sendJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// audit appends one audit entry for an API mutation, logging failures
// instead of failing the request that triggered them.
func (g *Gateway) audit(r *http.Request, action, targetType, targetID string, before, after any) {
	g.appendAudit(r.Context(), actorFrom(r), action, targetType, targetID, before, after)
}

func (g *Gateway) appendAudit(ctx context.Context, actor, action, targetType, targetID string, before, after any) {
	entry := &store.AuditEntry{
		ID:         uuid.NewString(),
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}
	if before != nil {
		entry.Before, _ = json.Marshal(before)
	}
	if after != nil {
		entry.After, _ = json.Marshal(after)
	}
	if err := g.identities.AppendAudit(ctx, entry); err != nil {
		g.logger.Error("audit append failed", "action", action, "target", targetID, "error", err)
	}
}

// actorFrom identifies the caller for audit purposes. There is no
// authentication on this surface; X-Actor is advisory.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "api"
}

func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %s", err)
	}
	return nil
}

// parseLimit parses an optional non-negative limit parameter. Zero means
// the store default applies.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

// --- messages ---

func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req ingress.SendRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.ingress.Accept(r.Context(), &req)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	// Replays of an already-accepted message land here too and answer 202
	// with the original coordinates.
	writeJSON(w, http.StatusAccepted, sendMessageResponse{
		MessageID: res.Message.ID,
		Status:    res.Message.Status,
		StatusURL: fmt.Sprintf("%s/messages/%s/status", strings.TrimRight(g.config.Server.BaseURL, "/"), res.Message.ID),
	})
}

func (g *Gateway) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := g.messages.GetMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (g *Gateway) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	msg, err := g.messages.GetMessage(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageStatusResponse{
		MessageID:         msg.ID,
		Status:            msg.Status,
		StatusHistory:     msg.StatusHistory,
		RecipientStates:   msg.RecipientStates,
		ErrorKind:         msg.ErrorKind,
		PlatformMessageID: msg.PlatformMessageID,
	})
}

// --- conversations ---

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req conversation.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := g.conversation.Create(r.Context(), &req)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.Get(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.conversation.History(r.Context(), msgstore.ListMessagesParams{
		ConversationID:   chi.URLParam(r, "conversationID"),
		RequestingUserID: q.Get("userId"),
		Cursor:           q.Get("before"),
		Limit:            limit,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Messages:   res.Messages,
		NextCursor: res.NextCursor,
		HasMore:    res.HasMore,
	})
}

func (g *Gateway) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.UserID == "" {
		sendJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = req.UserID
	}

	conv, err := g.conversation.ModifyParticipants(r.Context(), &conversation.ParticipantChange{
		ConversationID: chi.URLParam(r, "conversationID"),
		Add:            []string{req.UserID},
		Actor:          actor,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = userID
	}

	conv, err := g.conversation.ModifyParticipants(r.Context(), &conversation.ParticipantChange{
		ConversationID: chi.URLParam(r, "conversationID"),
		Remove:         []string{userID},
		Actor:          actor,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// --- users and identities ---

func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		sendJSONError(w, http.StatusBadRequest, "displayName is required")
		return
	}
	role, err := chat.ParseRole(req.Role)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user := &chat.User{
		ID:          uuid.NewString(),
		DisplayName: strings.TrimSpace(req.DisplayName),
		Role:        role,
		CreatedAt:   time.Now().UTC(),
	}
	if err := g.identities.CreateUser(r.Context(), user); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.audit(r, store.AuditActionCreateUser, "user", user.ID, nil, user)
	writeJSON(w, http.StatusCreated, user)
}

func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	users, err := g.identities.ListUsers(r.Context(), limit)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listUsersResponse{Users: users})
}

func (g *Gateway) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := g.identities.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (g *Gateway) handleLinkIdentity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req linkIdentityRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	platform, err := chat.ParsePlatform(req.Platform)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !platform.External() {
		sendJSONError(w, http.StatusBadRequest, "identities bind external platform handles")
		return
	}
	if req.PlatformUserID == "" {
		sendJSONError(w, http.StatusBadRequest, "platformUserId is required")
		return
	}
	if _, err := g.identities.GetUser(r.Context(), userID); err != nil {
		g.writeServiceError(w, err)
		return
	}

	ident := &chat.Identity{
		ID:             uuid.NewString(),
		UserID:         userID,
		Platform:       platform,
		PlatformUserID: req.PlatformUserID,
		Verified:       req.Verified,
		LinkedAt:       time.Now().UTC(),
	}
	if err := g.identities.LinkIdentity(r.Context(), ident); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.audit(r, store.AuditActionLinkIdentity, "identity", ident.ID, nil, ident)
	writeJSON(w, http.StatusCreated, ident)
}

func (g *Gateway) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := g.identities.GetUser(r.Context(), userID); err != nil {
		g.writeServiceError(w, err)
		return
	}
	idents, err := g.identities.GetIdentities(r.Context(), userID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listIdentitiesResponse{Identities: idents})
}

func (g *Gateway) handleUnlinkIdentity(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	platform, err := chat.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	platformUserID := chi.URLParam(r, "platformUserID")

	// Unlink is idempotent, but the binding must belong to the user in the
	// path. A handle owned by someone else is not found from this user's
	// point of view.
	owner, err := g.identities.Resolve(r.Context(), platform, platformUserID)
	if err == nil && owner.ID != userID {
		sendJSONError(w, http.StatusNotFound, "identity is not linked to this user")
		return
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.writeServiceError(w, err)
		return
	}

	removed, err := g.identities.UnlinkIdentity(r.Context(), platform, platformUserID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	if removed {
		g.audit(r, store.AuditActionUnlinkIdentity, "identity", string(platform)+":"+platformUserID, map[string]string{"userId": userID}, nil)
	}
	writeJSON(w, http.StatusOK, unlinkResponse{Removed: removed})
}

func (g *Gateway) handleResolveIdentity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	platform, err := chat.ParsePlatform(q.Get("platform"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := q.Get("id")
	if id == "" {
		sendJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	user, err := g.identities.Resolve(r.Context(), platform, id)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{UserID: user.ID, DisplayName: user.DisplayName})
}

func (g *Gateway) handleSuggestMatches(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if limit == 0 {
		limit = 5
	}
	if _, err := g.identities.GetUser(r.Context(), userID); err != nil {
		g.writeServiceError(w, err)
		return
	}

	matches, err := g.identities.SuggestMatches(r.Context(), userID, limit)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, matchesResponse{Matches: matches})
}

// --- files ---

func (g *Gateway) handleInitiateFile(w http.ResponseWriter, r *http.Request) {
	var req files.InitiateRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.files.Initiate(r.Context(), &req)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (g *Gateway) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := g.files.Get(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (g *Gateway) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	f, err := g.files.Upload(r.Context(), chi.URLParam(r, "fileID"), r.URL.Query().Get("token"), r.Body)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (g *Gateway) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	f, rc, err := g.files.Open(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", f.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
	if _, err := io.Copy(w, rc); err != nil {
		g.logger.Warn("file download interrupted", "file_id", f.ID, "error", err)
	}
}

// --- admin ---

func (g *Gateway) handlePutChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	platform, err := chat.ParsePlatform(req.Platform)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !platform.External() {
		sendJSONError(w, http.StatusBadRequest, "channel configuration is for external platforms")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cfg := &store.ChannelConfig{
		Platform:       platform,
		Enabled:        enabled,
		APIBaseURL:     req.APIBaseURL,
		Credentials:    req.Credentials,
		WebhookSecret:  req.WebhookSecret,
		RatePerSec:     req.RatePerSecond,
		RateBurst:      req.Burst,
		DefaultAgentID: req.DefaultAgentID,
		UpdatedAt:      time.Now().UTC(),
	}

	before, _ := g.identities.GetChannelConfig(r.Context(), platform)
	if err := g.identities.PutChannelConfig(r.Context(), cfg); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.audit(r, store.AuditActionPutChannel, "channel", string(platform), redactChannel(before), redactChannel(cfg))

	if err := g.refreshConnector(cfg); err != nil {
		// The config is persisted; a restart will pick it up even though the
		// live swap failed.
		g.logger.Error("connector refresh failed", "platform", platform, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "channel saved but connector refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, *redactChannel(cfg))
}

// refreshConnector swaps the running connector to match a new channel
// configuration without a restart.
func (g *Gateway) refreshConnector(cfg *store.ChannelConfig) error {
	if !cfg.Enabled {
		g.registry.Deregister(cfg.Platform)
		return nil
	}
	c, err := connector.New(cfg, g.httpClient)
	if err != nil {
		return err
	}
	g.registry.Register(connector.NewManaged(c, cfg.RatePerSec, cfg.RateBurst))
	return nil
}

func redactChannel(cfg *store.ChannelConfig) *channelResponse {
	if cfg == nil {
		return nil
	}
	return &channelResponse{
		Platform:       cfg.Platform,
		Enabled:        cfg.Enabled,
		APIBaseURL:     cfg.APIBaseURL,
		HasCredentials: cfg.Credentials.Token != "",
		RatePerSecond:  cfg.RatePerSec,
		Burst:          cfg.RateBurst,
		DefaultAgentID: cfg.DefaultAgentID,
		UpdatedAt:      cfg.UpdatedAt,
	}
}

func (g *Gateway) handleListChannels(w http.ResponseWriter, r *http.Request) {
	cfgs, err := g.identities.ListChannelConfigs(r.Context())
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	out := make([]channelResponse, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, *redactChannel(cfg))
	}
	writeJSON(w, http.StatusOK, listChannelsResponse{Channels: out})
}

func (g *Gateway) handleCheckChannel(w http.ResponseWriter, r *http.Request) {
	platform, err := chat.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := g.registry.Get(platform)
	if err != nil {
		sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	res := channelCheckResponse{Platform: platform, OK: true}
	if err := m.ValidateCredentials(ctx); err != nil {
		res.OK = false
		res.Reason = err.Error()
	}
	writeJSON(w, http.StatusOK, res)
}
