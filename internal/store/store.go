// ABOUTME: Store interface and data types for loom-gateway identity persistence
// ABOUTME: Defines identity, audit, and channel config operations backed by sqlite or postgres

package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/2389/loom-gateway/internal/chat"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateIdentity is returned when linking a (platform, platform_user_id)
// pair that is already bound to a user
var ErrDuplicateIdentity = errors.New("identity already linked")

// Audit actions recorded by the identity layer.
const (
	AuditActionCreateUser     = "create_user"
	AuditActionLinkIdentity   = "link_identity"
	AuditActionUnlinkIdentity = "unlink_identity"
	AuditActionPutChannel     = "put_channel_config"
)

// AuditEntry is one append-only record of an identity or admin mutation.
// Before and After hold JSON snapshots of the affected entity.
type AuditEntry struct {
	ID         string
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Before     json.RawMessage
	After      json.RawMessage
	CreatedAt  time.Time
}

// ChannelCredentials is the secret material a connector needs to call its
// platform API. It is sealed before persisting and opened on read.
type ChannelCredentials struct {
	// Token is the bot token or API key.
	Token string `json:"token"`
	// AppSecret is the platform app secret, where the platform has one.
	AppSecret string `json:"app_secret,omitempty"`
}

// ChannelConfig is the per-platform connector configuration.
type ChannelConfig struct {
	Platform       chat.Platform
	Enabled        bool
	APIBaseURL     string
	Credentials    ChannelCredentials
	WebhookSecret  string
	RatePerSec     float64
	RateBurst      int
	DefaultAgentID string
	UpdatedAt      time.Time
}

// MatchSuggestion is an advisory hint that another user may be the same
// person, based on token overlap between identity handles.
type MatchSuggestion struct {
	UserID      string
	DisplayName string
	Score       float64
}

// Store defines the interface for user, identity, audit, and channel
// configuration persistence.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *chat.User) error
	GetUser(ctx context.Context, id string) (*chat.User, error)
	ListUsers(ctx context.Context, limit int) ([]*chat.User, error)

	// Identities. LinkIdentity returns ErrDuplicateIdentity when the
	// (platform, platform_user_id) pair is already bound; UnlinkIdentity is
	// idempotent and reports whether a binding was removed.
	LinkIdentity(ctx context.Context, ident *chat.Identity) error
	UnlinkIdentity(ctx context.Context, platform chat.Platform, platformUserID string) (bool, error)
	Resolve(ctx context.Context, platform chat.Platform, platformUserID string) (*chat.User, error)
	GetIdentities(ctx context.Context, userID string) ([]*chat.Identity, error)
	SuggestMatches(ctx context.Context, userID string, limit int) ([]*MatchSuggestion, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error)

	// Channel configurations. Credentials are sealed at rest when the store
	// was constructed with a Sealer.
	PutChannelConfig(ctx context.Context, cfg *ChannelConfig) error
	GetChannelConfig(ctx context.Context, platform chat.Platform) (*ChannelConfig, error)
	ListChannelConfigs(ctx context.Context) ([]*ChannelConfig, error)

	// Ping verifies the backing database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// handleTokens splits a platform handle (phone, email, username) into
// comparable tokens. Tokens shorter than four characters are dropped; phone
// numbers additionally contribute their trailing digit run so that
// "+1 (555) 010-7788" and "15550107788" overlap.
func handleTokens(handle string) []string {
	lower := strings.ToLower(strings.TrimSpace(handle))
	if lower == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var tokens []string
	add := func(tok string) {
		if len(tok) < 4 {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	for _, tok := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		add(tok)
	}

	var digits strings.Builder
	for _, r := range lower {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		}
	}
	if d := digits.String(); len(d) >= 7 {
		add(d)
		// Country codes vary; the trailing digits are the stable part.
		if len(d) > 9 {
			add(d[len(d)-9:])
		}
	}

	return tokens
}

// scoreOverlap returns the fraction of reference tokens present in candidate
// tokens. Zero when either side is empty.
func scoreOverlap(reference, candidate []string) float64 {
	if len(reference) == 0 || len(candidate) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(candidate))
	for _, tok := range candidate {
		set[tok] = struct{}{}
	}
	matched := 0
	for _, tok := range reference {
		if _, ok := set[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(reference))
}
