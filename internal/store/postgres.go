// ABOUTME: PostgreSQL implementation of the Store interface using pgx
// ABOUTME: Mirrors the SQLite store semantics for production deployments

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/2389/loom-gateway/internal/chat"
)

// Postgres error codes for constraint violations.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	sealer *Sealer
	logger *slog.Logger
}

// NewPostgresStore connects to PostgreSQL with the given DSN and ensures the
// schema exists. A nil sealer stores channel credentials unencrypted.
func NewPostgresStore(ctx context.Context, dsn string, sealer *Sealer) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		sealer: sealer,
		logger: logger,
	}

	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,

			CHECK (role IN ('AGENT', 'CUSTOMER'))
		);

		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			platform TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			verified BOOLEAN NOT NULL DEFAULT FALSE,
			linked_at TIMESTAMPTZ NOT NULL,

			UNIQUE (platform, platform_user_id),
			CHECK (platform IN ('WHATSAPP', 'TELEGRAM', 'INSTAGRAM'))
		);

		CREATE INDEX IF NOT EXISTS idx_identities_user ON identities(user_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			before_json JSONB,
			after_json JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);

		CREATE TABLE IF NOT EXISTS channel_configs (
			platform TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			api_base_url TEXT NOT NULL,
			credentials TEXT NOT NULL,
			webhook_secret TEXT NOT NULL,
			rate_per_sec DOUBLE PRECISION NOT NULL,
			rate_burst INTEGER NOT NULL,
			default_agent_id TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.logger.Info("closing Postgres store")
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// pgErrCode extracts the Postgres error code, or "" for non-pg errors.
func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// CreateUser creates a new user.
func (s *PostgresStore) CreateUser(ctx context.Context, user *chat.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, display_name, role, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.pool.Exec(ctx, query, user.ID, user.DisplayName, string(user.Role), user.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "role", user.Role)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (*chat.User, error) {
	query := `
		SELECT id, display_name, role, created_at
		FROM users
		WHERE id = $1
	`

	var user chat.User
	var role string

	err := s.pool.QueryRow(ctx, query, id).Scan(&user.ID, &user.DisplayName, &role, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.Role = chat.Role(role)
	return &user, nil
}

// ListUsers retrieves users ordered by creation time, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *PostgresStore) ListUsers(ctx context.Context, limit int) ([]*chat.User, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, display_name, role, created_at
		FROM users
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*chat.User
	for rows.Next() {
		var user chat.User
		var role string
		if err := rows.Scan(&user.ID, &user.DisplayName, &role, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		user.Role = chat.Role(role)
		users = append(users, &user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}

	return users, nil
}

// LinkIdentity binds a platform identity to a user.
// Returns ErrDuplicateIdentity if the (platform, platform_user_id) pair is
// already bound to any user.
func (s *PostgresStore) LinkIdentity(ctx context.Context, ident *chat.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.New().String()
	}
	if ident.LinkedAt.IsZero() {
		ident.LinkedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO identities (id, user_id, platform, platform_user_id, verified, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.pool.Exec(ctx, query,
		ident.ID,
		ident.UserID,
		string(ident.Platform),
		ident.PlatformUserID,
		ident.Verified,
		ident.LinkedAt,
	)
	if err != nil {
		switch pgErrCode(err) {
		case pgUniqueViolation:
			return ErrDuplicateIdentity
		case pgForeignKeyViolation:
			return fmt.Errorf("user %s: %w", ident.UserID, ErrNotFound)
		}
		return fmt.Errorf("inserting identity: %w", err)
	}

	s.logger.Debug("linked identity",
		"id", ident.ID,
		"user_id", ident.UserID,
		"platform", ident.Platform,
	)
	return nil
}

// UnlinkIdentity removes a platform identity binding. Idempotent: reports
// whether a binding was removed, never fails on absence.
func (s *PostgresStore) UnlinkIdentity(ctx context.Context, platform chat.Platform, platformUserID string) (bool, error) {
	query := `DELETE FROM identities WHERE platform = $1 AND platform_user_id = $2`

	tag, err := s.pool.Exec(ctx, query, string(platform), platformUserID)
	if err != nil {
		return false, fmt.Errorf("deleting identity: %w", err)
	}

	if tag.RowsAffected() > 0 {
		s.logger.Debug("unlinked identity", "platform", platform, "platform_user_id", platformUserID)
	}
	return tag.RowsAffected() > 0, nil
}

// Resolve maps a platform identity to its user.
// Returns ErrNotFound if no binding exists.
func (s *PostgresStore) Resolve(ctx context.Context, platform chat.Platform, platformUserID string) (*chat.User, error) {
	query := `
		SELECT u.id, u.display_name, u.role, u.created_at
		FROM identities i
		JOIN users u ON u.id = i.user_id
		WHERE i.platform = $1 AND i.platform_user_id = $2
	`

	var user chat.User
	var role string

	err := s.pool.QueryRow(ctx, query, string(platform), platformUserID).Scan(
		&user.ID,
		&user.DisplayName,
		&role,
		&user.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}

	user.Role = chat.Role(role)
	return &user, nil
}

// GetIdentities returns all identities linked to a user, oldest first.
func (s *PostgresStore) GetIdentities(ctx context.Context, userID string) ([]*chat.Identity, error) {
	query := `
		SELECT id, user_id, platform, platform_user_id, verified, linked_at
		FROM identities
		WHERE user_id = $1
		ORDER BY linked_at ASC
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var idents []*chat.Identity
	for rows.Next() {
		var ident chat.Identity
		var platform string
		if err := rows.Scan(
			&ident.ID,
			&ident.UserID,
			&platform,
			&ident.PlatformUserID,
			&ident.Verified,
			&ident.LinkedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}
		ident.Platform = chat.Platform(platform)
		idents = append(idents, &ident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity rows: %w", err)
	}

	return idents, nil
}

// SuggestMatches returns users whose identity handles overlap with the given
// user's handles. Advisory only.
func (s *PostgresStore) SuggestMatches(ctx context.Context, userID string, limit int) ([]*MatchSuggestion, error) {
	if limit <= 0 {
		limit = 10
	}

	own, err := s.GetIdentities(ctx, userID)
	if err != nil {
		return nil, err
	}
	var reference []string
	for _, ident := range own {
		reference = append(reference, handleTokens(ident.PlatformUserID)...)
	}
	if len(reference) == 0 {
		return nil, nil
	}

	query := `
		SELECT i.user_id, u.display_name, i.platform_user_id
		FROM identities i
		JOIN users u ON u.id = i.user_id
		WHERE i.user_id != $1
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying candidate identities: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		displayName string
		tokens      []string
	}
	candidates := make(map[string]*candidate)

	for rows.Next() {
		var candidateID, displayName, handle string
		if err := rows.Scan(&candidateID, &displayName, &handle); err != nil {
			return nil, fmt.Errorf("scanning candidate row: %w", err)
		}
		c, ok := candidates[candidateID]
		if !ok {
			c = &candidate{displayName: displayName}
			candidates[candidateID] = c
		}
		c.tokens = append(c.tokens, handleTokens(handle)...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating candidate rows: %w", err)
	}

	var suggestions []*MatchSuggestion
	for candidateID, c := range candidates {
		score := scoreOverlap(reference, c.tokens)
		if score <= 0 {
			continue
		}
		suggestions = append(suggestions, &MatchSuggestion{
			UserID:      candidateID,
			DisplayName: c.displayName,
			Score:       score,
		})
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		return suggestions[i].UserID < suggestions[j].UserID
	})
	if len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}

	return suggestions, nil
}

// AppendAudit writes one audit entry.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (id, actor, action, target_type, target_id, before_json, after_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	var before, after any
	if len(entry.Before) > 0 {
		before = string(entry.Before)
	}
	if len(entry.After) > 0 {
		after = string(entry.After)
	}

	_, err := s.pool.Exec(ctx, query,
		entry.ID,
		entry.Actor,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		before,
		after,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	return nil
}

// ListAudit returns audit entries, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, actor, action, target_type, target_id, before_json, after_json, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var before, after *string

		if err := rows.Scan(
			&entry.ID,
			&entry.Actor,
			&entry.Action,
			&entry.TargetType,
			&entry.TargetID,
			&before,
			&after,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}

		if before != nil {
			entry.Before = []byte(*before)
		}
		if after != nil {
			entry.After = []byte(*after)
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}

	return entries, nil
}

// PutChannelConfig creates or replaces the configuration for a platform.
func (s *PostgresStore) PutChannelConfig(ctx context.Context, cfg *ChannelConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	sealed, err := sealCredentials(s.sealer, cfg.Credentials)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO channel_configs (platform, enabled, api_base_url, credentials, webhook_secret, rate_per_sec, rate_burst, default_agent_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (platform) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			api_base_url = EXCLUDED.api_base_url,
			credentials = EXCLUDED.credentials,
			webhook_secret = EXCLUDED.webhook_secret,
			rate_per_sec = EXCLUDED.rate_per_sec,
			rate_burst = EXCLUDED.rate_burst,
			default_agent_id = EXCLUDED.default_agent_id,
			updated_at = EXCLUDED.updated_at
	`

	var defaultAgentID any
	if cfg.DefaultAgentID != "" {
		defaultAgentID = cfg.DefaultAgentID
	}

	_, err = s.pool.Exec(ctx, query,
		string(cfg.Platform),
		cfg.Enabled,
		cfg.APIBaseURL,
		sealed,
		cfg.WebhookSecret,
		cfg.RatePerSec,
		cfg.RateBurst,
		defaultAgentID,
		cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting channel config: %w", err)
	}

	s.logger.Debug("stored channel config", "platform", cfg.Platform, "enabled", cfg.Enabled)
	return nil
}

// GetChannelConfig retrieves the configuration for a platform.
// Returns ErrNotFound if the platform has not been provisioned.
func (s *PostgresStore) GetChannelConfig(ctx context.Context, platform chat.Platform) (*ChannelConfig, error) {
	query := `
		SELECT platform, enabled, api_base_url, credentials, webhook_secret, rate_per_sec, rate_burst, default_agent_id, updated_at
		FROM channel_configs
		WHERE platform = $1
	`

	cfg, err := s.scanChannelConfig(s.pool.QueryRow(ctx, query, string(platform)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel config: %w", err)
	}
	return cfg, nil
}

// ListChannelConfigs returns all provisioned channel configurations.
func (s *PostgresStore) ListChannelConfigs(ctx context.Context) ([]*ChannelConfig, error) {
	query := `
		SELECT platform, enabled, api_base_url, credentials, webhook_secret, rate_per_sec, rate_burst, default_agent_id, updated_at
		FROM channel_configs
		ORDER BY platform
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying channel configs: %w", err)
	}
	defer rows.Close()

	var configs []*ChannelConfig
	for rows.Next() {
		cfg, err := s.scanChannelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel config: %w", err)
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel configs: %w", err)
	}

	return configs, nil
}

func (s *PostgresStore) scanChannelConfig(row scanner) (*ChannelConfig, error) {
	var cfg ChannelConfig
	var platform, sealed string
	var defaultAgentID *string

	if err := row.Scan(
		&platform,
		&cfg.Enabled,
		&cfg.APIBaseURL,
		&sealed,
		&cfg.WebhookSecret,
		&cfg.RatePerSec,
		&cfg.RateBurst,
		&defaultAgentID,
		&cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	cfg.Platform = chat.Platform(platform)
	if defaultAgentID != nil {
		cfg.DefaultAgentID = *defaultAgentID
	}

	creds, err := openCredentials(s.sealer, sealed)
	if err != nil {
		return nil, fmt.Errorf("opening credentials for %s: %w", platform, err)
	}
	cfg.Credentials = creds

	return &cfg, nil
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
