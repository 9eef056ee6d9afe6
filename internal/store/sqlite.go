// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/identity/audit/channel persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/loom-gateway/internal/chat"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	sealer *Sealer
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. A nil sealer stores
// channel credentials unencrypted.
func NewSQLiteStore(path string, sealer *Sealer) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		sealer: sealer,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (role IN ('AGENT', 'CUSTOMER'))
		);

		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			platform TEXT NOT NULL,
			platform_user_id TEXT NOT NULL,
			verified INTEGER NOT NULL DEFAULT 0,
			linked_at TEXT NOT NULL,

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
			before_json TEXT,
			after_json TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);

		CREATE TABLE IF NOT EXISTS channel_configs (
			platform TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			api_base_url TEXT NOT NULL,
			credentials TEXT NOT NULL,
			webhook_secret TEXT NOT NULL,
			rate_per_sec REAL NOT NULL,
			rate_burst INTEGER NOT NULL,
			default_agent_id TEXT,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser creates a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *chat.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, display_name, role, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.DisplayName,
		string(user.Role),
		user.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "role", user.Role)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*chat.User, error) {
	query := `
		SELECT id, display_name, role, created_at
		FROM users
		WHERE id = ?
	`

	var user chat.User
	var role, createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.DisplayName,
		&role,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.Role = chat.Role(role)
	user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// ListUsers retrieves users ordered by creation time, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListUsers(ctx context.Context, limit int) ([]*chat.User, error) {
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
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*chat.User
	for rows.Next() {
		var user chat.User
		var role, createdAtStr string

		if err := rows.Scan(&user.ID, &user.DisplayName, &role, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}

		user.Role = chat.Role(role)
		user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

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
func (s *SQLiteStore) LinkIdentity(ctx context.Context, ident *chat.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.New().String()
	}
	if ident.LinkedAt.IsZero() {
		ident.LinkedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO identities (id, user_id, platform, platform_user_id, verified, linked_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ident.ID,
		ident.UserID,
		string(ident.Platform),
		ident.PlatformUserID,
		ident.Verified,
		ident.LinkedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateIdentity
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
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
func (s *SQLiteStore) UnlinkIdentity(ctx context.Context, platform chat.Platform, platformUserID string) (bool, error) {
	query := `DELETE FROM identities WHERE platform = ? AND platform_user_id = ?`

	result, err := s.db.ExecContext(ctx, query, string(platform), platformUserID)
	if err != nil {
		return false, fmt.Errorf("deleting identity: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("unlinked identity", "platform", platform, "platform_user_id", platformUserID)
	}
	return rowsAffected > 0, nil
}

// Resolve maps a platform identity to its user.
// Returns ErrNotFound if no binding exists.
func (s *SQLiteStore) Resolve(ctx context.Context, platform chat.Platform, platformUserID string) (*chat.User, error) {
	query := `
		SELECT u.id, u.display_name, u.role, u.created_at
		FROM identities i
		JOIN users u ON u.id = i.user_id
		WHERE i.platform = ? AND i.platform_user_id = ?
	`

	var user chat.User
	var role, createdAtStr string

	err := s.db.QueryRowContext(ctx, query, string(platform), platformUserID).Scan(
		&user.ID,
		&user.DisplayName,
		&role,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolving identity: %w", err)
	}

	user.Role = chat.Role(role)
	user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// GetIdentities returns all identities linked to a user, oldest first.
func (s *SQLiteStore) GetIdentities(ctx context.Context, userID string) ([]*chat.Identity, error) {
	query := `
		SELECT id, user_id, platform, platform_user_id, verified, linked_at
		FROM identities
		WHERE user_id = ?
		ORDER BY linked_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var idents []*chat.Identity
	for rows.Next() {
		var ident chat.Identity
		var platform, linkedAtStr string

		if err := rows.Scan(
			&ident.ID,
			&ident.UserID,
			&platform,
			&ident.PlatformUserID,
			&ident.Verified,
			&linkedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning identity row: %w", err)
		}

		ident.Platform = chat.Platform(platform)
		ident.LinkedAt, err = time.Parse(time.RFC3339Nano, linkedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing linked_at: %w", err)
		}

		idents = append(idents, &ident)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity rows: %w", err)
	}

	return idents, nil
}

// SuggestMatches returns users whose identity handles overlap with the given
// user's handles. Advisory only; scores are the fraction of the reference
// user's tokens found on the candidate.
func (s *SQLiteStore) SuggestMatches(ctx context.Context, userID string, limit int) ([]*MatchSuggestion, error) {
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
		WHERE i.user_id != ?
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
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

// AppendAudit writes one audit entry. The log is append-only; entries are
// never updated or deleted.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (id, actor, action, target_type, target_id, before_json, after_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Actor,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		nullString(string(entry.Before)),
		nullString(string(entry.After)),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	return nil
}

// ListAudit returns audit entries, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
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
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var before, after sql.NullString
		var createdAtStr string

		if err := rows.Scan(
			&entry.ID,
			&entry.Actor,
			&entry.Action,
			&entry.TargetType,
			&entry.TargetID,
			&before,
			&after,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}

		if before.Valid {
			entry.Before = []byte(before.String)
		}
		if after.Valid {
			entry.After = []byte(after.String)
		}
		entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}

	return entries, nil
}

// PutChannelConfig creates or replaces the configuration for a platform.
// Credentials are sealed before persisting when a sealer is configured.
func (s *SQLiteStore) PutChannelConfig(ctx context.Context, cfg *ChannelConfig) error {
	cfg.UpdatedAt = time.Now().UTC()

	sealed, err := sealCredentials(s.sealer, cfg.Credentials)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO channel_configs (platform, enabled, api_base_url, credentials, webhook_secret, rate_per_sec, rate_burst, default_agent_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			enabled = excluded.enabled,
			api_base_url = excluded.api_base_url,
			credentials = excluded.credentials,
			webhook_secret = excluded.webhook_secret,
			rate_per_sec = excluded.rate_per_sec,
			rate_burst = excluded.rate_burst,
			default_agent_id = excluded.default_agent_id,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		string(cfg.Platform),
		cfg.Enabled,
		cfg.APIBaseURL,
		sealed,
		cfg.WebhookSecret,
		cfg.RatePerSec,
		cfg.RateBurst,
		nullString(cfg.DefaultAgentID),
		cfg.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting channel config: %w", err)
	}

	s.logger.Debug("stored channel config", "platform", cfg.Platform, "enabled", cfg.Enabled)
	return nil
}

// GetChannelConfig retrieves the configuration for a platform.
// Returns ErrNotFound if the platform has not been provisioned.
func (s *SQLiteStore) GetChannelConfig(ctx context.Context, platform chat.Platform) (*ChannelConfig, error) {
	query := `
		SELECT platform, enabled, api_base_url, credentials, webhook_secret, rate_per_sec, rate_burst, default_agent_id, updated_at
		FROM channel_configs
		WHERE platform = ?
	`

	cfg, err := s.scanChannelConfig(s.db.QueryRowContext(ctx, query, string(platform)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel config: %w", err)
	}
	return cfg, nil
}

// ListChannelConfigs returns all provisioned channel configurations.
func (s *SQLiteStore) ListChannelConfigs(ctx context.Context) ([]*ChannelConfig, error) {
	query := `
		SELECT platform, enabled, api_base_url, credentials, webhook_secret, rate_per_sec, rate_burst, default_agent_id, updated_at
		FROM channel_configs
		ORDER BY platform
	`

	rows, err := s.db.QueryContext(ctx, query)
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

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanChannelConfig(row scanner) (*ChannelConfig, error) {
	var cfg ChannelConfig
	var platform, sealed, updatedAtStr string
	var defaultAgentID sql.NullString

	if err := row.Scan(
		&platform,
		&cfg.Enabled,
		&cfg.APIBaseURL,
		&sealed,
		&cfg.WebhookSecret,
		&cfg.RatePerSec,
		&cfg.RateBurst,
		&defaultAgentID,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	cfg.Platform = chat.Platform(platform)
	if defaultAgentID.Valid {
		cfg.DefaultAgentID = defaultAgentID.String
	}

	creds, err := openCredentials(s.sealer, sealed)
	if err != nil {
		return nil, fmt.Errorf("opening credentials for %s: %w", platform, err)
	}
	cfg.Credentials = creds

	cfg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &cfg, nil
}

// nullString converts an empty string to a NULL value.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
