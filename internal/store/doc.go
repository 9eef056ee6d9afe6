// Package store provides the relational identity store for the gateway.
//
// # Architecture
//
// One Store interface, two engines selected by database.driver:
//
//   - SQLiteStore: modernc.org/sqlite, for dev mode and small deployments
//   - PostgresStore: jackc/pgx connection pool, for production
//
// The store owns users, external identities, the audit log, and channel
// configurations. Messages, conversations, and files live in the document
// store (see internal/msgstore).
//
// # Data Models
//
//   - chat.User: directory entry with role (AGENT, CUSTOMER)
//   - chat.Identity: (platform, platform_user_id) binding to a user
//   - AuditEntry: append-only record of identity and channel mutations
//   - ChannelConfig: per-platform connector settings with sealed credentials
//
// # Consistency
//
// Resolve and LinkIdentity are strongly consistent with one another: a
// successful link is visible to subsequent resolves. Uniqueness of
// (platform, platform_user_id) is enforced by a database constraint;
// a duplicate link fails with ErrDuplicateIdentity, never a silent
// overwrite. Unlink deletes the binding, so re-linking the handle to a
// different user inserts a fresh row.
//
// # Credential Sealing
//
// Channel credentials are sealed with chacha20poly1305 under the key from
// security.credential_key before they reach the database. Constructing a
// store with a nil Sealer skips sealing, which dev mode uses.
//
// # SQLite Configuration
//
// The SQLite engine enables WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Tests construct stores against a file in t.TempDir().
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateIdentity: (platform, platform_user_id) already bound
//
// All methods accept context.Context for cancellation support.
package store
