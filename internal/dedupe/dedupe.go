// ABOUTME: Deduper interface for idempotency markers keyed by message id
// ABOUTME: Implemented by the in-process cache and the Redis backend

package dedupe

import "context"

// Deduper tracks recently seen message ids so replayed sends and redelivered
// log records short-circuit cheaply. Reads are advisory and writes are
// best-effort: the message store's uniqueness constraint stays authoritative,
// so a deduper may miss (restart, eviction, backend error) but must never
// fail a request.
type Deduper interface {
	// Seen reports whether id was marked within the TTL.
	Seen(ctx context.Context, id string) bool

	// Mark records id. Errors are logged, never returned.
	Mark(ctx context.Context, id string)

	Close() error
}
