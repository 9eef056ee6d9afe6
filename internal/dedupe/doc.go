// Package dedupe provides idempotency markers keyed by message id, used to
// short-circuit replayed sends and redelivered log records. Markers are
// advisory; the message store's uniqueness constraint is authoritative.
package dedupe
