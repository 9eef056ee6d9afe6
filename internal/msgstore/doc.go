// ABOUTME: Package documentation for the message document store
// ABOUTME: Describes collections, the status state machine, and pagination

/*
Package msgstore persists messages, conversations, and file metadata.

It is the document-shaped half of the gateway's persistence, next to the
relational identity store. Two engines implement the same Store interface:
MongoStore for production and MemoryStore for tests and single-process
development.

# Collections

Three collections (maps, for the memory engine):

  - messages: one document per message, keyed by message id. Carries the
    current status, the append-only status history, and after terminal
    aggregation the per-recipient outcomes.
  - conversations: membership as (joined_at, left_at) intervals, plus the
    external chat refs that bind a conversation to provider-side threads.
  - files: upload metadata and the scan verdict lifecycle.

# Status state machine

A message moves PENDING -> SENT -> DELIVERED -> READ, with FAILED reachable
from every non-terminal state. READ and FAILED are terminal. AppendStatus
and FinalizeDelivery enforce the machine at the storage layer: the Mongo
engine guards the update with a status $in filter over the legal source
states, so racing writers cannot regress a message, and a forbidden apply
surfaces as ErrInvalidTransition. Callers replaying provider webhooks treat
that error as an idempotent no-op.

FinalizeDelivery is AppendStatus plus the delivery outcome in the same
write: recipient states, the provider message id, and the error kind.

# History pagination

ListMessages returns pages ordered by (created_at desc, message id desc)
with an opaque cursor. A page only contains messages the requesting user
was a member for: each (joined_at, left_at) interval of that user admits
messages created inside it, and everything else is invisible, including to
re-joined participants for the interval they were away.

# Participant changes

ModifyParticipants applies adds and removes in one step, enforces the group
size bounds, and records the change as a synthetic SYSTEM message in the
conversation itself. The Mongo engine uses an optimistic compare-and-set on
updated_at so concurrent membership changes cannot clobber each other.
*/
package msgstore
