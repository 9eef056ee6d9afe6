// ABOUTME: Package documentation for the event log
// ABOUTME: Topics, ordering, and delivery semantics

/*
Package eventlog carries events between the gateway's stages.

Three topics: chat-events holds message events awaiting router fan-out,
status-updates holds per-message status transitions for the propagator, and
chat-events-dlq receives messages whose delivery exhausted every retry.

Both engines key chat-events and status-updates by conversation id, so all
events of one conversation stay in order relative to each other. Consumers
fetch, process to a terminal outcome, then commit; a crash between fetch
and commit redelivers the record, and downstream writes are idempotent
(duplicate message inserts and invalid status transitions are rejected by
the stores), which together gives at-least-once processing without
duplicated side effects.

The Kafka engine is the production path. The memory engine backs dev mode
and tests with single-partition FIFO topics behind the same interface.
*/
package eventlog
