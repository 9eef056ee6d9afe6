// ABOUTME: Log and Consumer interfaces over the event topics
// ABOUTME: Implemented by the Kafka engine and the in-memory engine

package eventlog

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// Record is one consumed event plus the coordinates needed to acknowledge
// it. Value stays raw so replays and dead letters carry the original bytes.
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int
	Offset    int64

	km kafka.Message // set by the kafka engine, zero otherwise
}

// Consumer is one group member over a topic. Fetch blocks until a record or
// ctx cancellation; Commit acknowledges a record after processing reached a
// terminal outcome. Uncommitted records are redelivered after a restart,
// which is what makes processing at-least-once.
type Consumer interface {
	Fetch(ctx context.Context) (*Record, error)
	Commit(ctx context.Context, rec *Record) error
	Close() error
}

// Log is the durable event pipe between ingress, routers, and propagators.
type Log interface {
	// PublishMessage appends to chat-events, keyed by conversation id.
	PublishMessage(ctx context.Context, ev *MessageEvent) error

	// PublishStatus appends to status-updates, keyed by conversation id.
	PublishStatus(ctx context.Context, ev *StatusEvent) error

	// DeadLetter copies a record's original bytes to chat-events-dlq with a
	// reason header so an operator can inspect and replay it.
	DeadLetter(ctx context.Context, rec *Record, reason string) error

	MessageConsumer(group string) Consumer
	StatusConsumer(group string) Consumer
	DeadLetterConsumer(group string) Consumer

	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error

	Close() error
}
