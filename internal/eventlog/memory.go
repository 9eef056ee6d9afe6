// ABOUTME: In-memory engine for the event log used by dev mode and tests
// ABOUTME: Single-partition FIFO topics with blocking fetch and manual ack

package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryLog implements Log without a broker. Each topic is one FIFO
// partition, so ordering is total per topic, which is stricter than the
// per-key guarantee of the Kafka engine. A consumer group has one active
// member at a time, matching a single-partition assignment: the first
// fetcher owns the topic, extra members idle, and when the owner closes a
// standby takes over from the last committed offset.
type MemoryLog struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	groups map[string]*memoryGroup
	closed bool
}

type memoryTopic struct {
	records []Record
	waiters []chan struct{}
}

// memoryGroup is the shared cursor of one consumer group on one topic.
type memoryGroup struct {
	owner     *memoryConsumer
	committed int64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		topics: make(map[string]*memoryTopic),
		groups: make(map[string]*memoryGroup),
	}
}

func (l *MemoryLog) topic(name string) *memoryTopic {
	t, ok := l.topics[name]
	if !ok {
		t = &memoryTopic{}
		l.topics[name] = t
	}
	return t
}

func (l *MemoryLog) group(topic, name string) *memoryGroup {
	key := topic + "/" + name
	g, ok := l.groups[key]
	if !ok {
		g = &memoryGroup{}
		l.groups[key] = g
	}
	return g
}

// append adds a record and wakes every blocked fetcher.
func (l *MemoryLog) append(topic, key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("event log is closed")
	}

	t := l.topic(topic)
	t.records = append(t.records, Record{
		Topic:  topic,
		Key:    key,
		Value:  value,
		Offset: int64(len(t.records)),
	})
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil

	return nil
}

func (l *MemoryLog) PublishMessage(ctx context.Context, ev *MessageEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding message event: %w", err)
	}
	return l.append(TopicMessages, ev.Message.ConversationID, value)
}

func (l *MemoryLog) PublishStatus(ctx context.Context, ev *StatusEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding status event: %w", err)
	}
	return l.append(TopicStatus, ev.ConversationID, value)
}

func (l *MemoryLog) DeadLetter(ctx context.Context, rec *Record, reason string) error {
	return l.append(TopicDeadLetter, rec.Key, rec.Value)
}

func (l *MemoryLog) MessageConsumer(group string) Consumer {
	return &memoryConsumer{log: l, topic: TopicMessages, group: group}
}

func (l *MemoryLog) StatusConsumer(group string) Consumer {
	return &memoryConsumer{log: l, topic: TopicStatus, group: group}
}

func (l *MemoryLog) DeadLetterConsumer(group string) Consumer {
	return &memoryConsumer{log: l, topic: TopicDeadLetter, group: group}
}

func (l *MemoryLog) Ping(ctx context.Context) error {
	return nil
}

func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	// Wake blocked fetchers so their next wait sees ctx cancellation from
	// the shutting-down caller rather than hanging forever.
	for _, t := range l.topics {
		for _, ch := range t.waiters {
			close(ch)
		}
		t.waiters = nil
	}
	return nil
}

// Pending reports how many records a topic holds. Test helper.
func (l *MemoryLog) Pending(topic string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.topic(topic).records)
}

type memoryConsumer struct {
	log   *MemoryLog
	topic string
	group string

	next int64
}

func (c *memoryConsumer) Fetch(ctx context.Context) (*Record, error) {
	for {
		c.log.mu.Lock()
		t := c.log.topic(c.topic)
		g := c.log.group(c.topic, c.group)

		if g.owner == nil {
			// First fetcher in claims the partition. A takeover resumes
			// from the last commit, so in-flight records are redelivered.
			g.owner = c
			c.next = g.committed
		}
		if g.owner == c && c.next < int64(len(t.records)) {
			rec := t.records[c.next]
			c.next++
			c.log.mu.Unlock()
			return &rec, nil
		}

		wait := make(chan struct{})
		t.waiters = append(t.waiters, wait)
		c.log.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *memoryConsumer) Commit(ctx context.Context, rec *Record) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	g := c.log.group(c.topic, c.group)
	if rec.Offset+1 > g.committed {
		g.committed = rec.Offset + 1
	}
	return nil
}

// Committed returns the group's next-uncommitted offset. Test helper.
func (c *memoryConsumer) Committed() int64 {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	return c.log.group(c.topic, c.group).committed
}

func (c *memoryConsumer) Close() error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	g := c.log.group(c.topic, c.group)
	if g.owner != c {
		return nil
	}
	g.owner = nil
	// Wake blocked standbys so one of them can claim the partition.
	t := c.log.topic(c.topic)
	for _, ch := range t.waiters {
		close(ch)
	}
	t.waiters = nil
	return nil
}

var _ Log = (*MemoryLog)(nil)
