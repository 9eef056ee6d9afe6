// ABOUTME: Kafka engine for the event log built on segmentio/kafka-go
// ABOUTME: Hash-balanced writers, group readers with explicit commits

package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig names the cluster and topics. Empty topic fields fall back
// to the canonical names.
type KafkaConfig struct {
	Brokers     []string
	ChatTopic   string
	StatusTopic string
	DLQTopic    string
}

func (c *KafkaConfig) applyDefaults() {
	if c.ChatTopic == "" {
		c.ChatTopic = TopicMessages
	}
	if c.StatusTopic == "" {
		c.StatusTopic = TopicStatus
	}
	if c.DLQTopic == "" {
		c.DLQTopic = TopicDeadLetter
	}
}

// EnsureTopics creates the three topics when the cluster lacks them.
// Partition counts fix the ordering domains for the keyed topics; the dead
// letter topic needs only one. Replication factor -1 takes the broker
// default.
func EnsureTopics(ctx context.Context, cfg KafkaConfig) error {
	cfg.applyDefaults()
	client := &kafka.Client{Addr: kafka.TCP(cfg.Brokers...)}

	resp, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{
			{Topic: cfg.ChatTopic, NumPartitions: 10, ReplicationFactor: -1},
			{Topic: cfg.StatusTopic, NumPartitions: 10, ReplicationFactor: -1},
			{Topic: cfg.DLQTopic, NumPartitions: 1, ReplicationFactor: -1},
		},
	})
	if err != nil {
		return fmt.Errorf("creating topics: %w", err)
	}
	for topic, terr := range resp.Errors {
		if terr != nil && !errors.Is(terr, kafka.TopicAlreadyExists) {
			return fmt.Errorf("creating topic %s: %w", topic, terr)
		}
	}
	return nil
}

// KafkaLog implements Log against a Kafka cluster.
type KafkaLog struct {
	cfg      KafkaConfig
	messages *kafka.Writer
	status   *kafka.Writer
	dlq      *kafka.Writer
	logger   *slog.Logger
}

// NewKafkaLog builds writers for the three topics. The Hash balancer is a
// pure function of the key, so a conversation always lands on the same
// partition and per-conversation order holds.
func NewKafkaLog(cfg KafkaConfig) *KafkaLog {
	cfg.applyDefaults()

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		}
	}

	return &KafkaLog{
		cfg:      cfg,
		messages: newWriter(cfg.ChatTopic),
		status:   newWriter(cfg.StatusTopic),
		dlq:      newWriter(cfg.DLQTopic),
		logger:   slog.Default().With("component", "eventlog"),
	}
}

func (l *KafkaLog) PublishMessage(ctx context.Context, ev *MessageEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding message event: %w", err)
	}

	err = l.messages.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Message.ConversationID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publishing message event: %w", err)
	}

	l.logger.Debug("published message event",
		"message_id", ev.Message.ID,
		"conversation_id", ev.Message.ConversationID)
	return nil
}

func (l *KafkaLog) PublishStatus(ctx context.Context, ev *StatusEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding status event: %w", err)
	}

	err = l.status.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.ConversationID),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publishing status event: %w", err)
	}

	return nil
}

func (l *KafkaLog) DeadLetter(ctx context.Context, rec *Record, reason string) error {
	err := l.dlq.WriteMessages(ctx, kafka.Message{
		Key:     []byte(rec.Key),
		Value:   rec.Value,
		Headers: []kafka.Header{{Key: "reason", Value: []byte(reason)}},
	})
	if err != nil {
		return fmt.Errorf("writing dead letter: %w", err)
	}

	l.logger.Warn("routed record to dead letter topic", "key", rec.Key, "reason", reason)
	return nil
}

func (l *KafkaLog) MessageConsumer(group string) Consumer {
	return l.consumer(l.cfg.ChatTopic, group)
}

func (l *KafkaLog) StatusConsumer(group string) Consumer {
	return l.consumer(l.cfg.StatusTopic, group)
}

func (l *KafkaLog) DeadLetterConsumer(group string) Consumer {
	return l.consumer(l.cfg.DLQTopic, group)
}

func (l *KafkaLog) consumer(topic, group string) Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        l.cfg.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10 << 20, // 10 MiB
		CommitInterval: 0,        // explicit commits only
		StartOffset:    kafka.FirstOffset,
	})
	return &kafkaConsumer{reader: reader}
}

// Ping dials the first broker. Readiness only needs to know the cluster
// answers; topic health surfaces through the writers.
func (l *KafkaLog) Ping(ctx context.Context) error {
	if len(l.cfg.Brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", l.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}
	return conn.Close()
}

func (l *KafkaLog) Close() error {
	if err := l.messages.Close(); err != nil {
		return fmt.Errorf("closing message writer: %w", err)
	}
	if err := l.status.Close(); err != nil {
		return fmt.Errorf("closing status writer: %w", err)
	}
	if err := l.dlq.Close(); err != nil {
		return fmt.Errorf("closing dead letter writer: %w", err)
	}
	return nil
}

type kafkaConsumer struct {
	reader *kafka.Reader
}

func (c *kafkaConsumer) Fetch(ctx context.Context) (*Record, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &Record{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		km:        m,
	}, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, rec *Record) error {
	return c.reader.CommitMessages(ctx, rec.km)
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}

var _ Log = (*KafkaLog)(nil)
