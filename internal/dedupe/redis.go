// ABOUTME: Redis-backed deduper shared by every gateway and router process
// ABOUTME: Markers are SET with TTL under dedup:msg:<id>

package dedupe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Deduper on a shared Redis, so markers written by one
// process are visible to all of them.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects to Redis and verifies it is reachable.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger := slog.Default().With("component", "dedupe")
	logger.Info("Redis deduper initialized", "addr", addr, "ttl", ttl)

	return &Redis{
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

func dedupKey(id string) string {
	return fmt.Sprintf("dedup:msg:%s", id)
}

// Seen reports whether a marker exists for id. Backend errors are logged
// and read as "not seen": the store's uniqueness constraint still catches
// the duplicate, so failing open here only costs one extra store write.
func (r *Redis) Seen(ctx context.Context, id string) bool {
	_, err := r.client.Get(ctx, dedupKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		r.logger.Warn("dedupe read failed", "message_id", id, "error", err)
		return false
	}
	return true
}

// Mark sets the marker with the configured TTL. The value is the mark time,
// for operator inspection.
func (r *Redis) Mark(ctx context.Context, id string) {
	if err := r.client.Set(ctx, dedupKey(id), time.Now().Unix(), r.ttl).Err(); err != nil {
		r.logger.Warn("dedupe mark failed", "message_id", id, "error", err)
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Deduper = (*Redis)(nil)
