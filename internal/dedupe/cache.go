// ABOUTME: Thread-safe TTL cache for idempotency markers, in process
// ABOUTME: Size-limited with O(1) oldest-first eviction and a cleanup goroutine

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// cacheEntry stores the timestamp and list element for a cached id.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
}

// Cache is the in-process Deduper for dev mode and tests, and the fallback
// when no Redis is configured. Markers live for the configured TTL, the map
// is size-limited, and a doubly-linked list maintains insertion order for
// O(1) eviction.
//
// Being process-local, it cannot see marks made by other gateway or router
// processes; multi-process deployments want the Redis backend.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // ids in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates an in-process deduper with the given marker TTL and maximum
// entry count. A background goroutine periodically removes expired markers.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Seen reports whether id was marked and has not expired.
func (c *Cache) Seen(ctx context.Context, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.seen[id]
	if !ok {
		return false
	}
	return time.Since(entry.timestamp) < c.ttl
}

// Mark records that id has been seen. If the cache is at capacity, the
// oldest marker is evicted to make room. Re-marking refreshes the TTL.
func (c *Cache) Mark(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	if entry, exists := c.seen[id]; exists {
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(id)
	c.seen[id] = &cacheEntry{
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest marker. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, id)
}

// cleanup runs in a background goroutine, periodically removing expired
// markers so long-lived processes do not pin dead ids at capacity.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired markers.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.seen {
		if now.Sub(entry.timestamp) > c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, id)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
	return nil
}

var _ Deduper = (*Cache)(nil)
