// ABOUTME: Tests for the in-process idempotency cache
// ABOUTME: Validates TTL expiration, size limits, eviction, cleanup, and concurrency safety

package dedupe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Seen_NotMarked(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	// An id that was never marked should return false
	assert.False(t, cache.Seen(context.Background(), "never-seen-id"))
}

func TestCache_Seen_Marked(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()
	ctx := context.Background()

	cache.Mark(ctx, "msg-1")

	assert.True(t, cache.Seen(ctx, "msg-1"))
}

func TestCache_Seen_Expired(t *testing.T) {
	// Use a very short TTL for testing
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()
	ctx := context.Background()

	cache.Mark(ctx, "expiring-id")

	// Should be seen initially
	assert.True(t, cache.Seen(ctx, "expiring-id"))

	// Wait for TTL to expire
	time.Sleep(20 * time.Millisecond)

	// Should no longer be seen after TTL
	assert.False(t, cache.Seen(ctx, "expiring-id"))
}

func TestCache_Mark_Multiple(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()
	ctx := context.Background()

	cache.Mark(ctx, "msg-1")
	cache.Mark(ctx, "msg-2")
	cache.Mark(ctx, "msg-3")

	assert.True(t, cache.Seen(ctx, "msg-1"))
	assert.True(t, cache.Seen(ctx, "msg-2"))
	assert.True(t, cache.Seen(ctx, "msg-3"))

	// An unknown id should not be present
	assert.False(t, cache.Seen(ctx, "msg-4"))
}

func TestCache_Mark_RefreshesTTL(t *testing.T) {
	// Use a short TTL
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()
	ctx := context.Background()

	cache.Mark(ctx, "refresh-id")

	// Wait partway through TTL
	time.Sleep(30 * time.Millisecond)

	// Re-mark to refresh
	cache.Mark(ctx, "refresh-id")

	// Wait another 30ms (would be past original TTL)
	time.Sleep(30 * time.Millisecond)

	// Should still be present because we refreshed
	assert.True(t, cache.Seen(ctx, "refresh-id"))
}

func TestCache_Eviction(t *testing.T) {
	// Small cache for testing eviction
	cache := New(5*time.Minute, 3)
	defer cache.Close()
	ctx := context.Background()

	// Fill the cache
	cache.Mark(ctx, "msg-1")
	time.Sleep(1 * time.Millisecond) // Ensure different timestamps
	cache.Mark(ctx, "msg-2")
	time.Sleep(1 * time.Millisecond)
	cache.Mark(ctx, "msg-3")

	assert.True(t, cache.Seen(ctx, "msg-1"))
	assert.True(t, cache.Seen(ctx, "msg-2"))
	assert.True(t, cache.Seen(ctx, "msg-3"))

	// Adding a fourth id should evict the oldest (msg-1)
	time.Sleep(1 * time.Millisecond)
	cache.Mark(ctx, "msg-4")

	assert.False(t, cache.Seen(ctx, "msg-1"), "oldest id should be evicted")

	assert.True(t, cache.Seen(ctx, "msg-2"))
	assert.True(t, cache.Seen(ctx, "msg-3"))
	assert.True(t, cache.Seen(ctx, "msg-4"))
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()
	ctx := context.Background()

	cache.Mark(ctx, "first")
	time.Sleep(1 * time.Millisecond)
	cache.Mark(ctx, "second")
	time.Sleep(1 * time.Millisecond)
	cache.Mark(ctx, "third")

	assert.True(t, cache.Seen(ctx, "first"))
	assert.True(t, cache.Seen(ctx, "second"))
	assert.True(t, cache.Seen(ctx, "third"))

	// Add fourth - should evict "first" (oldest)
	cache.Mark(ctx, "fourth")

	assert.False(t, cache.Seen(ctx, "first"), "first should be evicted")
	assert.True(t, cache.Seen(ctx, "second"))
	assert.True(t, cache.Seen(ctx, "third"))
	assert.True(t, cache.Seen(ctx, "fourth"))

	// Add fifth - should evict "second"
	cache.Mark(ctx, "fifth")

	assert.False(t, cache.Seen(ctx, "second"), "second should be evicted")
	assert.True(t, cache.Seen(ctx, "third"))
	assert.True(t, cache.Seen(ctx, "fourth"))
	assert.True(t, cache.Seen(ctx, "fifth"))
}

func TestCache_Cleanup(t *testing.T) {
	// The cleanup goroutine ticks every minute, so trigger the sweep
	// directly and verify expired markers leave the map.
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()
	ctx := context.Background()

	cache.Mark(ctx, "cleanup-1")
	cache.Mark(ctx, "cleanup-2")
	cache.Mark(ctx, "cleanup-3")

	assert.True(t, cache.Seen(ctx, "cleanup-1"))
	assert.True(t, cache.Seen(ctx, "cleanup-2"))
	assert.True(t, cache.Seen(ctx, "cleanup-3"))

	// Wait for the markers to expire
	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Seen(ctx, "cleanup-1"))
	assert.False(t, cache.Seen(ctx, "cleanup-2"))
	assert.False(t, cache.Seen(ctx, "cleanup-3"))

	cache.runCleanup()

	cache.mu.RLock()
	mapLen := len(cache.seen)
	cache.mu.RUnlock()
	assert.Equal(t, 0, mapLen, "cleanup should remove expired markers from the map")
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()
	ctx := context.Background()

	const numGoroutines = 100
	const opsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	// Concurrent marks and reads
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				key := fmt.Sprintf("msg-%d-%d", id%26, j%10)
				cache.Mark(ctx, key)
				cache.Seen(ctx, key)
			}
		}(i)
	}

	wg.Wait()

	// No panics or race conditions - also verify the cache still works
	cache.Mark(ctx, "final-id")
	assert.True(t, cache.Seen(ctx, "final-id"))
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)
	ctx := context.Background()

	cache.Mark(ctx, "before-close")
	assert.True(t, cache.Seen(ctx, "before-close"))

	// Close should not panic and should stop the cleanup goroutine
	assert.NoError(t, cache.Close())

	// Multiple closes should not panic
	assert.NoError(t, cache.Close())
}

func TestCache_ConfiguredDefaults(t *testing.T) {
	// The production defaults: 48h marker TTL, 100k entries
	cache := New(48*time.Hour, 100_000)
	defer cache.Close()
	ctx := context.Background()

	cache.Mark(ctx, "prod-id")
	assert.True(t, cache.Seen(ctx, "prod-id"))
}
