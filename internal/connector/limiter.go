// ABOUTME: Per-recipient rate limiter pool with idle eviction
// ABOUTME: Hands out one rate.Limiter per platform user id

package connector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterPool lazily creates one limiter per recipient and evicts entries
// that have been idle past the TTL. Zero or negative rate means unlimited.
type limiterPool struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	stop    chan struct{}
	once    sync.Once
}

func newLimiterPool(perSec float64, burst int) *limiterPool {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst < 1 {
		burst = 1
	}
	p := &limiterPool{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		stop:    make(chan struct{}),
	}
	go p.janitor()
	return p
}

// wait blocks until the recipient's limiter admits one event or ctx ends.
func (p *limiterPool) wait(ctx context.Context, key string) error {
	return p.get(key).Wait(ctx)
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(p.limit, p.burst)}
		p.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e.lim
}

func (p *limiterPool) janitor() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

func (p *limiterPool) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		if now.Sub(e.lastSeen) > limiterIdleTTL {
			delete(p.entries, key)
		}
	}
}

func (p *limiterPool) close() {
	p.once.Do(func() { close(p.stop) })
}
