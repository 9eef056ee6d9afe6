// ABOUTME: Per-connector circuit breaker with failure window and half-open probe
// ABOUTME: Trips on repeated transient failures, cools down, probes once

package connector

import (
	"sync"
	"time"
)

type breakerSettings struct {
	// threshold failures within window trip the breaker.
	threshold int
	window    time.Duration
	// cooldown is how long the breaker stays open before a single
	// half-open probe is allowed through.
	cooldown time.Duration
}

func defaultBreakerSettings() breakerSettings {
	return breakerSettings{
		threshold: 5,
		window:    30 * time.Second,
		cooldown:  15 * time.Second,
	}
}

// breaker is a mutex-guarded three-state circuit breaker. Only transient
// failures feed it; a permanent platform answer is the platform working.
type breaker struct {
	mu sync.Mutex

	settings breakerSettings

	failures  int
	firstFail time.Time
	trippedAt time.Time
	probing   bool

	now func() time.Time // injectable clock for tests
}

func newBreaker(s breakerSettings) *breaker {
	return &breaker{settings: s, now: time.Now}
}

// allow reports whether a send may proceed. While open it refuses
// everything until the cooldown elapses, then admits exactly one probe.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.trippedAt.IsZero() {
		return true
	}
	if b.now().Sub(b.trippedAt) < b.settings.cooldown {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// fail records a transient failure. Failures older than the window restart
// the count. A failure during the half-open probe re-trips immediately.
func (b *breaker) fail() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.probing || !b.trippedAt.IsZero() {
		b.trippedAt = now
		b.probing = false
		b.failures = 0
		b.firstFail = time.Time{}
		return
	}

	if b.failures == 0 || now.Sub(b.firstFail) > b.settings.window {
		b.failures = 1
		b.firstFail = now
		return
	}
	b.failures++
	if b.failures >= b.settings.threshold {
		b.trippedAt = now
		b.failures = 0
		b.firstFail = time.Time{}
	}
}

// reset closes the breaker after a successful send.
func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.firstFail = time.Time{}
	b.trippedAt = time.Time{}
	b.probing = false
}
