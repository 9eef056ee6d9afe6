// ABOUTME: Tests for the circuit breaker trip, cooldown, and probe behavior
// ABOUTME: Uses an injected clock so nothing sleeps

package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker() (*breaker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := newBreaker(breakerSettings{threshold: 3, window: 30 * time.Second, cooldown: 15 * time.Second})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := testBreaker()

	b.fail()
	b.fail()
	assert.True(t, b.allow(), "two failures should not trip")

	b.fail()
	assert.False(t, b.allow(), "third failure should trip the breaker")
}

func TestBreaker_WindowRestartsCount(t *testing.T) {
	b, now := testBreaker()

	b.fail()
	b.fail()
	*now = now.Add(31 * time.Second) // past the counting window

	b.fail()
	b.fail()
	assert.True(t, b.allow(), "stale failures should not count toward the threshold")

	b.fail()
	assert.False(t, b.allow(), "three failures inside the window should trip")
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, now := testBreaker()

	for i := 0; i < 3; i++ {
		b.fail()
	}
	require.False(t, b.allow())

	*now = now.Add(15 * time.Second)
	assert.True(t, b.allow(), "cooldown elapsed, one probe should pass")
	assert.False(t, b.allow(), "only one probe is admitted while half-open")
}

func TestBreaker_ProbeFailureRetrips(t *testing.T) {
	b, now := testBreaker()

	for i := 0; i < 3; i++ {
		b.fail()
	}
	*now = now.Add(15 * time.Second)
	require.True(t, b.allow())

	b.fail()
	assert.False(t, b.allow(), "a failed probe should reopen immediately")

	*now = now.Add(14 * time.Second)
	assert.False(t, b.allow(), "cooldown restarts from the probe failure")
	*now = now.Add(time.Second)
	assert.True(t, b.allow())
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, now := testBreaker()

	for i := 0; i < 3; i++ {
		b.fail()
	}
	*now = now.Add(15 * time.Second)
	require.True(t, b.allow())

	b.reset()
	assert.True(t, b.allow())
	assert.True(t, b.allow(), "closed breaker admits everything")
}
