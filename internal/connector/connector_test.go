// ABOUTME: Tests for the registry, the managed wrapper, and error classification
// ABOUTME: Uses a scripted in-memory connector, no network

package connector

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/store"
)

// scripted returns the queued outcomes in order, then succeeds.
type scripted struct {
	platform chat.Platform
	outcomes []error
	calls    int
}

func (s *scripted) Platform() chat.Platform { return s.platform }

func (s *scripted) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	s.calls++
	if len(s.outcomes) > 0 {
		err := s.outcomes[0]
		s.outcomes = s.outcomes[1:]
		if err != nil {
			return nil, err
		}
	}
	return &SendResult{PlatformMessageID: "pm-1", Status: chat.StatusSent}, nil
}

func (s *scripted) Webhook(http.Header, []byte) ([]*InboundEvent, error) { return nil, ErrNoWebhook }

func (s *scripted) ValidateCredentials(context.Context) error { return nil }

func testSendRequest() *SendRequest {
	return &SendRequest{
		Message: &chat.Message{
			ID:             "msg-1",
			ConversationID: "conv-1",
			Content:        "hello",
			Channel:        chat.PlatformWhatsApp,
		},
		Recipient:      "user-b",
		PlatformUserID: "15550001111",
	}
}

func TestRetriable_Classification(t *testing.T) {
	assert.True(t, Retriable(transientErr(chat.PlatformWhatsApp, "4", "rate limited")))
	assert.False(t, Retriable(permanentErr(chat.PlatformWhatsApp, "190", "bad token")))
	assert.True(t, Retriable(errors.New("connection reset")), "unknown errors default to retriable")
	assert.True(t, Retriable(ErrCircuitOpen))
}

func TestManaged_BreakerTripsOnTransientFailures(t *testing.T) {
	sc := &scripted{platform: chat.PlatformWhatsApp}
	for i := 0; i < 5; i++ {
		sc.outcomes = append(sc.outcomes, transientErr(chat.PlatformWhatsApp, "1", "flaky"))
	}
	m := NewManaged(sc, 0, 0)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Send(ctx, testSendRequest())
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen, "send %d should reach the platform", i)
	}

	_, err := m.Send(ctx, testSendRequest())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 5, sc.calls, "open breaker must not call the platform")
}

func TestManaged_PermanentFailuresLeaveBreakerClosed(t *testing.T) {
	sc := &scripted{platform: chat.PlatformWhatsApp}
	for i := 0; i < 10; i++ {
		sc.outcomes = append(sc.outcomes, permanentErr(chat.PlatformWhatsApp, "551", "user gone"))
	}
	m := NewManaged(sc, 0, 0)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := m.Send(ctx, testSendRequest())
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, 10, sc.calls)
}

func TestManaged_SuccessResetsBreaker(t *testing.T) {
	sc := &scripted{platform: chat.PlatformWhatsApp}
	sc.outcomes = []error{
		transientErr(chat.PlatformWhatsApp, "1", "flaky"),
		transientErr(chat.PlatformWhatsApp, "1", "flaky"),
		nil, // success clears the count
		transientErr(chat.PlatformWhatsApp, "1", "flaky"),
		transientErr(chat.PlatformWhatsApp, "1", "flaky"),
	}
	m := NewManaged(sc, 0, 0)
	defer m.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m.Send(ctx, testSendRequest())
	}

	res, err := m.Send(ctx, testSendRequest())
	require.NoError(t, err)
	assert.Equal(t, "pm-1", res.PlatformMessageID)
}

func TestManaged_LimiterHonorsContext(t *testing.T) {
	sc := &scripted{platform: chat.PlatformWhatsApp}
	m := NewManaged(sc, 1, 1) // 1/sec, burst 1
	defer m.Close()

	_, err := m.Send(context.Background(), testSendRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Send(ctx, testSendRequest())
	require.Error(t, err)
	assert.True(t, Retriable(err), "limiter timeout is transient")
	assert.Equal(t, 1, sc.calls)
}

func TestRegistry_GetAndPlatforms(t *testing.T) {
	reg := NewRegistry()
	defer reg.Close()

	reg.Register(NewManaged(&scripted{platform: chat.PlatformTelegram}, 0, 0))
	reg.Register(NewManaged(&scripted{platform: chat.PlatformWhatsApp}, 0, 0))

	m, err := reg.Get(chat.PlatformTelegram)
	require.NoError(t, err)
	assert.Equal(t, chat.PlatformTelegram, m.Platform())

	_, err = reg.Get(chat.PlatformInstagram)
	assert.ErrorIs(t, err, ErrNoConnector)

	assert.Equal(t, []chat.Platform{chat.PlatformTelegram, chat.PlatformWhatsApp}, reg.Platforms())
}

func TestBuildRegistry_SkipsDisabledAndInstallsLoopback(t *testing.T) {
	cfgs := []*store.ChannelConfig{
		{Platform: chat.PlatformWhatsApp, Enabled: true, APIBaseURL: "http://wa.test", Credentials: store.ChannelCredentials{Token: "t"}},
		{Platform: chat.PlatformTelegram, Enabled: false, APIBaseURL: "http://tg.test"},
	}

	reg, err := BuildRegistry(cfgs, nil)
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.Get(chat.PlatformWhatsApp)
	assert.NoError(t, err)
	_, err = reg.Get(chat.PlatformTelegram)
	assert.ErrorIs(t, err, ErrNoConnector)

	loop, err := reg.Get(chat.PlatformInternal)
	require.NoError(t, err)
	res, err := loop.Send(context.Background(), testSendRequest())
	require.NoError(t, err)
	assert.Equal(t, chat.StatusDelivered, res.Status)
	assert.NotEmpty(t, res.PlatformMessageID)
}
