// ABOUTME: Connector contract, delivery error taxonomy, and the platform registry
// ABOUTME: Wraps each platform client with a circuit breaker and per-recipient limiter

package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/store"
)

var (
	// ErrNoConnector means no connector is registered for the platform.
	ErrNoConnector = errors.New("connector: no connector for platform")
	// ErrCircuitOpen means the platform's breaker is open; retriable.
	ErrCircuitOpen = errors.New("connector: circuit open")
	// ErrBadSignature means webhook signature verification failed. Handlers
	// map this to 401 so the platform retries.
	ErrBadSignature = errors.New("connector: webhook signature verification failed")
	// ErrNoWebhook means the platform has no inbound webhook surface.
	ErrNoWebhook = errors.New("connector: platform does not accept webhooks")
)

// SendRequest carries one outbound dispatch to one resolved recipient.
type SendRequest struct {
	Message *chat.Message
	// Recipient is the original recipient entry, kept for delivery metadata.
	Recipient string
	// PlatformUserID is the resolved destination id on the platform.
	PlatformUserID string
}

// SendResult reports a successful platform send.
type SendResult struct {
	PlatformMessageID string
	// Status is SENT or DELIVERED depending on what the platform acked.
	Status chat.Status
}

// InboundKind distinguishes webhook event types.
type InboundKind string

const (
	InboundMessage InboundKind = "message"
	InboundStatus  InboundKind = "status"
)

// InboundAttachment points at a platform-hosted blob the gateway should
// fetch and store before referencing it from the inbound message.
type InboundAttachment struct {
	URL      string
	Filename string
	MIMEType string
	Size     int64
}

// InboundEvent is one normalized webhook event: a message from a platform
// user or a status update keyed by platform message id.
type InboundEvent struct {
	Kind              InboundKind
	Platform          chat.Platform
	PlatformUserID    string
	PlatformChatID    string
	PlatformMessageID string
	Text              string
	Attachments       []InboundAttachment
	Status            chat.Status
	Reason            string
	At                time.Time
}

// Connector is one platform's delivery surface.
type Connector interface {
	Platform() chat.Platform
	// Send delivers msg to one recipient. Failures are *DeliveryError
	// values carrying the retriable classification.
	Send(ctx context.Context, req *SendRequest) (*SendResult, error)
	// Webhook verifies and parses a raw inbound payload. Returns
	// ErrBadSignature when the signature does not check out.
	Webhook(header http.Header, body []byte) ([]*InboundEvent, error)
	// ValidateCredentials probes the platform API with the configured
	// credentials.
	ValidateCredentials(ctx context.Context) error
}

// DeliveryError classifies a failed platform send.
type DeliveryError struct {
	Platform  chat.Platform
	Code      string
	Reason    string
	Retriable bool
}

func (e *DeliveryError) Error() string {
	kind := "permanent"
	if e.Retriable {
		kind = "transient"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s delivery failure (code %s): %s", e.Platform, kind, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s delivery failure: %s", e.Platform, kind, e.Reason)
}

// Retriable reports whether a send failure may succeed on retry. Unknown
// errors (network resets, deadline) default to retriable; only an explicit
// permanent DeliveryError is final.
func Retriable(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Retriable
	}
	return true
}

// transientErr builds a retriable DeliveryError.
func transientErr(p chat.Platform, code, reason string) *DeliveryError {
	return &DeliveryError{Platform: p, Code: code, Reason: reason, Retriable: true}
}

// permanentErr builds a non-retriable DeliveryError.
func permanentErr(p chat.Platform, code, reason string) *DeliveryError {
	return &DeliveryError{Platform: p, Code: code, Reason: reason, Retriable: false}
}

// Managed wraps a Connector with the process-wide isolation mechanics:
// a circuit breaker and a per-recipient rate limiter pool.
type Managed struct {
	Connector

	breaker *breaker
	limits  *limiterPool
	logger  *slog.Logger
}

// NewManaged wraps c. Rate comes from the channel configuration; zero or
// negative means unlimited.
func NewManaged(c Connector, ratePerSec float64, burst int) *Managed {
	return &Managed{
		Connector: c,
		breaker:   newBreaker(defaultBreakerSettings()),
		limits:    newLimiterPool(ratePerSec, burst),
		logger:    slog.Default().With("component", "connector", "platform", c.Platform()),
	}
}

// Send applies breaker and limiter discipline around the wrapped send.
// Transient failures count toward the breaker; permanent failures are the
// platform answering correctly and leave it alone.
func (m *Managed) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if !m.breaker.allow() {
		return nil, ErrCircuitOpen
	}
	if err := m.limits.wait(ctx, req.PlatformUserID); err != nil {
		return nil, transientErr(m.Platform(), "", "rate limiter wait: "+err.Error())
	}

	res, err := m.Connector.Send(ctx, req)
	if err != nil {
		if Retriable(err) {
			m.breaker.fail()
		}
		return nil, err
	}
	m.breaker.reset()
	return res, nil
}

// Close stops the limiter janitor.
func (m *Managed) Close() {
	m.limits.close()
}

// Registry holds the connectors keyed by platform.
type Registry struct {
	mu     sync.RWMutex
	conns  map[chat.Platform]*Managed
	logger *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[chat.Platform]*Managed),
		logger: slog.Default().With("component", "connector"),
	}
}

// Register installs m for its platform, replacing any previous connector.
func (r *Registry) Register(m *Managed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[m.Platform()]; ok {
		old.Close()
	}
	r.conns[m.Platform()] = m
	r.logger.Info("connector registered", "platform", m.Platform())
}

// Deregister removes and closes the connector for platform, if present.
func (r *Registry) Deregister(platform chat.Platform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[platform]; ok {
		old.Close()
		delete(r.conns, platform)
		r.logger.Info("connector deregistered", "platform", platform)
	}
}

// Get returns the connector for platform, or ErrNoConnector.
func (r *Registry) Get(platform chat.Platform) (*Managed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnector, platform)
	}
	return m, nil
}

// Platforms lists the registered platforms in stable order.
func (r *Registry) Platforms() []chat.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.Platform, 0, len(r.conns))
	for p := range r.conns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close shuts every managed connector down.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.conns {
		m.Close()
	}
	r.conns = make(map[chat.Platform]*Managed)
}

// BuildRegistry constructs connectors from channel configuration rows and
// always installs the internal loopback. Disabled rows are skipped.
func BuildRegistry(cfgs []*store.ChannelConfig, httpClient *http.Client) (*Registry, error) {
	reg := NewRegistry()
	reg.Register(NewManaged(NewLoopback(), 0, 0))

	for _, cfg := range cfgs {
		if !cfg.Enabled || cfg.Platform == chat.PlatformInternal {
			continue
		}
		c, err := New(cfg, httpClient)
		if err != nil {
			return nil, err
		}
		reg.Register(NewManaged(c, cfg.RatePerSec, cfg.RateBurst))
	}
	return reg, nil
}

// New builds the bare platform connector for one channel configuration.
func New(cfg *store.ChannelConfig, httpClient *http.Client) (Connector, error) {
	switch cfg.Platform {
	case chat.PlatformWhatsApp:
		return NewWhatsApp(cfg, httpClient), nil
	case chat.PlatformTelegram:
		return NewTelegram(cfg, httpClient), nil
	case chat.PlatformInstagram:
		return NewInstagram(cfg, httpClient), nil
	case chat.PlatformInternal:
		return NewLoopback(), nil
	default:
		return nil, fmt.Errorf("connector: unsupported platform %q", cfg.Platform)
	}
}
