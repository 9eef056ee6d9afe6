// ABOUTME: Gateway orchestrator that wires stores, event log, and pipeline workers
// ABOUTME: Manages component startup order, HTTP server, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/loom-gateway/internal/chat"
	"github.com/2389/loom-gateway/internal/config"
	"github.com/2389/loom-gateway/internal/connector"
	"github.com/2389/loom-gateway/internal/conversation"
	"github.com/2389/loom-gateway/internal/dedupe"
	"github.com/2389/loom-gateway/internal/eventlog"
	"github.com/2389/loom-gateway/internal/files"
	"github.com/2389/loom-gateway/internal/ingress"
	"github.com/2389/loom-gateway/internal/live"
	"github.com/2389/loom-gateway/internal/msgstore"
	"github.com/2389/loom-gateway/internal/propagator"
	"github.com/2389/loom-gateway/internal/router"
	"github.com/2389/loom-gateway/internal/store"
)

// Gateway orchestrates the loom-gateway process: identity and document
// stores, the event log, the connector registry, the HTTP surface, router
// workers, and the status propagator.
type Gateway struct {
	config     *config.Config
	identities store.Store
	messages   msgstore.Store
	log        eventlog.Log
	dedupe     dedupe.Deduper
	registry   *connector.Registry
	hub        *live.Hub

	ingress      *ingress.Service
	conversation *conversation.Service
	files        *files.Service
	router       *router.Router
	propagator   *propagator.Propagator

	// echoes tracks embedded dev platforms so shutdown can drain their
	// in-flight replies before the stores close.
	echoes []*connector.Echo

	httpServer *http.Server
	// httpClient is shared by connectors and inbound attachment downloads.
	httpClient *http.Client
	logger     *slog.Logger
}

// openIdentityStore builds the relational store named by the config,
// sealing credentials at rest when a key is configured.
func openIdentityStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var sealer *store.Sealer
	if cfg.Security.CredentialKey != "" {
		var err error
		sealer, err = store.NewSealer(cfg.Security.CredentialKey)
		if err != nil {
			return nil, fmt.Errorf("building credential sealer: %w", err)
		}
	}

	switch cfg.Database.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.Database.DSN, sealer)
	default:
		return store.NewSQLiteStore(cfg.Database.Path, sealer)
	}
}

// openDocStore builds the document store named by the config.
func openDocStore(ctx context.Context, cfg *config.Config) (msgstore.Store, error) {
	switch cfg.DocStore.Driver {
	case "mongo":
		return msgstore.NewMongoStore(ctx, cfg.DocStore.URI, cfg.DocStore.Database)
	default:
		return msgstore.NewMemoryStore(), nil
	}
}

// openEventLog builds the event log named by the config.
func openEventLog(cfg *config.Config) eventlog.Log {
	if cfg.Kafka.Driver == "kafka" {
		return eventlog.NewKafkaLog(eventlog.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			ChatTopic:   cfg.Kafka.ChatTopic,
			StatusTopic: cfg.Kafka.StatusTopic,
			DLQTopic:    cfg.Kafka.DLQTopic,
		})
	}
	return eventlog.NewMemoryLog()
}

// openDedupe prefers Redis when an address is configured so restarts and
// multiple instances share the idempotency window.
func openDedupe(ctx context.Context, cfg *config.Config) (dedupe.Deduper, error) {
	if cfg.Redis.Addr != "" {
		return dedupe.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Dedupe.TTL)
	}
	return dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries), nil
}

// New assembles a Gateway from configuration. Nothing starts listening or
// consuming until Run.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	logger := slog.Default().With("component", "gateway")

	identities, err := openIdentityStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening identity store: %w", err)
	}

	messages, err := openDocStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening document store: %w", err)
	}

	log := openEventLog(cfg)

	dd, err := openDedupe(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening dedupe cache: %w", err)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	channelCfgs, err := identities.ListChannelConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading channel configs: %w", err)
	}
	registry, err := connector.BuildRegistry(channelCfgs, httpClient)
	if err != nil {
		return nil, fmt.Errorf("building connector registry: %w", err)
	}

	hub := live.NewHub()

	gw := &Gateway{
		config:     cfg,
		identities: identities,
		messages:   messages,
		log:        log,
		dedupe:     dd,
		registry:   registry,
		hub:        hub,
		httpClient: httpClient,
		logger:     logger,
	}

	gw.files = files.NewService(messages, files.Config{
		Dir:         cfg.Files.Dir,
		BaseURL:     cfg.Server.BaseURL,
		TokenSecret: cfg.Files.UploadTokenSecret,
		TokenTTL:    cfg.Files.UploadTokenTTL,
		Retention:   cfg.Files.RetentionTTL,
	})
	gw.ingress = ingress.NewService(identities, messages, log, dd, hub, ingress.Config{
		MaxFileRefs: cfg.Files.MaxRefsPerMessage,
	})
	gw.conversation = conversation.New(identities, messages, hub)
	gw.router = router.New(identities, messages, log, registry, hub, router.Config{
		Workers:       cfg.Router.Workers,
		Group:         cfg.Kafka.ConsumerGroup,
		MaxAttempts:   cfg.Router.MaxAttempts,
		RetryBase:     cfg.Router.RetryBase,
		RetryCap:      cfg.Router.RetryCap,
		MessageBudget: cfg.Router.MessageBudget,
	})
	gw.propagator = propagator.New(messages, log, hub, "")

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// InstallEchoPlatform registers an embedded echo connector for platform.
// Dev mode uses it so the full dispatch loop, including the webhook
// re-entry path, runs without a real platform: every send is acked
// DELIVERED and echoed back as an inbound reply after delay.
func (g *Gateway) InstallEchoPlatform(platform chat.Platform, delay time.Duration) {
	echo := connector.NewEcho(platform, delay, func(ev *connector.InboundEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := g.processInboundEvent(ctx, ev); err != nil {
			g.logger.Error("echo reply failed", "platform", platform, "error", err)
		}
	})
	g.echoes = append(g.echoes, echo)
	g.registry.Register(connector.NewManaged(echo, 0, 0))
}

// Run starts the HTTP server, router workers, and status propagator, then
// blocks until the context is canceled or a component fails. Returns nil on
// graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	errCh := g.startComponents(workerCtx, ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	// Consumers stop before the stores close underneath them.
	stopWorkers()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startComponents launches the HTTP server and both consumer loops,
// returning a channel that carries any component failure.
func (g *Gateway) startComponents(ctx context.Context, ln net.Listener) chan error {
	errCh := make(chan error, 3)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	go func() {
		if err := g.router.Run(ctx); err != nil {
			errCh <- fmt.Errorf("router: %w", err)
		}
	}()

	go func() {
		if err := g.propagator.Run(ctx); err != nil {
			errCh <- fmt.Errorf("propagator: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a component error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("component error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional component error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and releases every held resource.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Echo replies re-enter the pipeline, so they drain before anything
	// they depend on closes.
	for _, e := range g.echoes {
		e.Drain()
	}
	g.hub.Close()
	g.registry.Close()

	errs = appendCloseError(errs, "event log close", g.log.Close())
	errs = appendCloseError(errs, "dedupe close", g.dedupe.Close())
	errs = appendCloseError(errs, "document store close", g.messages.Close(ctx))
	errs = appendCloseError(errs, "identity store close", g.identities.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealthz reports process liveness.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReadyz reports whether both stores and the broker answer.
func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"identity store", g.identities.Ping},
		{"document store", g.messages.Ping},
		{"event log", g.log.Ping},
	}
	for _, c := range checks {
		if err := c.ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "check", c.name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "%s unavailable", c.name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
