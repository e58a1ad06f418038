// ABOUTME: Gateway orchestrator wiring store, channel manager, scheduler and HTTP server
// ABOUTME: Owns component lifecycle: startup order, graceful shutdown, health endpoint

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/copp1723/CCL-sub003/internal/auth"
	"github.com/copp1723/CCL-sub003/internal/channel"
	"github.com/copp1723/CCL-sub003/internal/config"
	"github.com/copp1723/CCL-sub003/internal/ledger"
	"github.com/copp1723/CCL-sub003/internal/respond"
	"github.com/copp1723/CCL-sub003/internal/scheduler"
	"github.com/copp1723/CCL-sub003/internal/store"
	"github.com/copp1723/CCL-sub003/internal/token"
	"github.com/copp1723/CCL-sub003/internal/transport"
)

// historyLimit bounds how much session transcript is replayed to the
// response producer per chat turn.
const historyLimit = 50

// Gateway orchestrates the orchestration engine's server components.
// It manages the websocket channel manager, the outreach scheduler runner
// and the HTTP server for return-link resolution and health checks.
type Gateway struct {
	config    *config.Config
	store     store.Store
	manager   *channel.Manager
	recorder  *ledger.Recorder
	resolver  *token.Resolver
	sessions  *auth.SessionTokens
	responder respond.Producer
	sched     *scheduler.Scheduler
	runner    *scheduler.Runner

	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CCL_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	recorder := ledger.NewRecorder(s, logger)
	resolver := token.NewResolver(s, recorder, 0, logger)

	var sessions *auth.SessionTokens
	if cfg.Auth.SessionSecret != "" {
		sessions = auth.NewSessionTokens([]byte(cfg.Auth.SessionSecret), 0)
	} else {
		logger.Warn("session tokens disabled - no auth.session_secret configured")
	}

	adapter := transport.NewWebhookAdapter(cfg.Transport.EmailURL, cfg.Transport.SMSURL, cfg.Transport.APIKey, logger)
	sched := scheduler.New(s, adapter, resolver, recorder, scheduler.Config{
		RetryBase:   cfg.Scheduler.RetryBase,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		BatchLimit:  cfg.Scheduler.BatchLimit,
		BaseURL:     cfg.Server.BaseURL,
	}, logger)

	responder := respond.NewHTTPProducer(cfg.Responder.URL, cfg.Responder.APIKey, cfg.Responder.Fallback, logger)

	g := newGateway(cfg, s, recorder, resolver, sessions, responder, logger)
	g.sched = sched
	g.runner = scheduler.NewRunner(cfg.Scheduler.TickInterval, sched.Tick, logger)
	return g, nil
}

// newGateway wires the HTTP surface around already constructed components.
// Split out from New so tests can inject fakes for the store and responder.
func newGateway(cfg *config.Config, s store.Store, recorder *ledger.Recorder, resolver *token.Resolver, sessions *auth.SessionTokens, responder respond.Producer, logger *slog.Logger) *Gateway {
	g := &Gateway{
		config:    cfg,
		store:     s,
		recorder:  recorder,
		resolver:  resolver,
		sessions:  sessions,
		responder: responder,
		logger:    logger.With("component", "gateway"),
	}
	g.manager = channel.NewManager(s, recorder, cfg.Channel.HeartbeatInterval, cfg.Channel.TypingIdle, logger)

	r := chi.NewRouter()
	r.Get("/healthz", g.handleHealth)
	r.Get("/r/{token}", g.handleResolve)
	r.Get("/ws", g.handleWS)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler returns the HTTP handler, for embedding in test servers.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	g.manager.Start()
	if g.runner != nil {
		g.runner.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server, the scheduler runner, the channel manager
// and finally the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if g.runner != nil {
		g.runner.Stop()
	}
	g.manager.Stop()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
