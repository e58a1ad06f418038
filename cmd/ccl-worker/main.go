// ABOUTME: Standalone outreach worker running the scheduler loop without the HTTP surface
// ABOUTME: Points at the same durable store as the gateway; CAS claiming keeps them from double-sending

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/copp1723/CCL-sub003/internal/config"
	"github.com/copp1723/CCL-sub003/internal/ledger"
	"github.com/copp1723/CCL-sub003/internal/scheduler"
	"github.com/copp1723/CCL-sub003/internal/store"
	"github.com/copp1723/CCL-sub003/internal/token"
	"github.com/copp1723/CCL-sub003/internal/transport"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CCL_CONFIG")
	if configPath == "" {
		configPath = "gateway.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	logger.Info("starting ccl-worker",
		"config", configPath,
		"db", cfg.Database.Path,
		"tick_interval", cfg.Scheduler.TickInterval,
	)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	recorder := ledger.NewRecorder(s, logger)
	resolver := token.NewResolver(s, recorder, 0, logger)
	adapter := transport.NewWebhookAdapter(cfg.Transport.EmailURL, cfg.Transport.SMSURL, cfg.Transport.APIKey, logger)

	sched := scheduler.New(s, adapter, resolver, recorder, scheduler.Config{
		RetryBase:   cfg.Scheduler.RetryBase,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		BatchLimit:  cfg.Scheduler.BatchLimit,
		BaseURL:     cfg.Server.BaseURL,
	}, logger)

	runner := scheduler.NewRunner(cfg.Scheduler.TickInterval, sched.Tick, logger)
	runner.Start()

	<-ctx.Done()
	logger.Info("shutting down ccl-worker")
	runner.Stop()
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
