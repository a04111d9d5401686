// Command scheduler runs the settlement scanner and the margin and risk
// sweeps that feed the job queues.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marko911/options-pulse/internal/config"
	"github.com/marko911/options-pulse/internal/metrics"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/logging"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/queue"
	"github.com/marko911/options-pulse/internal/scheduler"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to configuration file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := config.LoadDotEnv(); err != nil {
		bootstrap.Warn("failed to load .env", "error", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrap.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	logger, closer, err := logging.New(cfg.Log, "scheduler")
	if err != nil {
		bootstrap.Error("failed to configure logging", "error", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting scheduler",
		"settlement_interval", cfg.Scheduler.SettlementInterval,
		"margin_sweep_interval", cfg.Scheduler.MarginSweepInterval,
		"risk_sweep_interval", cfg.Scheduler.RiskSweepInterval,
	)
	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := chain.NewClient(cfg.Chain, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	q, err := queue.NewRedis(cfg.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	router := metrics.Router("scheduler", map[string]metrics.HealthFunc{
		"database": db.Health,
		"redis":    q.Ping,
	})
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, router, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	s := scheduler.New(cfg.Scheduler,
		chain.NewContracts(client, cfg.Chain.Addresses()),
		storage.NewPostgresStore(db),
		q,
		logger,
	)
	return s.Run(ctx)
}
