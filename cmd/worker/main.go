// Command worker consumes one job queue.
//
// Usage:
//
//	worker -queue settlement [-concurrency 4]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/marko911/options-pulse/internal/config"
	"github.com/marko911/options-pulse/internal/fanout"
	"github.com/marko911/options-pulse/internal/metrics"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/logging"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/queue"
	"github.com/marko911/options-pulse/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to configuration file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	queueName := flag.String("queue", os.Getenv("WORKER_QUEUE"), "queue to consume ("+strings.Join(queue.Names, ", ")+")")
	concurrency := flag.Int("concurrency", 0, "jobs processed in parallel (0 = queue.concurrency)")
	name := flag.String("name", "", "consumer name (default hostname)")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if !queue.Known(*queueName) {
		bootstrap.Error("unknown queue", "queue", *queueName, "known", queue.Names)
		os.Exit(2)
	}
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
	if *concurrency > 0 {
		cfg.Queue.Concurrency = *concurrency
	}
	logger, closer, err := logging.New(cfg.Log, "worker-"+*queueName)
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

	if err := run(ctx, cfg, *queueName, *name, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker shutdown complete")
}

func run(ctx context.Context, cfg config.Config, queueName, name string, logger *slog.Logger) error {
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

	pub, err := fanout.New(ctx, cfg.Fanout, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	handlers := worker.Handlers(worker.Deps{
		Chain:    chain.NewContracts(client, cfg.Chain.Addresses()),
		Store:    storage.NewPostgresStore(db),
		Enqueuer: q,
		Logger:   logger,
	}, cfg.Worker)
	handler, ok := handlers[queueName]
	if !ok {
		return fmt.Errorf("no handler for queue %q", queueName)
	}

	opts := []queue.ConsumerOption{queue.WithPublisher(pub)}
	if name != "" {
		opts = append(opts, queue.WithName(name))
	}
	consumer, err := queue.NewConsumer(q, queueName, handler, logger, opts...)
	if err != nil {
		return err
	}

	router := metrics.Router("worker-"+queueName, map[string]metrics.HealthFunc{
		"database": db.Health,
		"redis":    q.Ping,
	})
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, router, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("starting worker", "queue", queueName, "consumer", consumer.Name(), "concurrency", cfg.Queue.Concurrency)
	return consumer.Run(ctx)
}
