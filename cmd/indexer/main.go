// Command indexer follows the options contracts and applies their events to
// the store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/options-pulse/internal/config"
	"github.com/marko911/options-pulse/internal/fanout"
	"github.com/marko911/options-pulse/internal/indexer"
	"github.com/marko911/options-pulse/internal/metrics"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/logging"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/position"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to configuration file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	migrate := flag.Bool("migrate", false, "apply database migrations before starting")
	once := flag.Bool("once", false, "run a single sync and exit")
	from := flag.Uint64("from", 0, "replay logs from this block and exit (requires -to)")
	to := flag.Uint64("to", 0, "last block of the replay range")
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
	logger, closer, err := logging.New(cfg.Log, "indexer")
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

	if err := run(ctx, cfg, mode{migrate: *migrate, once: *once, from: *from, to: *to}, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("indexer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("indexer shutdown complete")
}

type mode struct {
	migrate bool
	once    bool
	// from/to replay a fixed range without touching the checkpoint.
	from, to uint64
}

func run(ctx context.Context, cfg config.Config, m mode, logger *slog.Logger) error {
	if m.to != 0 && m.to < m.from {
		return fmt.Errorf("replay range %d-%d is empty", m.from, m.to)
	}
	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if m.migrate {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	client, err := chain.NewClient(cfg.Chain, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	pub, err := fanout.New(ctx, cfg.Fanout, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	addrs := cfg.Chain.Addresses()
	indexerCfg := cfg.Indexer
	indexerCfg.Addresses = []common.Address{addrs.Market, addrs.MarginEngine}

	ix := indexer.New(indexerCfg, indexer.Deps{
		Chain:     client,
		Decoder:   chain.NewDecoder(addrs.Market, addrs.MarginEngine),
		Series:    chain.NewContracts(client, addrs),
		Store:     storage.NewPostgresStore(db),
		Engine:    position.NewEngine(),
		Publisher: pub,
	}, logger)

	if m.to != 0 {
		summary, err := ix.Replay(ctx, m.from, m.to)
		if err != nil {
			return err
		}
		logger.Info("replay complete", "from", m.from, "to", m.to, "logs", summary.Logs, "handled", summary.Handled, "skipped", summary.Skipped)
		return nil
	}
	if m.once {
		summary, err := ix.SyncOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("sync complete", "from", summary.From, "to", summary.To, "logs", summary.Logs, "handled", summary.Handled)
		return nil
	}

	router := metrics.Router("indexer", map[string]metrics.HealthFunc{
		"database": db.Health,
		"chain": func(ctx context.Context) error {
			_, err := client.BlockNumber(ctx)
			return err
		},
	})
	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.Addr, router, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return ix.Run(ctx)
}
