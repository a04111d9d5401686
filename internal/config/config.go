// Package config loads the shared YAML configuration of the options
// services and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/marko911/options-pulse/internal/fanout"
	"github.com/marko911/options-pulse/internal/indexer"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/logging"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/queue"
	"github.com/marko911/options-pulse/internal/scheduler"
	"github.com/marko911/options-pulse/internal/worker"
)

type Config struct {
	Log       logging.Config   `yaml:"log"`
	Chain     chain.Config     `yaml:"chain"`
	Database  storage.Config   `yaml:"database"`
	Queue     queue.Config     `yaml:"queue"`
	Indexer   indexer.Config   `yaml:"indexer"`
	Scheduler scheduler.Config `yaml:"scheduler"`
	Worker    worker.Config    `yaml:"worker"`
	Fanout    fanout.Config    `yaml:"fanout"`
	Metrics   MetricsConfig    `yaml:"metrics"`
}

type MetricsConfig struct {
	// Addr is the listen address of /metrics and /healthz; empty disables it.
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Log:       logging.DefaultConfig(),
		Chain:     chain.DefaultConfig(),
		Database:  storage.DefaultConfig(),
		Queue:     queue.DefaultConfig(),
		Indexer:   indexer.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Worker:    worker.DefaultConfig(),
		Fanout:    fanout.DefaultConfig(),
		Metrics:   MetricsConfig{Addr: ":9090"},
	}
}

// LoadDotEnv loads .env files into the environment when they exist. Variables
// already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"LOG_LEVEL":             &cfg.Log.Level,
		"LOG_FILE":              &cfg.Log.File,
		"RPC_URL":               &cfg.Chain.RPCURL,
		"SIGNER_KEY":            &cfg.Chain.SignerKey,
		"MARKET_ADDRESS":        &cfg.Chain.Market,
		"MARGIN_ENGINE_ADDRESS": &cfg.Chain.MarginEngine,
		"IV_ORACLE_ADDRESS":     &cfg.Chain.IVOracle,
		"PRICE_ORACLE_ADDRESS":  &cfg.Chain.PriceOracle,
		"DATABASE_URL":          &cfg.Database.URL,
		"REDIS_ADDR":            &cfg.Queue.Addr,
		"REDIS_PASSWORD":        &cfg.Queue.Password,
		"FANOUT_BACKEND":        &cfg.Fanout.Backend,
		"NATS_URL":              &cfg.Fanout.NATS.URL,
		"KAFKA_BROKERS":         &cfg.Fanout.KafkaBrokers,
		"METRICS_ADDR":          &cfg.Metrics.Addr,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"INDEXER_POLL_INTERVAL": &cfg.Indexer.PollInterval,
		"SETTLEMENT_INTERVAL":   &cfg.Scheduler.SettlementInterval,
		"MARGIN_SWEEP_INTERVAL": &cfg.Scheduler.MarginSweepInterval,
		"RISK_SWEEP_INTERVAL":   &cfg.Scheduler.RiskSweepInterval,
		"JOB_TIMEOUT":           &cfg.Queue.JobTimeout,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("CHAIN_ID"); ok {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = id
	}
	if v, ok := os.LookupEnv("INDEXER_BATCH_SIZE"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("INDEXER_BATCH_SIZE: %w", err)
		}
		cfg.Indexer.BatchSize = n
	}
	if v, ok := os.LookupEnv("WORKER_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKER_CONCURRENCY: %w", err)
		}
		cfg.Queue.Concurrency = n
	}
	return nil
}

// Validate checks the settings every process depends on.
func (c Config) Validate() error {
	var errs []error
	if err := c.Chain.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Indexer.BatchSize == 0 {
		errs = append(errs, errors.New("indexer.batch_size must be positive"))
	}
	if c.Indexer.PollInterval <= 0 {
		errs = append(errs, errors.New("indexer.poll_interval must be positive"))
	}
	if c.Queue.Addr == "" {
		errs = append(errs, errors.New("queue.addr is required"))
	}
	if c.Queue.Attempts < 1 {
		errs = append(errs, errors.New("queue.attempts must be at least 1"))
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, errors.New("queue.concurrency must be at least 1"))
	}
	switch c.Fanout.Backend {
	case "", fanout.BackendNone, fanout.BackendNATS, fanout.BackendKafka:
	default:
		errs = append(errs, fmt.Errorf("fanout.backend %q is not one of none, nats, kafka", c.Fanout.Backend))
	}
	if c.Worker.WarningRatio > c.Worker.CriticalRatio {
		errs = append(errs, errors.New("worker.warning_ratio must not exceed worker.critical_ratio"))
	}
	return errors.Join(errs...)
}
