// Package scheduler runs the periodic scans that feed the job queues: the
// settlement scanner and the margin and risk sweeps.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/options-pulse/internal/metrics"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/queue"
	"github.com/marko911/options-pulse/internal/worker"
)

// SeriesLister is the chain surface the settlement scanner reads.
type SeriesLister interface {
	ListSeriesIDs(ctx context.Context) ([]chain.SeriesID, error)
	Series(ctx context.Context, id chain.SeriesID) (*chain.Series, error)
}

// HolderLister lists accounts with open positions.
type HolderLister interface {
	ListPositionHolders(ctx context.Context, typ *storage.PositionType) ([]string, error)
}

type Config struct {
	SettlementInterval  time.Duration `yaml:"settlement_interval"`
	MarginSweepInterval time.Duration `yaml:"margin_sweep_interval"`
	RiskSweepInterval   time.Duration `yaml:"risk_sweep_interval"`
}

func DefaultConfig() Config {
	return Config{
		SettlementInterval:  60 * time.Second,
		MarginSweepInterval: 5 * time.Minute,
		RiskSweepInterval:   5 * time.Minute,
	}
}

// ScanResult counts what one scan did.
type ScanResult struct {
	Scanned      int
	Enqueued     int
	Deduplicated int
	Errors       int
}

// Scheduler owns the periodic scans.
type Scheduler struct {
	cfg      Config
	series   SeriesLister
	holders  HolderLister
	enqueuer queue.Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, series SeriesLister, holders HolderLister, enq queue.Enqueuer, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		series:   series,
		holders:  holders,
		enqueuer: enq,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Run starts every scan with a positive interval and blocks until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	scans := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) (ScanResult, error)
	}{
		{"settlement", s.cfg.SettlementInterval, s.ScanSettlements},
		{"margin", s.cfg.MarginSweepInterval, s.SweepMargin},
		{"risk", s.cfg.RiskSweepInterval, s.SweepRisk},
	}

	done := make(chan struct{}, len(scans))
	started := 0
	for _, sc := range scans {
		if sc.interval <= 0 {
			s.logger.Info("scan disabled", "scan", sc.name)
			continue
		}
		started++
		go func() {
			defer func() { done <- struct{}{} }()
			Every(ctx, sc.interval, func(ctx context.Context) {
				res, err := sc.fn(ctx)
				if err != nil {
					metrics.ScanErrors.WithLabelValues(sc.name).Inc()
					s.logger.Error("scan failed", "scan", sc.name, "error", err)
					return
				}
				s.logger.Info("scan complete",
					"scan", sc.name,
					"scanned", res.Scanned,
					"enqueued", res.Enqueued,
					"deduplicated", res.Deduplicated,
					"errors", res.Errors,
				)
			})
		}()
	}

	<-ctx.Done()
	for i := 0; i < started; i++ {
		<-done
	}
	return ctx.Err()
}

// Every runs fn immediately and then on every tick until ctx is cancelled.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ScanSettlements enqueues a settlement job for every series that is
// expired, unsettled and has no long open interest. The series id is the
// dedup key, so repeated scans hold at most one pending job per series.
func (s *Scheduler) ScanSettlements(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	ids, err := s.series.ListSeriesIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("list series: %w", err)
	}

	now := s.now()
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++

		series, err := s.series.Series(ctx, id)
		if err != nil {
			res.Errors++
			metrics.ScanErrors.WithLabelValues("settlement").Inc()
			s.logger.Warn("read series failed", "series_id", id.Hex(), "error", err)
			continue
		}
		if !series.SettlementEligible(now) {
			continue
		}
		metrics.SettlementCandidates.Inc()

		s.enqueue(ctx, "settlement", queue.Settlement, id.Hex(),
			worker.SettlementPayload{SeriesID: id.Hex()}, &res, "series_id", id.Hex())
	}
	return res, nil
}

// SweepMargin enqueues a margin check for every account holding a SHORT
// position.
func (s *Scheduler) SweepMargin(ctx context.Context) (ScanResult, error) {
	short := storage.PositionShort
	accounts, err := s.holders.ListPositionHolders(ctx, &short)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list short holders: %w", err)
	}
	return s.sweep(ctx, "margin", queue.MarginCheck, accounts, func(account string) any {
		return worker.MarginCheckPayload{Account: account}
	}), nil
}

// SweepRisk enqueues a risk recalculation for every account with a position.
func (s *Scheduler) SweepRisk(ctx context.Context) (ScanResult, error) {
	accounts, err := s.holders.ListPositionHolders(ctx, nil)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list holders: %w", err)
	}
	return s.sweep(ctx, "risk", queue.RiskRecalc, accounts, func(account string) any {
		return worker.RiskRecalcPayload{Account: account}
	}), nil
}

func (s *Scheduler) sweep(ctx context.Context, scan, q string, accounts []string, payload func(string) any) ScanResult {
	var res ScanResult
	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		res.Scanned++
		s.enqueue(ctx, scan, q, account, payload(account), &res, "account", account)
	}
	return res
}

func (s *Scheduler) enqueue(ctx context.Context, scan, q, dedup string, payload any, res *ScanResult, attrs ...any) {
	out, err := s.enqueuer.Enqueue(ctx, q, payload, queue.EnqueueOptions{DedupKey: dedup})
	if err != nil {
		res.Errors++
		metrics.ScanErrors.WithLabelValues(scan).Inc()
		s.logger.Warn("enqueue failed", append([]any{"queue", q, "error", err}, attrs...)...)
		return
	}
	if out.Deduplicated {
		res.Deduplicated++
		return
	}
	res.Enqueued++
	s.logger.Debug("job enqueued", append([]any{"queue", q, "job_id", out.JobID}, attrs...)...)
}
