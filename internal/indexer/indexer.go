// Package indexer turns the options market's chain logs into durable store
// state, resuming from a persisted checkpoint.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/fanout"
	"github.com/marko911/options-pulse/internal/metrics"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/position"
)

// ErrSyncInProgress is returned by SyncOnce when another sync is running.
var ErrSyncInProgress = errors.New("indexer: sync already in progress")

// ChainReader is the subset of the chain client the indexer reads from.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, address common.Address, from, to uint64) ([]types.Log, error)
}

// LogDecoder decodes a log using its emitting contract's ABI.
type LogDecoder interface {
	Decode(log types.Log) (chain.Event, error)
}

// SeriesReader loads a series from chain when it is first referenced before
// its creation event was indexed.
type SeriesReader interface {
	Series(ctx context.Context, id chain.SeriesID) (*chain.Series, error)
}

// Config controls the indexer loop.
type Config struct {
	ID           string           `yaml:"id"`
	BatchSize    uint64           `yaml:"batch_size"`
	PollInterval time.Duration    `yaml:"poll_interval"`
	Addresses    []common.Address `yaml:"-"`
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		ID:           "options-indexer",
		BatchSize:    1000,
		PollInterval: 15 * time.Second,
	}
}

// Deps are the collaborators of an Indexer.
type Deps struct {
	Chain     ChainReader
	Decoder   LogDecoder
	Series    SeriesReader
	Store     storage.Store
	Engine    *position.Engine
	Publisher fanout.Publisher
}

// Indexer applies chain logs to the store. Only one sync runs at a time.
type Indexer struct {
	cfg       Config
	chain     ChainReader
	decoder   LogDecoder
	series    SeriesReader
	store     storage.Store
	engine    *position.Engine
	publisher fanout.Publisher
	logger    *slog.Logger

	handlers map[string]handlerFunc
	syncMu   sync.Mutex
}

// New creates an Indexer.
func New(cfg Config, deps Deps, logger *slog.Logger) *Indexer {
	def := DefaultConfig()
	if cfg.ID == "" {
		cfg.ID = def.ID
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if deps.Engine == nil {
		deps.Engine = position.NewEngine()
	}
	if deps.Publisher == nil {
		deps.Publisher = fanout.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ix := &Indexer{
		cfg:       cfg,
		chain:     deps.Chain,
		decoder:   deps.Decoder,
		series:    deps.Series,
		store:     deps.Store,
		engine:    deps.Engine,
		publisher: deps.Publisher,
		logger:    logger.With("component", "indexer", "indexer_id", cfg.ID),
	}
	ix.handlers = ix.eventHandlers()
	return ix
}

// Run syncs immediately and then on every poll interval until ctx is done.
// Sync errors are logged and retried on the next tick.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Info("starting indexer",
		"poll_interval", ix.cfg.PollInterval,
		"batch_size", ix.cfg.BatchSize,
		"contracts", len(ix.cfg.Addresses),
	)

	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()

	for {
		ix.tick(ctx)

		select {
		case <-ctx.Done():
			ix.logger.Info("indexer shutting down")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (ix *Indexer) tick(ctx context.Context) {
	_, err := ix.SyncOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrSyncInProgress):
		metrics.IndexerSyncSkipped.Inc()
		ix.logger.Debug("previous sync still running, skipping tick")
	case ctx.Err() != nil:
	default:
		metrics.IndexerSyncErrors.Inc()
		ix.logger.Error("sync failed", "error", err)
	}
}

// LastProcessedBlock returns the checkpoint, initialising it at the current
// chain head on first use so a fresh deployment does not replay history.
func (ix *Indexer) LastProcessedBlock(ctx context.Context) (uint64, error) {
	cp, err := ix.store.GetCheckpoint(ctx, ix.cfg.ID)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	if cp != nil {
		return cp.LastProcessedBlock, nil
	}

	head, err := ix.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("read chain head: %w", err)
	}
	if err := ix.store.SaveCheckpoint(ctx, ix.cfg.ID, head); err != nil {
		return 0, fmt.Errorf("initialise checkpoint: %w", err)
	}
	ix.logger.Info("initialised checkpoint at chain head", "block", head)
	return head, nil
}

// SyncOnce processes [checkpoint+1, head] in ascending batches, advancing the
// checkpoint after each one. It returns ErrSyncInProgress if a sync is already
// running.
func (ix *Indexer) SyncOnce(ctx context.Context) (Summary, error) {
	if !ix.syncMu.TryLock() {
		return Summary{}, ErrSyncInProgress
	}
	defer ix.syncMu.Unlock()

	start := time.Now()
	defer func() { metrics.IndexerSyncDuration.Observe(time.Since(start).Seconds()) }()

	last, err := ix.LastProcessedBlock(ctx)
	if err != nil {
		return Summary{}, err
	}
	head, err := ix.chain.BlockNumber(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("read chain head: %w", err)
	}
	metrics.IndexerHead.Set(float64(head))
	metrics.IndexerCheckpoint.Set(float64(last))

	total := newSummary(last+1, head)
	if head <= last {
		return total, nil
	}

	for from := last + 1; from <= head; {
		to := min(from+ix.cfg.BatchSize-1, head)

		sum, err := ix.ProcessRange(ctx, from, to)
		if err != nil {
			return total, fmt.Errorf("process blocks %d-%d: %w", from, to, err)
		}
		if err := ix.store.SaveCheckpoint(ctx, ix.cfg.ID, to); err != nil {
			return total, fmt.Errorf("save checkpoint %d: %w", to, err)
		}
		metrics.IndexerCheckpoint.Set(float64(to))
		total.merge(sum)

		ix.logger.Info("processed block range",
			"from", from,
			"to", to,
			"logs", sum.Logs,
			"handled", sum.Handled,
			"skipped", sum.Logs-sum.Handled,
		)
		from = to + 1
	}
	return total, nil
}

// Replay reprocesses [from, to] in BatchSize chunks without touching the
// checkpoint. Logs already applied are skipped as already processed.
func (ix *Indexer) Replay(ctx context.Context, from, to uint64) (Summary, error) {
	total := newSummary(from, to)
	for start := from; start <= to; {
		end := min(start+ix.cfg.BatchSize-1, to)

		sum, err := ix.ProcessRange(ctx, start, end)
		if err != nil {
			return total, fmt.Errorf("replay blocks %d-%d: %w", start, end, err)
		}
		total.merge(sum)
		ix.logger.Info("replayed block range", "from", start, "to", end, "logs", sum.Logs, "handled", sum.Handled)

		if end == to {
			break
		}
		start = end + 1
	}
	return total, nil
}

type logMeta struct {
	log       types.Log
	id        string
	timestamp time.Time
}

// ProcessRange fetches logs of every monitored contract in [from, to], sorts
// them by (block, log index) and applies each in its own transaction. Decode
// and handler failures are recorded per log; RPC failures abort the range.
func (ix *Indexer) ProcessRange(ctx context.Context, from, to uint64) (Summary, error) {
	sum := newSummary(from, to)

	var logs []types.Log
	for _, addr := range ix.cfg.Addresses {
		got, err := ix.chain.FilterLogs(ctx, addr, from, to)
		if err != nil {
			return sum, fmt.Errorf("fetch logs for %s: %w", addr.Hex(), err)
		}
		logs = append(logs, got...)
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	timestamps := make(map[uint64]time.Time)
	for _, l := range logs {
		ts, ok := timestamps[l.BlockNumber]
		if !ok {
			secs, err := ix.chain.BlockTimestamp(ctx, l.BlockNumber)
			if err != nil {
				return sum, fmt.Errorf("read block %d: %w", l.BlockNumber, err)
			}
			ts = time.Unix(int64(secs), 0).UTC()
			timestamps[l.BlockNumber] = ts
		}

		out, err := ix.processLog(ctx, logMeta{log: l, id: storage.LogID(l.TxHash.Hex(), l.Index), timestamp: ts})
		if err != nil {
			return sum, err
		}
		sum.add(out)
		metrics.IndexedLogs.WithLabelValues(out.Event, out.label()).Inc()
	}
	return sum, nil
}

func (ix *Indexer) processLog(ctx context.Context, m logMeta) (Outcome, error) {
	logger := ix.logger.With("block", m.log.BlockNumber, "tx", m.log.TxHash.Hex(), "log_index", m.log.Index)

	ev, err := ix.decoder.Decode(m.log)
	if err != nil {
		if errors.Is(err, chain.ErrUnknownEvent) || errors.Is(err, chain.ErrUnknownContract) {
			logger.Debug("skipping unknown log", "address", m.log.Address.Hex(), "error", err)
			return Outcome{Event: "unknown", Reason: SkipUnknownEvent, Err: err}, nil
		}
		logger.Warn("failed to decode log", "address", m.log.Address.Hex(), "error", err)
		return Outcome{Event: "unknown", Reason: SkipDecodeFailed, Err: err}, nil
	}

	name := ev.EventName()
	logger = logger.With("event", name)
	handle, ok := ix.handlers[name]
	if !ok {
		logger.Debug("no handler for event")
		return Outcome{Event: name, Reason: SkipUnhandledEvent}, nil
	}

	err = ix.store.WithTx(ctx, func(tx storage.Store) error {
		fresh, err := tx.MarkLogProcessed(ctx, &storage.ProcessedLog{
			ID:          m.id,
			BlockNumber: m.log.BlockNumber,
			EventName:   name,
			ProcessedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !fresh {
			return skip(SkipAlreadyProcessed, "log %s", m.id)
		}
		return handle(ctx, tx, ev, m)
	})

	if err == nil {
		ix.publish(ctx, ev, m)
		return Outcome{Event: name, Handled: true}, nil
	}
	if s, ok := asSkip(err); ok {
		logger.Debug("skipped event", "reason", s.reason, "detail", s.detail)
		return Outcome{Event: name, Reason: s.reason}, nil
	}
	if a, ok := asAbort(err); ok {
		return Outcome{}, fmt.Errorf("%s at block %d: %w", name, m.log.BlockNumber, a.err)
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	logger.Error("event handler failed", "error", err)
	return Outcome{Event: name, Reason: SkipHandlerFailed, Err: err}, nil
}

func (ix *Indexer) publish(ctx context.Context, ev chain.Event, m logMeta) {
	seriesID, account := eventSubject(ev)
	msg := fanout.IndexedEvent{
		ID:          m.id,
		Event:       ev.EventName(),
		Contract:    m.log.Address.Hex(),
		BlockNumber: m.log.BlockNumber,
		TxHash:      m.log.TxHash.Hex(),
		LogIndex:    m.log.Index,
		Timestamp:   m.timestamp,
		SeriesID:    seriesID,
		Account:     account,
	}
	if err := ix.publisher.PublishEvent(ctx, msg); err != nil {
		metrics.FanoutErrors.WithLabelValues("event").Inc()
		ix.logger.Warn("failed to publish indexed event", "id", m.id, "event", msg.Event, "error", err)
	}
}
