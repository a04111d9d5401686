package storage

import (
	"context"
	"math/big"
	"time"
)

// Repository is the typed CRUD surface over the indexed options state.
// Getters return (nil, nil) when the row does not exist. Insert* methods
// keyed by txHash-logIndex return false when the row already existed.
type Repository interface {
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// SaveCheckpoint never moves a checkpoint backwards.
	SaveCheckpoint(ctx context.Context, id string, block uint64) error

	// MarkLogProcessed returns false if the log was already marked.
	MarkLogProcessed(ctx context.Context, l *ProcessedLog) (bool, error)

	GetSeries(ctx context.Context, id string) (*Series, error)
	// UpsertSeries inserts a series or refreshes its static attributes. A
	// settled series is left untouched; counters are never overwritten.
	UpsertSeries(ctx context.Context, s *Series) error
	SetSeriesSettled(ctx context.Context, id string, at time.Time) error
	// AdjustOpenInterest adds signed deltas to the counters of an unsettled
	// series, flooring each counter at zero.
	AdjustOpenInterest(ctx context.Context, id string, longDelta, shortDelta, premiumDelta *big.Int) error
	ListSeries(ctx context.Context) ([]Series, error)

	InsertTrade(ctx context.Context, t *Trade) (bool, error)
	ListTradesBySeries(ctx context.Context, seriesID string) ([]Trade, error)

	// GetPosition reads a position; forUpdate locks the row until the
	// surrounding transaction ends.
	GetPosition(ctx context.Context, key PositionKey, forUpdate bool) (*Position, error)
	UpsertPosition(ctx context.Context, p *Position) error
	DeletePosition(ctx context.Context, key PositionKey) error
	ListPositionsByUser(ctx context.Context, user string) ([]Position, error)
	// ListPositionHolders returns distinct accounts holding a position of the
	// given type, or of any type when typ is nil.
	ListPositionHolders(ctx context.Context, typ *PositionType) ([]string, error)

	InsertMarginEvent(ctx context.Context, e *MarginEvent) (bool, error)
	ListMarginEvents(ctx context.Context, account string) ([]MarginEvent, error)
	InsertLiquidation(ctx context.Context, l *Liquidation) (bool, error)
	ListLiquidations(ctx context.Context, account string) ([]Liquidation, error)

	InsertRiskSnapshot(ctx context.Context, s *RiskSnapshot) error
	LatestRiskSnapshot(ctx context.Context, account string) (*RiskSnapshot, error)

	GetSeriesMetric(ctx context.Context, seriesID string) (*SeriesMetric, error)
	UpsertSeriesMetric(ctx context.Context, m *SeriesMetric) error

	UpsertSettlement(ctx context.Context, s *Settlement) error
	GetSettlement(ctx context.Context, seriesID string) (*Settlement, error)
	InsertInsuranceFlow(ctx context.Context, f *InsuranceFlow) (bool, error)
}

// Store is a Repository that can run a function atomically. The Store passed
// to fn is bound to the transaction; fn must use it rather than the outer one.
type Store interface {
	Repository
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
