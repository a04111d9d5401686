package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marko911/options-pulse/internal/fixedpoint"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/queue"
)

// RiskRecalc aggregates an account's positions into a RiskSnapshot.
type RiskRecalc struct {
	chain  Chain
	store  storage.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func NewRiskRecalc(c Chain, st storage.Store, cfg Config, logger *slog.Logger) *RiskRecalc {
	return &RiskRecalc{
		chain:  c,
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "risk-worker"),
		now:    time.Now,
	}
}

func (w *RiskRecalc) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var p RiskRecalcPayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	account, err := address("account", p.Account)
	if err != nil {
		return nil, err
	}

	positions, err := w.store.ListPositionsByUser(ctx, account.Hex())
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", account.Hex(), err)
	}
	status, err := w.chain.AccountStatus(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("account status %s: %w", account.Hex(), err)
	}

	book := riskBook{}
	for _, pos := range positions {
		metric, err := w.store.GetSeriesMetric(ctx, pos.SeriesID)
		if err != nil {
			return nil, fmt.Errorf("series metric %s: %w", pos.SeriesID, err)
		}
		series, err := w.store.GetSeries(ctx, pos.SeriesID)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", pos.SeriesID, err)
		}
		underlying := ""
		if series != nil {
			underlying = series.Underlying
		}
		book.add(pos, metric, underlying, w.cfg.MarginFactor)
	}

	snap := book.snapshot(fixedpoint.ToFloat(status.Equity), w.cfg)
	snap.ID = uuid.New().String()
	snap.Account = account.Hex()
	snap.Timestamp = w.now().UTC()
	if err := w.store.InsertRiskSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert risk snapshot %s: %w", account.Hex(), err)
	}

	w.logger.Info("risk snapshot recorded",
		"job_id", job.ID,
		"account", snap.Account,
		"positions", snap.PositionCount,
		"net_delta", snap.NetDelta,
		"margin_required", snap.MarginRequired,
		"margin_available", snap.MarginAvailable,
		"alert", snap.AlertLevel,
	)
	return snap, nil
}

// riskBook accumulates size-weighted greeks. Positions without a metric
// contribute a linear delta of ±size and no gamma or vega.
type riskBook struct {
	count       int
	delta       float64
	gamma       float64
	vega        float64
	required    float64
	spot        float64
	underlyings map[string]struct{}
}

func (b *riskBook) add(p storage.Position, m *storage.SeriesMetric, underlying string, marginFactor float64) {
	b.count++
	if b.underlyings == nil {
		b.underlyings = make(map[string]struct{})
	}
	b.underlyings[underlying] = struct{}{}

	size := fixedpoint.ToFloat(p.Size)
	sign := 1.0
	if p.Type == storage.PositionShort {
		sign = -1
	}

	mark, spot := fixedpoint.ToFloat(p.AvgPrice), 0.0
	if m != nil {
		b.delta += sign * size * m.Delta
		b.gamma += sign * size * m.Gamma
		b.vega += sign * size * m.Vega
		mark, spot = m.MarkPrice, m.Spot
		if spot > 0 {
			b.spot = spot
		}
	} else {
		b.delta += sign * size
	}

	if p.Type == storage.PositionShort {
		b.required += size * (mark + marginFactor*spot)
	}
}

func (b *riskBook) snapshot(available float64, cfg Config) *storage.RiskSnapshot {
	snap := &storage.RiskSnapshot{
		NetDelta:        b.delta,
		NetGamma:        b.gamma,
		NetVega:         b.vega,
		MarginRequired:  b.required,
		MarginAvailable: available,
		AlertLevel:      alertLevel(b.required, available, cfg),
		PositionCount:   b.count,
	}
	if len(b.underlyings) == 1 && b.delta != 0 && b.spot > 0 {
		if _, unknown := b.underlyings[""]; !unknown {
			price := b.spot - (available-b.required)/b.delta
			if price < 0 {
				price = 0
			}
			snap.LiquidationPrice = &price
		}
	}
	return snap
}

func alertLevel(required, available float64, cfg Config) storage.AlertLevel {
	if required <= 0 {
		return storage.AlertOK
	}
	if available <= 0 {
		return storage.AlertCritical
	}
	switch ratio := required / available; {
	case ratio >= cfg.CriticalRatio:
		return storage.AlertCritical
	case ratio >= cfg.WarningRatio:
		return storage.AlertWarning
	default:
		return storage.AlertOK
	}
}
