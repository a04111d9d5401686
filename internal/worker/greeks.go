package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marko911/options-pulse/internal/fixedpoint"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/pricing"
	"github.com/marko911/options-pulse/internal/queue"
)

const secondsPerYear = 365 * 24 * 60 * 60

type GreeksResult struct {
	Skipped string `json:"skipped,omitempty"`
	pricing.Result
}

// Greeks prices a series from on-chain spot, strike and IV and caches the
// result as its SeriesMetric.
type Greeks struct {
	chain  Chain
	store  storage.Store
	rate   float64
	logger *slog.Logger
	now    func() time.Time
}

func NewGreeks(c Chain, st storage.Store, cfg Config, logger *slog.Logger) *Greeks {
	return &Greeks{
		chain:  c,
		store:  st,
		rate:   cfg.RiskFreeRate,
		logger: logger.With("component", "greeks-worker"),
		now:    time.Now,
	}
}

func (w *Greeks) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var p GreeksPayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	id, err := seriesID(p.SeriesID)
	if err != nil {
		return nil, err
	}
	log := w.logger.With("job_id", job.ID, "series_id", id.Hex())

	s, err := w.chain.Series(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read series %s: %w", id, err)
	}
	tte, err := w.chain.TimeToExpiry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("time to expiry %s: %w", id, err)
	}
	if tte == 0 {
		log.Debug("series expired, skipping greeks")
		return GreeksResult{Skipped: "expired"}, nil
	}
	spotRaw, err := w.chain.Spot(ctx, s.Underlying)
	if err != nil {
		return nil, fmt.Errorf("spot %s: %w", s.Underlying.Hex(), err)
	}
	ivRaw, err := w.chain.IV(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("iv %s: %w", id, err)
	}

	spot, strike, iv := fixedpoint.ToFloat(spotRaw), fixedpoint.ToFloat(s.Strike), fixedpoint.ToFloat(ivRaw)
	if spot <= 0 || strike <= 0 || iv <= 0 {
		log.Warn("non-positive pricing input, skipping greeks", "spot", spot, "strike", strike, "iv", iv)
		return GreeksResult{Skipped: "non_positive_input"}, nil
	}

	res := pricing.BlackScholes(pricing.Inputs{
		IsCall:     s.IsCall,
		Spot:       spot,
		Strike:     strike,
		Time:       float64(tte) / secondsPerYear,
		Volatility: iv,
		Rate:       w.rate,
	})

	err = w.store.UpsertSeriesMetric(ctx, &storage.SeriesMetric{
		SeriesID:          id.Hex(),
		Spot:              spot,
		MarkPrice:         res.Price,
		MarkIV:            iv,
		Delta:             res.Delta,
		Gamma:             res.Gamma,
		Vega:              res.Vega,
		Theta:             res.Theta,
		Rho:               res.Rho,
		LongOpenInterest:  fixedpoint.Copy(s.LongOpenInterest),
		ShortOpenInterest: fixedpoint.Copy(s.ShortOpenInterest),
		UpdatedAt:         w.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("upsert metric %s: %w", id, err)
	}

	log.Info("greeks updated", "price", res.Price, "delta", res.Delta, "iv", iv)
	return GreeksResult{Result: res}, nil
}
