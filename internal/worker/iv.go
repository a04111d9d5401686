package worker

import (
	"context"
	"log/slog"

	"github.com/marko911/options-pulse/internal/queue"
)

// IVUpdate publishes an implied volatility to the IV oracle.
type IVUpdate struct {
	chain  Chain
	logger *slog.Logger
}

func NewIVUpdate(c Chain, logger *slog.Logger) *IVUpdate {
	return &IVUpdate{chain: c, logger: logger.With("component", "iv-worker")}
}

func (w *IVUpdate) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var p IVUpdatePayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	id, err := seriesID(p.SeriesID)
	if err != nil {
		return nil, err
	}
	iv, err := positiveAmount("iv", p.IV)
	if err != nil {
		return nil, err
	}

	receipt, err := w.chain.SetIV(ctx, id, iv)
	if err != nil {
		return nil, chainErr("set iv "+id.Hex(), err)
	}
	res := txResult(receipt)
	w.logger.Info("iv updated", "job_id", job.ID, "series_id", id.Hex(), "iv", iv.String(), "tx", res.TxHash)
	return res, nil
}
