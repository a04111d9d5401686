package worker

import (
	"context"
	"log/slog"

	"github.com/marko911/options-pulse/internal/queue"
)

// Liquidation executes an on-chain liquidation. The indexer records the
// resulting Liquidated event.
type Liquidation struct {
	chain  Chain
	logger *slog.Logger
}

func NewLiquidation(c Chain, logger *slog.Logger) *Liquidation {
	return &Liquidation{chain: c, logger: logger.With("component", "liquidation-worker")}
}

func (w *Liquidation) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var p LiquidationPayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	id, account, size, receiver, err := p.validate()
	if err != nil {
		return nil, err
	}

	receipt, err := w.chain.Liquidate(ctx, id, account, size, receiver)
	if err != nil {
		return nil, chainErr("liquidate "+account.Hex()+" in "+id.Hex(), err)
	}

	res := txResult(receipt)
	w.logger.Info("liquidation executed",
		"job_id", job.ID,
		"series_id", id.Hex(),
		"account", account.Hex(),
		"size", size.String(),
		"tx", res.TxHash,
	)
	return res, nil
}
