package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/fixedpoint"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/queue"
)

type MarginCheckResult struct {
	TxHash        string `json:"txHash"`
	Equity        string `json:"equity"`
	Maintenance   string `json:"maintenance"`
	InLiquidation bool   `json:"inLiquidation"`
	// LiquidationJob is set when a follow-up liquidation was enqueued.
	LiquidationJob string `json:"liquidationJob,omitempty"`
	Deduplicated   bool   `json:"deduplicated,omitempty"`
}

// MarginCheck evaluates an account on the margin engine and, when the account
// is in liquidation and the payload names a target, enqueues the liquidation.
type MarginCheck struct {
	chain    Chain
	store    storage.Store
	enqueuer queue.Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

func NewMarginCheck(c Chain, st storage.Store, enq queue.Enqueuer, logger *slog.Logger) *MarginCheck {
	return &MarginCheck{
		chain:    c,
		store:    st,
		enqueuer: enq,
		logger:   logger.With("component", "margin-worker"),
		now:      time.Now,
	}
}

func (w *MarginCheck) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var p MarginCheckPayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	account, target, err := p.validate()
	if err != nil {
		return nil, err
	}

	receipt, err := w.chain.EvaluateAccount(ctx, account)
	if err != nil {
		return nil, chainErr("evaluate "+account.Hex(), err)
	}
	status, err := w.chain.AccountStatus(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("account status %s: %w", account.Hex(), err)
	}

	if err := w.record(ctx, account, receipt, status); err != nil {
		return nil, err
	}

	res := MarginCheckResult{
		TxHash:        receipt.TxHash.Hex(),
		Equity:        status.Equity.String(),
		Maintenance:   status.Maintenance.String(),
		InLiquidation: status.InLiquidation,
	}
	log := w.logger.With("job_id", job.ID, "account", account.Hex())

	if !status.InLiquidation {
		log.Debug("account healthy", "equity", res.Equity, "maintenance", res.Maintenance)
		return res, nil
	}
	if target == nil {
		log.Warn("account in liquidation without a target", "equity", res.Equity)
		return res, nil
	}

	enq, err := w.enqueuer.Enqueue(ctx, queue.Liquidation, LiquidationPayload{
		SeriesID: target.series.Hex(),
		Account:  account.Hex(),
		Size:     target.size.String(),
	}, queue.EnqueueOptions{DedupKey: target.series.Hex() + ":" + account.Hex()})
	if err != nil {
		return nil, fmt.Errorf("enqueue liquidation for %s: %w", account.Hex(), err)
	}
	res.LiquidationJob, res.Deduplicated = enq.JobID, enq.Deduplicated
	log.Info("liquidation enqueued",
		"series_id", target.series.Hex(),
		"size", target.size.String(),
		"liquidation_job", enq.JobID,
		"deduplicated", enq.Deduplicated,
	)
	return res, nil
}

// record stores the MARGIN_CHECK event under the id of the AccountEvaluated
// log, so the indexer's later insert of the same log is a no-op.
func (w *MarginCheck) record(ctx context.Context, account common.Address, receipt *types.Receipt, status *chain.AccountStatus) error {
	engine := w.chain.Addresses().MarginEngine
	id := ""
	for _, l := range receipt.Logs {
		if l == nil || l.Address != engine {
			continue
		}
		ev, err := chain.DecodeWith(&chain.MarginEngineABI, *l)
		if err != nil {
			continue
		}
		if ae, ok := ev.(chain.AccountEvaluated); ok && ae.Account == account {
			id = storage.LogID(l.TxHash.Hex(), l.Index)
			break
		}
	}
	if id == "" {
		id = receipt.TxHash.Hex() + "-margin-check"
	}

	ev := &storage.MarginEvent{
		ID:              id,
		Account:         account.Hex(),
		Type:            storage.MarginEventCheck,
		SizeDelta:       fixedpoint.Zero(),
		ResultingMargin: fixedpoint.Copy(status.Equity),
		Metadata: map[string]any{
			"maintenance":   fixedpoint.Copy(status.Maintenance).String(),
			"inLiquidation": status.InLiquidation,
		},
		TxHash:    receipt.TxHash.Hex(),
		Timestamp: w.now().UTC(),
	}
	if receipt.BlockNumber != nil {
		ev.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if _, err := w.store.InsertMarginEvent(ctx, ev); err != nil {
		return fmt.Errorf("record margin check %s: %w", account.Hex(), err)
	}
	return nil
}
