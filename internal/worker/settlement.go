package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/fixedpoint"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/queue"
)

type SettlementResult struct {
	TxHash           string `json:"txHash,omitempty"`
	BlockNumber      uint64 `json:"blockNumber,omitempty"`
	AlreadySettled   bool   `json:"alreadySettled,omitempty"`
	ResidualPremium  string `json:"residualPremium,omitempty"`
	VaultAmount      string `json:"vaultAmount,omitempty"`
	InsurancePremium string `json:"insurancePremium,omitempty"`
}

// Settlement settles an expired series on chain and records the amounts the
// settlement transaction routed.
type Settlement struct {
	chain  Chain
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewSettlement(c Chain, st storage.Store, logger *slog.Logger) *Settlement {
	return &Settlement{
		chain:  c,
		store:  st,
		logger: logger.With("component", "settlement-worker"),
		now:    time.Now,
	}
}

func (w *Settlement) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var p SettlementPayload
	if err := decode(job, &p); err != nil {
		return nil, err
	}
	id, err := seriesID(p.SeriesID)
	if err != nil {
		return nil, err
	}

	// A retry after a successful but unacknowledged settle finds the series
	// already settled.
	s, err := w.chain.Series(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read series %s: %w", id, err)
	}
	if s.Settled {
		w.logger.Info("series already settled", "job_id", job.ID, "series_id", id.Hex())
		return SettlementResult{AlreadySettled: true}, nil
	}

	receipt, err := w.chain.Settle(ctx, id)
	if err != nil {
		return nil, chainErr("settle "+id.Hex(), err)
	}

	record, flows := parseSettlement(id, receipt, w.chain.Addresses().Market, w.now().UTC())
	err = w.store.WithTx(ctx, func(tx storage.Store) error {
		if err := tx.UpsertSettlement(ctx, record); err != nil {
			return err
		}
		for i := range flows {
			if _, err := tx.InsertInsuranceFlow(ctx, &flows[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record settlement %s: %w", id, err)
	}

	w.logger.Info("series settled",
		"job_id", job.ID,
		"series_id", id.Hex(),
		"tx", record.TxHash,
		"residual", record.ResidualPremium.String(),
		"vault", record.VaultAmount.String(),
		"insurance", record.InsurancePremium.String(),
	)
	return SettlementResult{
		TxHash:           record.TxHash,
		BlockNumber:      record.BlockNumber,
		ResidualPremium:  record.ResidualPremium.String(),
		VaultAmount:      record.VaultAmount.String(),
		InsurancePremium: record.InsurancePremium.String(),
	}, nil
}

// parseSettlement attributes the market logs of a settlement receipt to the
// series. Logs from other emitters, other series or undecodable logs are
// ignored.
func parseSettlement(id chain.SeriesID, receipt *types.Receipt, market common.Address, at time.Time) (*storage.Settlement, []storage.InsuranceFlow) {
	record := &storage.Settlement{
		SeriesID:         id.Hex(),
		TxHash:           receipt.TxHash.Hex(),
		ResidualPremium:  fixedpoint.Zero(),
		VaultAmount:      fixedpoint.Zero(),
		InsurancePremium: fixedpoint.Zero(),
		SettledAt:        at,
	}
	if receipt.BlockNumber != nil {
		record.BlockNumber = receipt.BlockNumber.Uint64()
	}

	var flows []storage.InsuranceFlow
	for _, l := range receipt.Logs {
		if l == nil || l.Address != market {
			continue
		}
		ev, err := chain.DecodeWith(&chain.MarketABI, *l)
		if err != nil {
			continue
		}
		switch e := ev.(type) {
		case chain.SeriesSettled:
			if e.SeriesID == id {
				record.ResidualPremium = add(record.ResidualPremium, e.ResidualPremium)
			}
		case chain.VaultSettled:
			if e.SeriesID == id {
				record.VaultAmount = add(record.VaultAmount, e.Amount)
			}
		case chain.InsurancePremiumNotified:
			if e.SeriesID != id {
				continue
			}
			record.InsurancePremium = add(record.InsurancePremium, e.Amount)
			flows = append(flows, storage.InsuranceFlow{
				ID:        storage.LogID(l.TxHash.Hex(), l.Index),
				SeriesID:  id.Hex(),
				TxHash:    l.TxHash.Hex(),
				Amount:    fixedpoint.Copy(e.Amount),
				Kind:      storage.InsuranceFlowPremium,
				Timestamp: at,
			})
		}
	}
	return record, flows
}

func add(a, b *big.Int) *big.Int {
	if b == nil {
		return a
	}
	return new(big.Int).Add(a, b)
}
