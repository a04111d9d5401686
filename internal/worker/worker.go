// Package worker holds the job handlers for the settlement, liquidation,
// margin-check, iv-update, greeks and risk-recalc queues.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/queue"
)

// Chain is the contract surface the workers use. *chain.Contracts
// implements it.
type Chain interface {
	Addresses() chain.Addresses
	Series(ctx context.Context, id chain.SeriesID) (*chain.Series, error)
	TimeToExpiry(ctx context.Context, id chain.SeriesID) (uint64, error)
	Settle(ctx context.Context, id chain.SeriesID) (*types.Receipt, error)
	Liquidate(ctx context.Context, id chain.SeriesID, account common.Address, size *big.Int, receiver common.Address) (*types.Receipt, error)
	EvaluateAccount(ctx context.Context, account common.Address) (*types.Receipt, error)
	AccountStatus(ctx context.Context, account common.Address) (*chain.AccountStatus, error)
	IV(ctx context.Context, id chain.SeriesID) (*big.Int, error)
	SetIV(ctx context.Context, id chain.SeriesID, iv *big.Int) (*types.Receipt, error)
	Spot(ctx context.Context, asset common.Address) (*big.Int, error)
}

var _ Chain = (*chain.Contracts)(nil)

// TxResult is returned by workers whose work is a single transaction.
type TxResult struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

func txResult(r *types.Receipt) TxResult {
	res := TxResult{TxHash: r.TxHash.Hex()}
	if r.BlockNumber != nil {
		res.BlockNumber = r.BlockNumber.Uint64()
	}
	return res
}

// chainErr marks reverts permanent; everything else stays retryable.
func chainErr(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, chain.ErrReverted) {
		return queue.Permanent(err)
	}
	return err
}

// Deps are shared by all workers.
type Deps struct {
	Chain    Chain
	Store    storage.Store
	Enqueuer queue.Enqueuer
	Logger   *slog.Logger
}

// Handlers returns the handler for every queue.
func Handlers(deps Deps, cfg Config) map[string]queue.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return map[string]queue.Handler{
		queue.Settlement:  NewSettlement(deps.Chain, deps.Store, deps.Logger),
		queue.Liquidation: NewLiquidation(deps.Chain, deps.Logger),
		queue.MarginCheck: NewMarginCheck(deps.Chain, deps.Store, deps.Enqueuer, deps.Logger),
		queue.IVUpdate:    NewIVUpdate(deps.Chain, deps.Logger),
		queue.Greeks:      NewGreeks(deps.Chain, deps.Store, cfg, deps.Logger),
		queue.RiskRecalc:  NewRiskRecalc(deps.Chain, deps.Store, cfg, deps.Logger),
	}
}

// Config tunes the pricing and risk maths.
type Config struct {
	RiskFreeRate float64 `yaml:"risk_free_rate"`
	// MarginFactor is the share of spot added to the mark when sizing the
	// margin a short position needs.
	MarginFactor  float64 `yaml:"margin_factor"`
	WarningRatio  float64 `yaml:"warning_ratio"`
	CriticalRatio float64 `yaml:"critical_ratio"`
}

func DefaultConfig() Config {
	return Config{
		MarginFactor:  0.1,
		WarningRatio:  0.8,
		CriticalRatio: 1.0,
	}
}
