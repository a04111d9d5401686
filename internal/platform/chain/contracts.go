package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend executes raw contract calls. *Client implements it.
type Backend interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error)
}

// Contracts exposes typed calls on the protocol contracts.
type Contracts struct {
	backend Backend
	addrs   Addresses
}

// NewContracts binds the typed calls to backend.
func NewContracts(backend Backend, addrs Addresses) *Contracts {
	return &Contracts{backend: backend, addrs: addrs}
}

// Addresses returns the bound contract addresses.
func (c *Contracts) Addresses() Addresses { return c.addrs }

func (c *Contracts) call(ctx context.Context, contract *abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.backend.Call(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *Contracts) transact(ctx context.Context, contract *abi.ABI, to common.Address, method string, args ...any) (*types.Receipt, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	receipt, err := c.backend.Transact(ctx, to, data)
	if err != nil {
		return receipt, fmt.Errorf("%s: %w", method, err)
	}
	return receipt, nil
}

// ListSeriesIDs returns every series id known to the market.
func (c *Contracts) ListSeriesIDs(ctx context.Context) ([]SeriesID, error) {
	out, err := c.call(ctx, &MarketABI, c.addrs.Market, "listSeriesIds")
	if err != nil {
		return nil, err
	}
	raw, err := output[[][32]byte](out, 0, "listSeriesIds")
	if err != nil {
		return nil, err
	}
	ids := make([]SeriesID, len(raw))
	for i, id := range raw {
		ids[i] = SeriesID(id)
	}
	return ids, nil
}

// Series reads one series. A series that was never created comes back with
// a zero expiry.
func (c *Contracts) Series(ctx context.Context, id SeriesID) (*Series, error) {
	out, err := c.call(ctx, &MarketABI, c.addrs.Market, "getSeries", [32]byte(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 10 {
		return nil, fmt.Errorf("getSeries: expected 10 outputs, got %d", len(out))
	}

	s := &Series{ID: id}
	var errs [10]error
	s.Underlying, errs[0] = output[common.Address](out, 0, "getSeries")
	s.Quote, errs[1] = output[common.Address](out, 1, "getSeries")
	s.Strike, errs[2] = output[*big.Int](out, 2, "getSeries")
	s.Expiry, errs[3] = output[uint64](out, 3, "getSeries")
	s.IsCall, errs[4] = output[bool](out, 4, "getSeries")
	s.BaseFeeBps, errs[5] = output[uint16](out, 5, "getSeries")
	s.Settled, errs[6] = output[bool](out, 6, "getSeries")
	s.LongOpenInterest, errs[7] = output[*big.Int](out, 7, "getSeries")
	s.ShortOpenInterest, errs[8] = output[*big.Int](out, 8, "getSeries")
	s.Premium, errs[9] = output[*big.Int](out, 9, "getSeries")
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// TimeToExpiry returns the seconds until expiry, zero once expired.
func (c *Contracts) TimeToExpiry(ctx context.Context, id SeriesID) (uint64, error) {
	out, err := c.call(ctx, &MarketABI, c.addrs.Market, "timeToExpiry", [32]byte(id))
	if err != nil {
		return 0, err
	}
	secs, err := output[*big.Int](out, 0, "timeToExpiry")
	if err != nil {
		return 0, err
	}
	if !secs.IsUint64() {
		return 0, fmt.Errorf("timeToExpiry: %s out of range", secs)
	}
	return secs.Uint64(), nil
}

// Settle settles an expired series.
func (c *Contracts) Settle(ctx context.Context, id SeriesID) (*types.Receipt, error) {
	return c.transact(ctx, &MarketABI, c.addrs.Market, "settle", [32]byte(id))
}

// Liquidate closes size of account's short in series, paying the receiver.
func (c *Contracts) Liquidate(ctx context.Context, id SeriesID, account common.Address, size *big.Int, receiver common.Address) (*types.Receipt, error) {
	return c.transact(ctx, &MarketABI, c.addrs.Market, "liquidate", [32]byte(id), account, size, receiver)
}

// EvaluateAccount asks the margin engine to re-evaluate account.
func (c *Contracts) EvaluateAccount(ctx context.Context, account common.Address) (*types.Receipt, error) {
	return c.transact(ctx, &MarginEngineABI, c.addrs.MarginEngine, "evaluateAccount", account)
}

// AccountStatus reads the margin engine's current view of account.
func (c *Contracts) AccountStatus(ctx context.Context, account common.Address) (*AccountStatus, error) {
	out, err := c.call(ctx, &MarginEngineABI, c.addrs.MarginEngine, "accountStatus", account)
	if err != nil {
		return nil, err
	}
	equity, err := output[*big.Int](out, 0, "accountStatus")
	if err != nil {
		return nil, err
	}
	maintenance, err := output[*big.Int](out, 1, "accountStatus")
	if err != nil {
		return nil, err
	}
	inLiq, err := output[bool](out, 2, "accountStatus")
	if err != nil {
		return nil, err
	}
	return &AccountStatus{Equity: equity, Maintenance: maintenance, InLiquidation: inLiq}, nil
}

// IV reads the oracle implied volatility (18 decimals, 1e18 = 100%).
func (c *Contracts) IV(ctx context.Context, id SeriesID) (*big.Int, error) {
	out, err := c.call(ctx, &IVOracleABI, c.addrs.IVOracle, "iv", [32]byte(id))
	if err != nil {
		return nil, err
	}
	return output[*big.Int](out, 0, "iv")
}

// SetIV publishes a new implied volatility.
func (c *Contracts) SetIV(ctx context.Context, id SeriesID, iv *big.Int) (*types.Receipt, error) {
	return c.transact(ctx, &IVOracleABI, c.addrs.IVOracle, "setIV", [32]byte(id), iv)
}

// Spot reads the oracle spot price of asset (18 decimals).
func (c *Contracts) Spot(ctx context.Context, asset common.Address) (*big.Int, error) {
	out, err := c.call(ctx, &PriceOracleABI, c.addrs.PriceOracle, "spot", asset)
	if err != nil {
		return nil, err
	}
	return output[*big.Int](out, 0, "spot")
}

func output[T any](out []any, i int, method string) (T, error) {
	var zero T
	if i >= len(out) {
		return zero, fmt.Errorf("%s: missing output %d", method, i)
	}
	v, ok := out[i].(T)
	if !ok {
		return zero, fmt.Errorf("%s: output %d has type %T", method, i, out[i])
	}
	return v, nil
}
