package worker

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/marko911/options-pulse/internal/fixedpoint"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/queue"
)

// ErrInvalidPayload marks a job whose payload fails validation. Such jobs are
// failed permanently.
var ErrInvalidPayload = errors.New("invalid payload")

func invalid(format string, args ...any) error {
	return queue.Permanent(fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...)))
}

// Amounts are base-10 strings of 18-decimal integers.

type SettlementPayload struct {
	SeriesID string `json:"seriesId"`
}

type LiquidationPayload struct {
	SeriesID string `json:"seriesId"`
	Account  string `json:"account"`
	Size     string `json:"size"`
	// Receiver of the liquidation payout; the zero address when empty.
	Receiver string `json:"receiver,omitempty"`
}

// MarginCheckPayload optionally names a liquidation target used when the
// account turns out to be in liquidation.
type MarginCheckPayload struct {
	Account  string `json:"account"`
	SeriesID string `json:"seriesId,omitempty"`
	Size     string `json:"size,omitempty"`
}

type IVUpdatePayload struct {
	SeriesID string `json:"seriesId"`
	IV       string `json:"iv"`
}

type GreeksPayload struct {
	SeriesID string `json:"seriesId"`
}

type RiskRecalcPayload struct {
	Account string `json:"account"`
}

func decode(job *queue.Job, v any) error {
	if err := job.Decode(v); err != nil {
		return queue.Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	return nil
}

func seriesID(s string) (chain.SeriesID, error) {
	id, err := chain.ParseSeriesID(s)
	if err != nil {
		return chain.SeriesID{}, invalid("seriesId: %v", err)
	}
	return id, nil
}

func address(field, s string) (common.Address, error) {
	a, err := chain.ParseAddress(s)
	if err != nil {
		return common.Address{}, invalid("%s: %v", field, err)
	}
	return a, nil
}

func positiveAmount(field, s string) (*big.Int, error) {
	v, err := fixedpoint.ParsePositive(s)
	if err != nil {
		return nil, invalid("%s: %v", field, err)
	}
	return v, nil
}

type liquidationTarget struct {
	series chain.SeriesID
	size   *big.Int
}

func (p LiquidationPayload) validate() (chain.SeriesID, common.Address, *big.Int, common.Address, error) {
	id, err := seriesID(p.SeriesID)
	if err != nil {
		return id, common.Address{}, nil, common.Address{}, err
	}
	account, err := address("account", p.Account)
	if err != nil {
		return id, account, nil, common.Address{}, err
	}
	size, err := positiveAmount("size", p.Size)
	if err != nil {
		return id, account, nil, common.Address{}, err
	}
	var receiver common.Address
	if p.Receiver != "" {
		if receiver, err = address("receiver", p.Receiver); err != nil {
			return id, account, size, receiver, err
		}
	}
	return id, account, size, receiver, nil
}

// validate returns the account and, when both seriesId and size are present,
// the liquidation target.
func (p MarginCheckPayload) validate() (common.Address, *liquidationTarget, error) {
	account, err := address("account", p.Account)
	if err != nil {
		return account, nil, err
	}
	if p.SeriesID == "" && p.Size == "" {
		return account, nil, nil
	}
	if p.SeriesID == "" || p.Size == "" {
		return account, nil, invalid("seriesId and size must be given together")
	}
	id, err := seriesID(p.SeriesID)
	if err != nil {
		return account, nil, err
	}
	size, err := positiveAmount("size", p.Size)
	if err != nil {
		return account, nil, err
	}
	return account, &liquidationTarget{series: id, size: size}, nil
}
