// Package chaintest builds ABI-encoded protocol logs and call results for
// tests.
package chaintest

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/platform/chain"
)

// Pos places a log in the chain.
type Pos struct {
	Block uint64
	Index uint
	Tx    common.Hash
}

// TxHash derives a deterministic transaction hash from n.
func TxHash(n int64) common.Hash {
	return common.BigToHash(big.NewInt(n + 0x1000))
}

// SeriesID derives a deterministic series id from n.
func SeriesID(n int64) chain.SeriesID {
	return chain.SeriesIDFromBig(big.NewInt(n + 0xabc000))
}

// Address derives a deterministic address from n.
func Address(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n + 0x5000))
}

func build(contract *abi.ABI, emitter common.Address, name string, pos Pos, topics []common.Hash, data ...any) types.Log {
	ev := contract.Events[name]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic("chaintest: pack " + name + ": " + err.Error())
	}
	return types.Log{
		Address:     emitter,
		Topics:      append([]common.Hash{ev.ID}, topics...),
		Data:        packed,
		BlockNumber: pos.Block,
		TxHash:      pos.Tx,
		Index:       pos.Index,
	}
}

func addrTopic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

func SeriesCreated(market common.Address, pos Pos, id chain.SeriesID, underlying, quote common.Address, strike *big.Int, expiry uint64, isCall bool) types.Log {
	return build(&chain.MarketABI, market, chain.EventSeriesCreated, pos,
		[]common.Hash{common.Hash(id)}, underlying, quote, strike, expiry, isCall, uint16(30))
}

func TradeExecuted(market common.Address, pos Pos, id chain.SeriesID, trader common.Address, isBuy bool, size, premium, fee *big.Int) types.Log {
	return build(&chain.MarketABI, market, chain.EventTradeExecuted, pos,
		[]common.Hash{common.Hash(id), addrTopic(trader)}, isBuy, size, premium, fee)
}

func OptionExercised(market common.Address, pos Pos, id chain.SeriesID, holder common.Address, size, payout *big.Int) types.Log {
	return build(&chain.MarketABI, market, chain.EventOptionExercised, pos,
		[]common.Hash{common.Hash(id), addrTopic(holder)}, size, payout)
}

func PositionClosed(market common.Address, pos Pos, id chain.SeriesID, account common.Address, isLong bool, size, payout *big.Int) types.Log {
	return build(&chain.MarketABI, market, chain.EventPositionClosed, pos,
		[]common.Hash{common.Hash(id), addrTopic(account)}, isLong, size, payout)
}

func SeriesSettled(market common.Address, pos Pos, id chain.SeriesID, residual *big.Int) types.Log {
	return build(&chain.MarketABI, market, chain.EventSeriesSettled, pos,
		[]common.Hash{common.Hash(id)}, residual)
}

func VaultSettled(market common.Address, pos Pos, id chain.SeriesID, amount *big.Int) types.Log {
	return build(&chain.MarketABI, market, chain.EventVaultSettled, pos,
		[]common.Hash{common.Hash(id)}, amount)
}

func InsurancePremiumNotified(market common.Address, pos Pos, id chain.SeriesID, amount *big.Int) types.Log {
	return build(&chain.MarketABI, market, chain.EventInsurancePremiumNotified, pos,
		[]common.Hash{common.Hash(id)}, amount)
}

func Liquidated(market common.Address, pos Pos, id chain.SeriesID, account, initiator common.Address, size, payout, penalty *big.Int) types.Log {
	return build(&chain.MarketABI, market, chain.EventLiquidated, pos,
		[]common.Hash{common.Hash(id), addrTopic(account), addrTopic(initiator)}, size, payout, penalty)
}

func TransferSingle(market common.Address, pos Pos, operator, from, to common.Address, id chain.SeriesID, value *big.Int) types.Log {
	return build(&chain.MarketABI, market, chain.EventTransferSingle, pos,
		[]common.Hash{addrTopic(operator), addrTopic(from), addrTopic(to)}, id.Big(), value)
}

func TransferBatch(market common.Address, pos Pos, operator, from, to common.Address, ids []chain.SeriesID, values []*big.Int) types.Log {
	raw := make([]*big.Int, len(ids))
	for i, id := range ids {
		raw[i] = id.Big()
	}
	return build(&chain.MarketABI, market, chain.EventTransferBatch, pos,
		[]common.Hash{addrTopic(operator), addrTopic(from), addrTopic(to)}, raw, values)
}

func AccountEvaluated(marginEngine common.Address, pos Pos, account common.Address, equity, maintenance *big.Int, inLiquidation bool) types.Log {
	return build(&chain.MarginEngineABI, marginEngine, chain.EventAccountEvaluated, pos,
		[]common.Hash{addrTopic(account)}, equity, maintenance, inLiquidation)
}

// Output ABI-encodes the return values of a contract method.
func Output(contract *abi.ABI, method string, values ...any) []byte {
	out, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		panic("chaintest: pack output " + method + ": " + err.Error())
	}
	return out
}
