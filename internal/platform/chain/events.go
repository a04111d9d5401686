package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrUnknownContract = errors.New("log from unmonitored contract")
	ErrUnknownEvent    = errors.New("unknown event")
	ErrMalformedLog    = errors.New("malformed log")
)

// Event names as declared in the contract ABIs.
const (
	EventSeriesCreated            = "SeriesCreated"
	EventTradeExecuted            = "TradeExecuted"
	EventOptionExercised          = "OptionExercised"
	EventPositionClosed           = "PositionClosed"
	EventSeriesSettled            = "SeriesSettled"
	EventVaultSettled             = "VaultSettled"
	EventInsurancePremiumNotified = "InsurancePremiumNotified"
	EventLiquidated               = "Liquidated"
	EventTransferSingle           = "TransferSingle"
	EventTransferBatch            = "TransferBatch"
	EventAccountEvaluated         = "AccountEvaluated"
)

// Event is a decoded contract event.
type Event interface {
	EventName() string
}

type SeriesCreated struct {
	SeriesID   SeriesID
	Underlying common.Address
	Quote      common.Address
	Strike     *big.Int
	Expiry     uint64
	IsCall     bool
	BaseFeeBps uint16
}

type TradeExecuted struct {
	SeriesID SeriesID
	Trader   common.Address
	IsBuy    bool
	Size     *big.Int
	Premium  *big.Int
	Fee      *big.Int
}

type OptionExercised struct {
	SeriesID SeriesID
	Holder   common.Address
	Size     *big.Int
	Payout   *big.Int
}

type PositionClosed struct {
	SeriesID SeriesID
	Account  common.Address
	IsLong   bool
	Size     *big.Int
	Payout   *big.Int
}

type SeriesSettled struct {
	SeriesID        SeriesID
	ResidualPremium *big.Int
}

type VaultSettled struct {
	SeriesID SeriesID
	Amount   *big.Int
}

type InsurancePremiumNotified struct {
	SeriesID SeriesID
	Amount   *big.Int
}

type Liquidated struct {
	SeriesID  SeriesID
	Account   common.Address
	Initiator common.Address
	Size      *big.Int
	Payout    *big.Int
	Penalty   *big.Int
}

type TransferSingle struct {
	Operator common.Address
	From     common.Address
	To       common.Address
	ID       SeriesID
	Value    *big.Int
}

type TransferBatch struct {
	Operator common.Address
	From     common.Address
	To       common.Address
	IDs      []SeriesID
	Values   []*big.Int
}

type AccountEvaluated struct {
	Account       common.Address
	Equity        *big.Int
	Maintenance   *big.Int
	InLiquidation bool
}

func (SeriesCreated) EventName() string            { return EventSeriesCreated }
func (TradeExecuted) EventName() string            { return EventTradeExecuted }
func (OptionExercised) EventName() string          { return EventOptionExercised }
func (PositionClosed) EventName() string           { return EventPositionClosed }
func (SeriesSettled) EventName() string            { return EventSeriesSettled }
func (VaultSettled) EventName() string             { return EventVaultSettled }
func (InsurancePremiumNotified) EventName() string { return EventInsurancePremiumNotified }
func (Liquidated) EventName() string               { return EventLiquidated }
func (TransferSingle) EventName() string           { return EventTransferSingle }
func (TransferBatch) EventName() string            { return EventTransferBatch }
func (AccountEvaluated) EventName() string         { return EventAccountEvaluated }

// Decoder turns raw logs into typed events using the ABI of the emitting
// contract.
type Decoder struct {
	abis map[common.Address]*abi.ABI
}

// NewDecoder creates a Decoder for the market and margin engine contracts.
func NewDecoder(market, marginEngine common.Address) *Decoder {
	return &Decoder{abis: map[common.Address]*abi.ABI{
		market:       &MarketABI,
		marginEngine: &MarginEngineABI,
	}}
}

// Decode decodes one log. It returns ErrUnknownContract, ErrUnknownEvent or
// ErrMalformedLog (wrapped) when the log cannot be decoded.
func (d *Decoder) Decode(log types.Log) (Event, error) {
	contract, ok := d.abis[log.Address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, log.Address.Hex())
	}
	return DecodeWith(contract, log)
}

// DecodeWith decodes a log against a specific ABI regardless of its address,
// as done for receipt logs whose emitter is known.
func DecodeWith(contract *abi.ABI, log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: anonymous log", ErrUnknownEvent)
	}
	ev, err := contract.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	fields := make(map[string]any)
	if len(log.Data) > 0 {
		if err := contract.UnpackIntoMap(fields, ev.Name, log.Data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedLog, ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s expects %d topics, got %d", ErrMalformedLog, ev.Name, len(indexed)+1, len(log.Topics))
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrMalformedLog, ev.Name, err)
	}

	r := &fieldReader{event: ev.Name, fields: fields}
	var out Event
	switch ev.Name {
	case EventSeriesCreated:
		out = SeriesCreated{
			SeriesID:   r.seriesID("seriesId"),
			Underlying: field[common.Address](r, "underlying"),
			Quote:      field[common.Address](r, "quote"),
			Strike:     field[*big.Int](r, "strike"),
			Expiry:     field[uint64](r, "expiry"),
			IsCall:     field[bool](r, "isCall"),
			BaseFeeBps: field[uint16](r, "baseFeeBps"),
		}
	case EventTradeExecuted:
		out = TradeExecuted{
			SeriesID: r.seriesID("seriesId"),
			Trader:   field[common.Address](r, "trader"),
			IsBuy:    field[bool](r, "isBuy"),
			Size:     field[*big.Int](r, "size"),
			Premium:  field[*big.Int](r, "premium"),
			Fee:      field[*big.Int](r, "fee"),
		}
	case EventOptionExercised:
		out = OptionExercised{
			SeriesID: r.seriesID("seriesId"),
			Holder:   field[common.Address](r, "holder"),
			Size:     field[*big.Int](r, "size"),
			Payout:   field[*big.Int](r, "payout"),
		}
	case EventPositionClosed:
		out = PositionClosed{
			SeriesID: r.seriesID("seriesId"),
			Account:  field[common.Address](r, "account"),
			IsLong:   field[bool](r, "isLong"),
			Size:     field[*big.Int](r, "size"),
			Payout:   field[*big.Int](r, "payout"),
		}
	case EventSeriesSettled:
		out = SeriesSettled{
			SeriesID:        r.seriesID("seriesId"),
			ResidualPremium: field[*big.Int](r, "residualPremium"),
		}
	case EventVaultSettled:
		out = VaultSettled{SeriesID: r.seriesID("seriesId"), Amount: field[*big.Int](r, "amount")}
	case EventInsurancePremiumNotified:
		out = InsurancePremiumNotified{SeriesID: r.seriesID("seriesId"), Amount: field[*big.Int](r, "amount")}
	case EventLiquidated:
		out = Liquidated{
			SeriesID:  r.seriesID("seriesId"),
			Account:   field[common.Address](r, "account"),
			Initiator: field[common.Address](r, "initiator"),
			Size:      field[*big.Int](r, "size"),
			Payout:    field[*big.Int](r, "payout"),
			Penalty:   field[*big.Int](r, "penalty"),
		}
	case EventTransferSingle:
		out = TransferSingle{
			Operator: field[common.Address](r, "operator"),
			From:     field[common.Address](r, "from"),
			To:       field[common.Address](r, "to"),
			ID:       SeriesIDFromBig(field[*big.Int](r, "id")),
			Value:    field[*big.Int](r, "value"),
		}
	case EventTransferBatch:
		ids := field[[]*big.Int](r, "ids")
		values := field[[]*big.Int](r, "values")
		if r.err == nil && len(ids) != len(values) {
			r.err = fmt.Errorf("%w: TransferBatch ids/values length mismatch", ErrMalformedLog)
		}
		batch := TransferBatch{
			Operator: field[common.Address](r, "operator"),
			From:     field[common.Address](r, "from"),
			To:       field[common.Address](r, "to"),
			Values:   values,
		}
		for _, id := range ids {
			batch.IDs = append(batch.IDs, SeriesIDFromBig(id))
		}
		out = batch
	case EventAccountEvaluated:
		out = AccountEvaluated{
			Account:       field[common.Address](r, "account"),
			Equity:        field[*big.Int](r, "equity"),
			Maintenance:   field[*big.Int](r, "maintenance"),
			InLiquidation: field[bool](r, "inLiquidation"),
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
	}

	if r.err != nil {
		return nil, r.err
	}
	return out, nil
}

// fieldReader pulls typed values out of an unpacked log, keeping the first
// type mismatch.
type fieldReader struct {
	event  string
	fields map[string]any
	err    error
}

func field[T any](r *fieldReader, name string) T {
	var zero T
	if r.err != nil {
		return zero
	}
	v, ok := r.fields[name].(T)
	if !ok {
		r.err = fmt.Errorf("%w: %s.%s has type %T", ErrMalformedLog, r.event, name, r.fields[name])
		return zero
	}
	return v
}

func (r *fieldReader) seriesID(name string) SeriesID {
	return SeriesID(field[[32]byte](r, name))
}
