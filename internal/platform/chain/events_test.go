package chain_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/chain/chaintest"
)

var (
	market = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	margin = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

func TestDecoder_Decode(t *testing.T) {
	dec := chain.NewDecoder(market, margin)
	pos := chaintest.Pos{Block: 10, Index: 1, Tx: chaintest.TxHash(1)}
	sid := chaintest.SeriesID(1)
	alice, bob := chaintest.Address(1), chaintest.Address(2)

	tests := []struct {
		name  string
		log   types.Log
		check func(t *testing.T, ev chain.Event)
	}{
		{
			name: "trade",
			log:  chaintest.TradeExecuted(market, pos, sid, alice, true, big.NewInt(10), big.NewInt(1000), big.NewInt(3)),
			check: func(t *testing.T, ev chain.Event) {
				tr, ok := ev.(chain.TradeExecuted)
				if !ok {
					t.Fatalf("got %T", ev)
				}
				if tr.SeriesID != sid || tr.Trader != alice || !tr.IsBuy {
					t.Errorf("unexpected header fields: %+v", tr)
				}
				if tr.Size.Int64() != 10 || tr.Premium.Int64() != 1000 || tr.Fee.Int64() != 3 {
					t.Errorf("unexpected amounts: %+v", tr)
				}
			},
		},
		{
			name: "series created",
			log:  chaintest.SeriesCreated(market, pos, sid, alice, bob, big.NewInt(3000), 1_700_000_000, true),
			check: func(t *testing.T, ev chain.Event) {
				sc := ev.(chain.SeriesCreated)
				if sc.Expiry != 1_700_000_000 || !sc.IsCall || sc.Strike.Int64() != 3000 || sc.BaseFeeBps != 30 {
					t.Errorf("unexpected series: %+v", sc)
				}
			},
		},
		{
			name: "liquidated has three indexed args",
			log:  chaintest.Liquidated(market, pos, sid, alice, bob, big.NewInt(4), big.NewInt(5), big.NewInt(6)),
			check: func(t *testing.T, ev chain.Event) {
				l := ev.(chain.Liquidated)
				if l.Account != alice || l.Initiator != bob || l.Penalty.Int64() != 6 {
					t.Errorf("unexpected liquidation: %+v", l)
				}
			},
		},
		{
			name: "transfer single maps token id to series id",
			log:  chaintest.TransferSingle(market, pos, bob, alice, bob, sid, big.NewInt(7)),
			check: func(t *testing.T, ev chain.Event) {
				tr := ev.(chain.TransferSingle)
				if tr.ID != sid || tr.From != alice || tr.To != bob || tr.Value.Int64() != 7 {
					t.Errorf("unexpected transfer: %+v", tr)
				}
			},
		},
		{
			name: "transfer batch",
			log: chaintest.TransferBatch(market, pos, bob, alice, bob,
				[]chain.SeriesID{sid, chaintest.SeriesID(2)}, []*big.Int{big.NewInt(1), big.NewInt(2)}),
			check: func(t *testing.T, ev chain.Event) {
				tb := ev.(chain.TransferBatch)
				if len(tb.IDs) != 2 || tb.IDs[1] != chaintest.SeriesID(2) || tb.Values[1].Int64() != 2 {
					t.Errorf("unexpected batch: %+v", tb)
				}
			},
		},
		{
			name: "margin engine account evaluated with negative equity",
			log:  chaintest.AccountEvaluated(margin, pos, alice, big.NewInt(-50), big.NewInt(100), true),
			check: func(t *testing.T, ev chain.Event) {
				ae := ev.(chain.AccountEvaluated)
				if ae.Account != alice || ae.Equity.Int64() != -50 || !ae.InLiquidation {
					t.Errorf("unexpected evaluation: %+v", ae)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := dec.Decode(tt.log)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestDecoder_Errors(t *testing.T) {
	dec := chain.NewDecoder(market, margin)
	pos := chaintest.Pos{Block: 1, Tx: chaintest.TxHash(1)}
	good := chaintest.SeriesSettled(market, pos, chaintest.SeriesID(1), big.NewInt(1))

	foreign := good
	foreign.Address = common.HexToAddress("0x00000000000000000000000000000000000000ff")

	unknown := good
	unknown.Topics = []common.Hash{common.HexToHash("0xdeadbeef"), good.Topics[1]}

	// A market event emitted by the margin engine address is unknown to its ABI.
	wrongABI := good
	wrongABI.Address = margin

	truncated := good
	truncated.Data = good.Data[:5]

	missingTopic := good
	missingTopic.Topics = good.Topics[:1]

	tests := []struct {
		name string
		log  types.Log
		want error
	}{
		{name: "unmonitored contract", log: foreign, want: chain.ErrUnknownContract},
		{name: "unknown topic", log: unknown, want: chain.ErrUnknownEvent},
		{name: "wrong contract abi", log: wrongABI, want: chain.ErrUnknownEvent},
		{name: "no topics", log: types.Log{Address: market}, want: chain.ErrUnknownEvent},
		{name: "truncated data", log: truncated, want: chain.ErrMalformedLog},
		{name: "missing indexed topic", log: missingTopic, want: chain.ErrMalformedLog},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dec.Decode(tt.log)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseSeriesID(t *testing.T) {
	id := chaintest.SeriesID(42)

	got, err := chain.ParseSeriesID(id.Hex())
	if err != nil || got != id {
		t.Fatalf("round trip = %s, %v", got, err)
	}

	for _, bad := range []string{"", "0x1234", "abcd", "0x" + string(make([]byte, 64)), id.Hex() + "00"} {
		if _, err := chain.ParseSeriesID(bad); !errors.Is(err, chain.ErrInvalidSeriesID) {
			t.Errorf("ParseSeriesID(%q) err = %v", bad, err)
		}
	}

	if chain.SeriesIDFromBig(id.Big()) != id {
		t.Error("uint256 round trip mismatch")
	}
}
