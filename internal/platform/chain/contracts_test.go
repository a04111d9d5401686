package chain_test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/chain/chaintest"
)

type fakeBackend struct {
	calls     map[string][]byte // 4-byte selector -> encoded output
	callErr   error
	transacts []common.Address
	txData    [][]byte
	receipt   *types.Receipt
	txErr     error
}

func (f *fakeBackend) Call(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	out, ok := f.calls[string(data[:4])]
	if !ok {
		return nil, errors.New("unexpected call")
	}
	return out, nil
}

func (f *fakeBackend) Transact(_ context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	f.transacts = append(f.transacts, to)
	f.txData = append(f.txData, data)
	return f.receipt, f.txErr
}

func selector(method string) string {
	if m, ok := chain.MarketABI.Methods[method]; ok {
		return string(m.ID)
	}
	if m, ok := chain.MarginEngineABI.Methods[method]; ok {
		return string(m.ID)
	}
	if m, ok := chain.IVOracleABI.Methods[method]; ok {
		return string(m.ID)
	}
	return string(chain.PriceOracleABI.Methods[method].ID)
}

func testAddrs() chain.Addresses {
	return chain.Addresses{
		Market:       market,
		MarginEngine: margin,
		IVOracle:     common.HexToAddress("0x00000000000000000000000000000000000000a3"),
		PriceOracle:  common.HexToAddress("0x00000000000000000000000000000000000000a4"),
	}
}

func TestContracts_Series(t *testing.T) {
	sid := chaintest.SeriesID(1)
	under, quote := chaintest.Address(1), chaintest.Address(2)
	backend := &fakeBackend{calls: map[string][]byte{
		selector("getSeries"): chaintest.Output(&chain.MarketABI, "getSeries",
			under, quote, big.NewInt(3000), uint64(1_700_000_000), false, uint16(25), false,
			big.NewInt(0), big.NewInt(12), big.NewInt(99)),
		selector("listSeriesIds"): chaintest.Output(&chain.MarketABI, "listSeriesIds", [][32]byte{sid, chaintest.SeriesID(2)}),
		selector("timeToExpiry"):  chaintest.Output(&chain.MarketABI, "timeToExpiry", big.NewInt(3600)),
	}}
	c := chain.NewContracts(backend, testAddrs())
	ctx := context.Background()

	s, err := c.Series(ctx, sid)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if s.ID != sid || s.Underlying != under || s.Quote != quote || s.IsCall || s.BaseFeeBps != 25 {
		t.Errorf("unexpected series: %+v", s)
	}
	if s.ShortOpenInterest.Int64() != 12 || s.Premium.Int64() != 99 {
		t.Errorf("unexpected counters: %+v", s)
	}

	ids, err := c.ListSeriesIDs(ctx)
	if err != nil || len(ids) != 2 || ids[0] != sid {
		t.Fatalf("ListSeriesIDs = %v, %v", ids, err)
	}

	secs, err := c.TimeToExpiry(ctx, sid)
	if err != nil || secs != 3600 {
		t.Fatalf("TimeToExpiry = %d, %v", secs, err)
	}
}

func TestContracts_AccountStatus(t *testing.T) {
	backend := &fakeBackend{calls: map[string][]byte{
		selector("accountStatus"): chaintest.Output(&chain.MarginEngineABI, "accountStatus", big.NewInt(-5), big.NewInt(20), true),
	}}
	c := chain.NewContracts(backend, testAddrs())

	st, err := c.AccountStatus(context.Background(), chaintest.Address(9))
	if err != nil {
		t.Fatalf("AccountStatus: %v", err)
	}
	if st.Equity.Int64() != -5 || st.Maintenance.Int64() != 20 || !st.InLiquidation {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestContracts_TransactTargetsAndErrors(t *testing.T) {
	addrs := testAddrs()
	backend := &fakeBackend{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	c := chain.NewContracts(backend, addrs)
	ctx := context.Background()
	sid := chaintest.SeriesID(3)

	if _, err := c.Settle(ctx, sid); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if _, err := c.SetIV(ctx, sid, big.NewInt(5e17)); err != nil {
		t.Fatalf("SetIV: %v", err)
	}
	if _, err := c.EvaluateAccount(ctx, chaintest.Address(1)); err != nil {
		t.Fatalf("EvaluateAccount: %v", err)
	}

	want := []common.Address{addrs.Market, addrs.IVOracle, addrs.MarginEngine}
	for i, to := range want {
		if backend.transacts[i] != to {
			t.Errorf("transaction %d sent to %s, want %s", i, backend.transacts[i].Hex(), to.Hex())
		}
	}
	if !bytes.Equal(backend.txData[0][:4], chain.MarketABI.Methods["settle"].ID) {
		t.Error("settle selector mismatch")
	}

	backend.txErr = chain.ErrReverted
	_, err := c.Liquidate(ctx, sid, chaintest.Address(1), big.NewInt(1), common.Address{})
	if !errors.Is(err, chain.ErrReverted) {
		t.Fatalf("Liquidate err = %v, want ErrReverted", err)
	}
}

func TestSeries_SettlementEligible(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		s    chain.Series
		want bool
	}{
		{name: "expired unsettled no long OI", s: chain.Series{Expiry: 1_699_999_999, LongOpenInterest: big.NewInt(0)}, want: true},
		{name: "expires exactly now", s: chain.Series{Expiry: 1_700_000_000, LongOpenInterest: big.NewInt(0)}, want: true},
		{name: "not expired", s: chain.Series{Expiry: 1_700_000_001, LongOpenInterest: big.NewInt(0)}},
		{name: "already settled", s: chain.Series{Expiry: 1, Settled: true, LongOpenInterest: big.NewInt(0)}},
		{name: "zero expiry", s: chain.Series{Expiry: 0, LongOpenInterest: big.NewInt(0)}},
		{name: "open long interest", s: chain.Series{Expiry: 1, LongOpenInterest: big.NewInt(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.SettlementEligible(now); got != tt.want {
				t.Errorf("SettlementEligible = %v, want %v", got, tt.want)
			}
		})
	}
}
