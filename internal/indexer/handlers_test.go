package indexer

import (
	"context"
	"math/big"
	"testing"

	"github.com/marko911/options-pulse/internal/fixedpoint"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/chain/chaintest"
	"github.com/marko911/options-pulse/internal/platform/storage"
)

func TestHandlers_CloseAndSettle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(61, 1000)
	h.chain.add(
		chaintest.SeriesCreated(market, at(60, 0), sid, chaintest.Address(100), chaintest.Address(101), fixedpoint.Units(10), 1_800_000_000, true),
		chaintest.TradeExecuted(market, at(60, 1), sid, bob, false, fixedpoint.Units(10), fixedpoint.Units(20), big.NewInt(0)),
		chaintest.TradeExecuted(market, at(60, 2), sid, alice, true, fixedpoint.Units(10), fixedpoint.Units(20), big.NewInt(0)),
		chaintest.PositionClosed(market, at(61, 0), sid, bob, false, fixedpoint.Units(4), big.NewInt(0)),
		chaintest.PositionClosed(market, at(61, 1), sid, alice, true, fixedpoint.Units(10), fixedpoint.Units(3)),
		chaintest.SeriesSettled(market, at(61, 2), sid, fixedpoint.Units(1)),
	)

	sum, err := h.ix.ProcessRange(ctx, 60, 61)
	if err != nil {
		t.Fatalf("ProcessRange: %v", err)
	}
	if sum.Handled != 6 {
		t.Fatalf("summary = %+v", sum)
	}

	short, _ := h.store.GetPosition(ctx, storage.PositionKey{User: bob.Hex(), SeriesID: sid.Hex(), Type: storage.PositionShort}, false)
	if short == nil || short.Size.Cmp(fixedpoint.Units(6)) != 0 {
		t.Errorf("bob short = %+v", short)
	}
	long, _ := h.store.GetPosition(ctx, storage.PositionKey{User: alice.Hex(), SeriesID: sid.Hex(), Type: storage.PositionLong}, false)
	if long != nil {
		t.Errorf("alice long should be closed, got %+v", long)
	}

	s, _ := h.store.GetSeries(ctx, sid.Hex())
	if !s.Settled {
		t.Error("series not marked settled")
	}
	if s.LongOpenInterest.Sign() != 0 || s.ShortOpenInterest.Cmp(fixedpoint.Units(6)) != 0 {
		t.Errorf("open interest = %s / %s", s.LongOpenInterest, s.ShortOpenInterest)
	}
}

func TestHandlers_CloseLoadsUnseenSeries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(62, 1000)
	h.series.series[sid] = &chain.Series{
		ID:         sid,
		Underlying: chaintest.Address(100),
		Quote:      chaintest.Address(101),
		Strike:     fixedpoint.Units(10),
		Expiry:     1_800_000_000,
		IsCall:     true,
	}
	h.chain.add(chaintest.PositionClosed(market, at(62, 0), sid, bob, false, fixedpoint.Units(4), big.NewInt(0)))

	sum, err := h.ix.ProcessRange(ctx, 62, 62)
	if err != nil {
		t.Fatalf("ProcessRange: %v", err)
	}
	if sum.Handled != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if h.series.reads != 1 {
		t.Errorf("series read %d times, want 1", h.series.reads)
	}
	s, _ := h.store.GetSeries(ctx, sid.Hex())
	if s == nil || s.Strike.Cmp(fixedpoint.Units(10)) != 0 {
		t.Fatalf("series = %+v", s)
	}
}

func TestHandlers_TransferBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(70, 1000)
	other := chaintest.SeriesID(2)
	h.chain.add(
		chaintest.SeriesCreated(market, at(70, 0), sid, chaintest.Address(100), chaintest.Address(101), big.NewInt(1), 1_800_000_000, true),
		chaintest.SeriesCreated(market, at(70, 1), other, chaintest.Address(100), chaintest.Address(101), big.NewInt(2), 1_800_000_000, false),
		chaintest.TradeExecuted(market, at(70, 2), sid, alice, true, fixedpoint.Units(4), fixedpoint.Units(40), big.NewInt(0)),
		chaintest.TradeExecuted(market, at(70, 3), other, alice, true, fixedpoint.Units(2), fixedpoint.Units(10), big.NewInt(0)),
		chaintest.TransferBatch(market, at(70, 4), alice, alice, bob,
			[]chain.SeriesID{sid, other}, []*big.Int{fixedpoint.Units(1), fixedpoint.Units(2)}),
	)

	if _, err := h.ix.ProcessRange(ctx, 70, 70); err != nil {
		t.Fatalf("ProcessRange: %v", err)
	}

	tests := []struct {
		user     string
		series   chain.SeriesID
		wantSize int64 // 0 means no position
		wantAvg  int64
	}{
		{alice.Hex(), sid, 3, 10},
		{bob.Hex(), sid, 1, 10},
		{alice.Hex(), other, 0, 0},
		{bob.Hex(), other, 2, 5},
	}
	for _, tt := range tests {
		p, _ := h.store.GetPosition(ctx, storage.PositionKey{User: tt.user, SeriesID: tt.series.Hex(), Type: storage.PositionLong}, false)
		if tt.wantSize == 0 {
			if p != nil {
				t.Errorf("%s/%s should be empty, got %+v", tt.user, tt.series, p)
			}
			continue
		}
		if p == nil || p.Size.Cmp(fixedpoint.Units(tt.wantSize)) != 0 || p.AvgPrice.Cmp(fixedpoint.Units(tt.wantAvg)) != 0 {
			t.Errorf("%s/%s = %+v, want %d @ %d", tt.user, tt.series, p, tt.wantSize, tt.wantAvg)
		}
	}
}

func TestEventSubject(t *testing.T) {
	seriesID, account := eventSubject(chain.Liquidated{SeriesID: sid, Account: bob, Initiator: alice})
	if seriesID != sid.Hex() || account != bob.Hex() {
		t.Errorf("liquidated subject = %s, %s", seriesID, account)
	}
	seriesID, account = eventSubject(chain.TransferBatch{To: alice, IDs: []chain.SeriesID{sid, chaintest.SeriesID(2)}})
	if seriesID != "" || account != alice.Hex() {
		t.Errorf("multi-series batch subject = %q, %s", seriesID, account)
	}
}
