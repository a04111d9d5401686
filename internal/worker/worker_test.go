package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/marko911/options-pulse/internal/fixedpoint"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/chain/chaintest"
	"github.com/marko911/options-pulse/internal/platform/storage"
	"github.com/marko911/options-pulse/internal/pricing"
	"github.com/marko911/options-pulse/internal/queue"
)

var (
	sid     = chaintest.SeriesID(1)
	other   = chaintest.SeriesID(2)
	alice   = chaintest.Address(1)
	fixedTS = time.Unix(1_700_000_000, 0).UTC()
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestHandlers_CoverEveryQueue(t *testing.T) {
	h := Handlers(Deps{Chain: newFakeChain(), Store: storage.NewMemoryStore(), Enqueuer: &fakeEnqueuer{}}, DefaultConfig())
	for _, name := range queue.Names {
		if h[name] == nil {
			t.Errorf("no handler for %s", name)
		}
	}
	if len(h) != len(queue.Names) {
		t.Errorf("got %d handlers, want %d", len(h), len(queue.Names))
	}
}

func TestValidation_IsPermanentAndSkipsChain(t *testing.T) {
	fc := newFakeChain()
	st := storage.NewMemoryStore()
	h := Handlers(Deps{Chain: fc, Store: st, Enqueuer: &fakeEnqueuer{}, Logger: discard}, DefaultConfig())

	tests := []struct {
		name    string
		queue   string
		payload any
	}{
		{name: "settlement missing series", queue: queue.Settlement, payload: SettlementPayload{}},
		{name: "settlement short series id", queue: queue.Settlement, payload: SettlementPayload{SeriesID: "0x1234"}},
		{name: "liquidation bad account", queue: queue.Liquidation, payload: LiquidationPayload{SeriesID: sid.Hex(), Account: "bob", Size: "1"}},
		{name: "liquidation zero size", queue: queue.Liquidation, payload: LiquidationPayload{SeriesID: sid.Hex(), Account: alice.Hex(), Size: "0"}},
		{name: "liquidation non numeric size", queue: queue.Liquidation, payload: LiquidationPayload{SeriesID: sid.Hex(), Account: alice.Hex(), Size: "1.5e3"}},
		{name: "liquidation bad receiver", queue: queue.Liquidation, payload: LiquidationPayload{SeriesID: sid.Hex(), Account: alice.Hex(), Size: "1", Receiver: "0x12"}},
		{name: "margin check missing account", queue: queue.MarginCheck, payload: MarginCheckPayload{}},
		{name: "margin check series without size", queue: queue.MarginCheck, payload: MarginCheckPayload{Account: alice.Hex(), SeriesID: sid.Hex()}},
		{name: "iv update negative", queue: queue.IVUpdate, payload: IVUpdatePayload{SeriesID: sid.Hex(), IV: "-1"}},
		{name: "greeks bad series", queue: queue.Greeks, payload: GreeksPayload{SeriesID: "nope"}},
		{name: "risk bad account", queue: queue.RiskRecalc, payload: RiskRecalcPayload{Account: ""}},
		{name: "payload not an object", queue: queue.Settlement, payload: []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h[tt.queue].Handle(context.Background(), job(t, tt.queue, tt.payload))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("err = %v, want ErrInvalidPayload", err)
			}
			if !queue.IsPermanent(err) {
				t.Errorf("validation error should be permanent: %v", err)
			}
		})
	}
	if len(fc.calls) != 0 {
		t.Errorf("chain called on invalid payloads: %v", fc.calls)
	}
}

func TestChainErrors_RevertIsPermanent(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "revert", err: fmt.Errorf("%w: series not expired", chain.ErrReverted), permanent: true},
		{name: "transport", err: errors.New("dial tcp: connection refused")},
		{name: "not connected", err: chain.ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeChain()
			fc.txErr = tt.err
			w := NewIVUpdate(fc, discard)
			_, err := w.Handle(context.Background(), job(t, queue.IVUpdate, IVUpdatePayload{SeriesID: sid.Hex(), IV: "500000000000000000"}))
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want wrapping %v", err, tt.err)
			}
			if got := queue.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestSettlement_ParsesReceipt(t *testing.T) {
	fc := newFakeChain()
	fc.series[sid] = &chain.Series{ID: sid, Expiry: 1, LongOpenInterest: big.NewInt(0)}
	tx := chaintest.TxHash(1)
	at := func(i uint) chaintest.Pos { return chaintest.Pos{Block: 101, Index: i, Tx: tx} }
	foreign := chaintest.SeriesSettled(addrs.MarginEngine, at(0), sid, big.NewInt(1000))
	fc.receipt = receipt(1,
		foreign,
		chaintest.SeriesSettled(addrs.Market, at(1), sid, big.NewInt(5)),
		chaintest.VaultSettled(addrs.Market, at(2), sid, big.NewInt(7)),
		chaintest.InsurancePremiumNotified(addrs.Market, at(3), sid, big.NewInt(3)),
		chaintest.SeriesSettled(addrs.Market, at(4), other, big.NewInt(99)),
	)
	st := storage.NewMemoryStore()
	w := NewSettlement(fc, st, discard)
	w.now = func() time.Time { return fixedTS }

	out, err := w.Handle(context.Background(), job(t, queue.Settlement, SettlementPayload{SeriesID: sid.Hex()}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	res := out.(SettlementResult)
	if res.TxHash != tx.Hex() || res.ResidualPremium != "5" || res.VaultAmount != "7" || res.InsurancePremium != "3" {
		t.Errorf("unexpected result: %+v", res)
	}

	rec, err := st.GetSettlement(context.Background(), sid.Hex())
	if err != nil || rec == nil {
		t.Fatalf("GetSettlement = %v, %v", rec, err)
	}
	if rec.BlockNumber != 101 || rec.ResidualPremium.Int64() != 5 || rec.VaultAmount.Int64() != 7 || rec.InsurancePremium.Int64() != 3 {
		t.Errorf("unexpected settlement: %+v", rec)
	}
	if !rec.SettledAt.Equal(fixedTS) {
		t.Errorf("settled at = %v", rec.SettledAt)
	}

	flows := st.AllInsuranceFlows()
	if len(flows) != 1 {
		t.Fatalf("got %d insurance flows, want 1", len(flows))
	}
	if flows[0].ID != storage.LogID(tx.Hex(), 3) || flows[0].Kind != storage.InsuranceFlowPremium || flows[0].Amount.Int64() != 3 {
		t.Errorf("unexpected flow: %+v", flows[0])
	}
}

func TestSettlement_AlreadySettledSkipsTransaction(t *testing.T) {
	fc := newFakeChain()
	fc.series[sid] = &chain.Series{ID: sid, Expiry: 1, Settled: true}
	st := storage.NewMemoryStore()

	out, err := NewSettlement(fc, st, discard).Handle(context.Background(), job(t, queue.Settlement, SettlementPayload{SeriesID: sid.Hex()}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !out.(SettlementResult).AlreadySettled {
		t.Errorf("result = %+v, want already settled", out)
	}
	if fc.called("Settle") != 0 {
		t.Error("settle sent for a settled series")
	}
	if rec, _ := st.GetSettlement(context.Background(), sid.Hex()); rec != nil {
		t.Errorf("unexpected settlement record %+v", rec)
	}
}

func TestLiquidation_ReturnsTxHash(t *testing.T) {
	fc := newFakeChain()
	out, err := NewLiquidation(fc, discard).Handle(context.Background(), job(t, queue.Liquidation,
		LiquidationPayload{SeriesID: sid.Hex(), Account: alice.Hex(), Size: "1000"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res := out.(TxResult); res.TxHash != chaintest.TxHash(1).Hex() || res.BlockNumber != 101 {
		t.Errorf("unexpected result: %+v", res)
	}
	if fc.called("Liquidate") != 1 {
		t.Errorf("liquidate calls = %d", fc.called("Liquidate"))
	}
}

func TestMarginCheck_Cascade(t *testing.T) {
	tests := []struct {
		name          string
		inLiquidation bool
		payload       MarginCheckPayload
		wantEnqueued  bool
	}{
		{
			name:          "liquidatable with target",
			inLiquidation: true,
			payload:       MarginCheckPayload{Account: alice.Hex(), SeriesID: sid.Hex(), Size: "2500"},
			wantEnqueued:  true,
		},
		{
			name:          "liquidatable without target",
			inLiquidation: true,
			payload:       MarginCheckPayload{Account: alice.Hex()},
		},
		{
			name:    "healthy with target",
			payload: MarginCheckPayload{Account: alice.Hex(), SeriesID: sid.Hex(), Size: "2500"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeChain()
			fc.status = &chain.AccountStatus{Equity: big.NewInt(-10), Maintenance: big.NewInt(50), InLiquidation: tt.inLiquidation}
			enq := &fakeEnqueuer{}

			out, err := NewMarginCheck(fc, storage.NewMemoryStore(), enq, discard).
				Handle(context.Background(), job(t, queue.MarginCheck, tt.payload))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			res := out.(MarginCheckResult)
			if res.InLiquidation != tt.inLiquidation || res.Equity != "-10" {
				t.Errorf("unexpected result: %+v", res)
			}

			if !tt.wantEnqueued {
				if len(enq.jobs) != 0 {
					t.Fatalf("unexpected enqueue: %+v", enq.jobs)
				}
				return
			}
			if len(enq.jobs) != 1 {
				t.Fatalf("got %d enqueues, want 1", len(enq.jobs))
			}
			got := enq.jobs[0]
			want := LiquidationPayload{SeriesID: sid.Hex(), Account: alice.Hex(), Size: "2500"}
			if got.queue != queue.Liquidation || got.payload != want {
				t.Errorf("enqueued %s %+v, want %+v", got.queue, got.payload, want)
			}
			if got.opts.DedupKey != sid.Hex()+":"+alice.Hex() {
				t.Errorf("dedup key = %q", got.opts.DedupKey)
			}
			if res.LiquidationJob != "liq-1" {
				t.Errorf("liquidation job = %q", res.LiquidationJob)
			}
		})
	}
}

func TestMarginCheck_RecordsEventUnderLogID(t *testing.T) {
	fc := newFakeChain()
	tx := chaintest.TxHash(1)
	fc.receipt = receipt(1, chaintest.AccountEvaluated(addrs.MarginEngine,
		chaintest.Pos{Block: 101, Index: 4, Tx: tx}, alice, big.NewInt(80), big.NewInt(50), false))
	fc.status = &chain.AccountStatus{Equity: big.NewInt(80), Maintenance: big.NewInt(50)}
	st := storage.NewMemoryStore()
	w := NewMarginCheck(fc, st, &fakeEnqueuer{}, discard)

	for i := 0; i < 2; i++ {
		if _, err := w.Handle(context.Background(), job(t, queue.MarginCheck, MarginCheckPayload{Account: alice.Hex()})); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	events := st.AllMarginEvents()
	if len(events) != 1 {
		t.Fatalf("got %d margin events, want 1", len(events))
	}
	ev := events[0]
	if ev.ID != storage.LogID(tx.Hex(), 4) || ev.Type != storage.MarginEventCheck || ev.ResultingMargin.Int64() != 80 {
		t.Errorf("unexpected margin event: %+v", ev)
	}
}

func TestMarginCheck_FallbackIDDoesNotCollideWithLogs(t *testing.T) {
	fc := newFakeChain()
	// The receipt carries an unrelated log at index 0 and no AccountEvaluated.
	tx := chaintest.TxHash(2)
	fc.receipt = receipt(2, chaintest.VaultSettled(addrs.Market, chaintest.Pos{Block: 102, Index: 0, Tx: tx}, sid, big.NewInt(1)))
	fc.status = &chain.AccountStatus{Equity: big.NewInt(80), Maintenance: big.NewInt(50)}
	st := storage.NewMemoryStore()
	w := NewMarginCheck(fc, st, &fakeEnqueuer{}, discard)

	if _, err := w.Handle(context.Background(), job(t, queue.MarginCheck, MarginCheckPayload{Account: alice.Hex()})); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	events := st.AllMarginEvents()
	if len(events) != 1 {
		t.Fatalf("got %d margin events, want 1", len(events))
	}
	if id := events[0].ID; id == storage.LogID(tx.Hex(), 0) || id != tx.Hex()+"-margin-check" {
		t.Errorf("margin event id = %q", id)
	}
}

func TestMarginCheck_CascadeDedupsInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()
	q := queue.NewRedisWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), queue.DefaultConfig())
	defer q.Close()

	fc := newFakeChain()
	fc.status = &chain.AccountStatus{Equity: big.NewInt(-1), Maintenance: big.NewInt(1), InLiquidation: true}
	w := NewMarginCheck(fc, storage.NewMemoryStore(), q, discard)
	ctx := context.Background()
	payload := MarginCheckPayload{Account: alice.Hex(), SeriesID: sid.Hex(), Size: "7"}

	first, err := w.Handle(ctx, job(t, queue.MarginCheck, payload))
	if err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	second, err := w.Handle(ctx, job(t, queue.MarginCheck, payload))
	if err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	a, b := first.(MarginCheckResult), second.(MarginCheckResult)
	if a.Deduplicated || !b.Deduplicated || a.LiquidationJob != b.LiquidationJob {
		t.Errorf("results = %+v / %+v", a, b)
	}

	counts, err := q.Counts(ctx, queue.Liquidation)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts.Waiting != 1 {
		t.Errorf("waiting liquidations = %d, want 1", counts.Waiting)
	}

	j, err := q.Dequeue(ctx, queue.Liquidation, "test", 0)
	if err != nil || j == nil {
		t.Fatalf("Dequeue = %v, %v", j, err)
	}
	var got LiquidationPayload
	if err := j.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Account != alice.Hex() || got.SeriesID != sid.Hex() || got.Size != "7" {
		t.Errorf("liquidation payload = %+v", got)
	}
}

func greeksChain() *fakeChain {
	fc := newFakeChain()
	fc.series[sid] = &chain.Series{
		ID:                sid,
		Underlying:        chaintest.Address(9),
		Strike:            fixedpoint.Units(100),
		IsCall:            true,
		LongOpenInterest:  big.NewInt(11),
		ShortOpenInterest: big.NewInt(4),
	}
	fc.tte = secondsPerYear
	fc.spot = fixedpoint.Units(100)
	fc.iv = fixedpoint.FromFloat(0.5)
	return fc
}

func TestGreeks_UpsertsMetric(t *testing.T) {
	fc := greeksChain()
	st := storage.NewMemoryStore()
	w := NewGreeks(fc, st, Config{RiskFreeRate: 0.05}, discard)
	w.now = func() time.Time { return fixedTS }

	if _, err := w.Handle(context.Background(), job(t, queue.Greeks, GreeksPayload{SeriesID: sid.Hex()})); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	m, err := st.GetSeriesMetric(context.Background(), sid.Hex())
	if err != nil || m == nil {
		t.Fatalf("GetSeriesMetric = %v, %v", m, err)
	}
	want := pricing.BlackScholes(pricing.Inputs{IsCall: true, Spot: 100, Strike: 100, Time: 1, Volatility: 0.5, Rate: 0.05})
	if !approx(m.MarkPrice, want.Price) || !approx(m.Delta, want.Delta) || !approx(m.Vega, want.Vega) {
		t.Errorf("metric = %+v, want %+v", m, want)
	}
	if m.Spot != 100 || m.MarkIV != 0.5 || m.LongOpenInterest.Int64() != 11 || m.ShortOpenInterest.Int64() != 4 {
		t.Errorf("unexpected metric fields: %+v", m)
	}
	if !m.UpdatedAt.Equal(fixedTS) {
		t.Errorf("updated at = %v", m.UpdatedAt)
	}
}

func TestGreeks_Skips(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeChain)
		want   string
	}{
		{name: "expired", mutate: func(fc *fakeChain) { fc.tte = 0 }, want: "expired"},
		{name: "zero spot", mutate: func(fc *fakeChain) { fc.spot = big.NewInt(0) }, want: "non_positive_input"},
		{name: "zero iv", mutate: func(fc *fakeChain) { fc.iv = big.NewInt(0) }, want: "non_positive_input"},
		{name: "zero strike", mutate: func(fc *fakeChain) { fc.series[sid].Strike = big.NewInt(0) }, want: "non_positive_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := greeksChain()
			tt.mutate(fc)
			st := storage.NewMemoryStore()

			out, err := NewGreeks(fc, st, DefaultConfig(), discard).Handle(context.Background(), job(t, queue.Greeks, GreeksPayload{SeriesID: sid.Hex()}))
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got := out.(GreeksResult).Skipped; got != tt.want {
				t.Errorf("skipped = %q, want %q", got, tt.want)
			}
			if m, _ := st.GetSeriesMetric(context.Background(), sid.Hex()); m != nil {
				t.Errorf("metric written: %+v", m)
			}
		})
	}
}

func seedPosition(t *testing.T, st storage.Store, series string, typ storage.PositionType, size, avg int64) {
	t.Helper()
	err := st.UpsertPosition(context.Background(), &storage.Position{
		PositionKey: storage.PositionKey{User: alice.Hex(), SeriesID: series, Type: typ},
		Size:        fixedpoint.Units(size),
		AvgPrice:    fixedpoint.Units(avg),
		LastUpdated: fixedTS,
	})
	if err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}
}

func TestRiskRecalc_AggregatesMetrics(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	under := chaintest.Address(9).Hex()
	for _, id := range []chain.SeriesID{sid, other} {
		if err := st.UpsertSeries(ctx, &storage.Series{ID: id.Hex(), Underlying: under, Strike: fixedpoint.Units(100), Expiry: 2_000_000_000}); err != nil {
			t.Fatal(err)
		}
	}
	seedPosition(t, st, sid.Hex(), storage.PositionLong, 10, 7)
	seedPosition(t, st, other.Hex(), storage.PositionShort, 2, 6)
	for _, m := range []storage.SeriesMetric{
		{SeriesID: sid.Hex(), Spot: 100, MarkPrice: 8, Delta: 0.5, Gamma: 0.01, Vega: 20},
		{SeriesID: other.Hex(), Spot: 100, MarkPrice: 5, Delta: 0.4, Gamma: 0.02, Vega: 15},
	} {
		if err := st.UpsertSeriesMetric(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}

	fc := newFakeChain()
	fc.status = &chain.AccountStatus{Equity: fixedpoint.Units(100), Maintenance: big.NewInt(0)}
	w := NewRiskRecalc(fc, st, DefaultConfig(), discard)
	w.now = func() time.Time { return fixedTS }

	if _, err := w.Handle(ctx, job(t, queue.RiskRecalc, RiskRecalcPayload{Account: alice.Hex()})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	snap, err := st.LatestRiskSnapshot(ctx, alice.Hex())
	if err != nil || snap == nil {
		t.Fatalf("LatestRiskSnapshot = %v, %v", snap, err)
	}

	if !approx(snap.NetDelta, 4.2) || !approx(snap.NetGamma, 0.06) || !approx(snap.NetVega, 170) {
		t.Errorf("greeks = %v / %v / %v", snap.NetDelta, snap.NetGamma, snap.NetVega)
	}
	// short 2 @ (mark 5 + 0.1 * spot 100)
	if !approx(snap.MarginRequired, 30) || !approx(snap.MarginAvailable, 100) {
		t.Errorf("margin = %v / %v", snap.MarginRequired, snap.MarginAvailable)
	}
	if snap.AlertLevel != storage.AlertOK || snap.PositionCount != 2 || snap.ID == "" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.LiquidationPrice == nil || !approx(*snap.LiquidationPrice, 100-70/4.2) {
		t.Errorf("liquidation price = %v", snap.LiquidationPrice)
	}
}

func TestRiskRecalc_FallsBackWithoutMetric(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemoryStore()
	seedPosition(t, st, sid.Hex(), storage.PositionShort, 3, 2)

	fc := newFakeChain()
	fc.status = &chain.AccountStatus{Equity: fixedpoint.Units(5), Maintenance: big.NewInt(0)}
	out, err := NewRiskRecalc(fc, st, DefaultConfig(), discard).Handle(ctx, job(t, queue.RiskRecalc, RiskRecalcPayload{Account: alice.Hex()}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	snap := out.(*storage.RiskSnapshot)
	if !approx(snap.NetDelta, -3) || snap.NetGamma != 0 || !approx(snap.MarginRequired, 6) {
		t.Errorf("unexpected aggregates: %+v", snap)
	}
	if snap.AlertLevel != storage.AlertCritical {
		t.Errorf("alert = %s, want CRITICAL", snap.AlertLevel)
	}
	if snap.LiquidationPrice != nil {
		t.Errorf("liquidation price without spot: %v", *snap.LiquidationPrice)
	}
}

func TestAlertLevel(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		required, available float64
		want                storage.AlertLevel
	}{
		{0, 0, storage.AlertOK},
		{10, 100, storage.AlertOK},
		{80, 100, storage.AlertWarning},
		{100, 100, storage.AlertCritical},
		{1, 0, storage.AlertCritical},
		{1, -5, storage.AlertCritical},
	}
	for _, tt := range tests {
		if got := alertLevel(tt.required, tt.available, cfg); got != tt.want {
			t.Errorf("alertLevel(%v, %v) = %s, want %s", tt.required, tt.available, got, tt.want)
		}
	}
}
