package storage

import (
	"context"
	"maps"
	"math/big"
	"slices"
	"sort"
	"sync"
	"time"
)

// memState holds the tables of a MemoryStore. Stored values are copies and
// their big.Int fields are never mutated in place, so cloning the maps is
// enough to snapshot the state.
type memState struct {
	checkpoints  map[string]Checkpoint
	processed    map[string]ProcessedLog
	series       map[string]Series
	trades       map[string]Trade
	tradeOrder   []string
	positions    map[PositionKey]Position
	marginEvents map[string]MarginEvent
	marginOrder  []string
	liquidations map[string]Liquidation
	liqOrder     []string
	snapshots    []RiskSnapshot
	metrics      map[string]SeriesMetric
	settlements  map[string]Settlement
	insurance    map[string]InsuranceFlow
}

func newMemState() *memState {
	return &memState{
		checkpoints:  make(map[string]Checkpoint),
		processed:    make(map[string]ProcessedLog),
		series:       make(map[string]Series),
		trades:       make(map[string]Trade),
		positions:    make(map[PositionKey]Position),
		marginEvents: make(map[string]MarginEvent),
		liquidations: make(map[string]Liquidation),
		metrics:      make(map[string]SeriesMetric),
		settlements:  make(map[string]Settlement),
		insurance:    make(map[string]InsuranceFlow),
	}
}

func (st *memState) clone() *memState {
	return &memState{
		checkpoints:  maps.Clone(st.checkpoints),
		processed:    maps.Clone(st.processed),
		series:       maps.Clone(st.series),
		trades:       maps.Clone(st.trades),
		tradeOrder:   slices.Clone(st.tradeOrder),
		positions:    maps.Clone(st.positions),
		marginEvents: maps.Clone(st.marginEvents),
		marginOrder:  slices.Clone(st.marginOrder),
		liquidations: maps.Clone(st.liquidations),
		liqOrder:     slices.Clone(st.liqOrder),
		snapshots:    slices.Clone(st.snapshots),
		metrics:      maps.Clone(st.metrics),
		settlements:  maps.Clone(st.settlements),
		insurance:    maps.Clone(st.insurance),
	}
}

// MemoryStore is an in-process Store. Transactions are serialised: WithTx
// holds the store lock for the duration of fn and works on a copy of the
// state that replaces the original only when fn succeeds.
type MemoryStore struct {
	mu    *sync.Mutex
	state *memState
	inTx  bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mu: &sync.Mutex{}, state: newMemState()}
}

func (m *MemoryStore) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	unlock := m.lock()
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	child := &MemoryStore{mu: m.mu, state: m.state.clone(), inTx: true}
	if err := fn(child); err != nil {
		return err
	}
	m.state = child.state
	return nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, id string) (*Checkpoint, error) {
	defer m.lock()()
	c, ok := m.state.checkpoints[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, id string, block uint64) error {
	defer m.lock()()
	if c, ok := m.state.checkpoints[id]; ok && c.LastProcessedBlock > block {
		return nil
	}
	m.state.checkpoints[id] = Checkpoint{ID: id, LastProcessedBlock: block, UpdatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) MarkLogProcessed(_ context.Context, l *ProcessedLog) (bool, error) {
	defer m.lock()()
	if _, ok := m.state.processed[l.ID]; ok {
		return false, nil
	}
	rec := *l
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	m.state.processed[l.ID] = rec
	return true, nil
}

func (m *MemoryStore) GetSeries(_ context.Context, id string) (*Series, error) {
	defer m.lock()()
	s, ok := m.state.series[id]
	if !ok {
		return nil, nil
	}
	return copySeries(s), nil
}

func (m *MemoryStore) UpsertSeries(_ context.Context, s *Series) error {
	defer m.lock()()
	now := time.Now().UTC()
	existing, ok := m.state.series[s.ID]
	if !ok {
		rec := *copySeries(*s)
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		m.state.series[s.ID] = rec
		return nil
	}
	if existing.Settled {
		return nil
	}
	existing.Underlying = s.Underlying
	existing.Quote = s.Quote
	existing.Strike = orZero(s.Strike)
	existing.Expiry = s.Expiry
	existing.IsCall = s.IsCall
	existing.BaseFeeBps = s.BaseFeeBps
	existing.Settled = s.Settled
	existing.UpdatedAt = now
	m.state.series[s.ID] = existing
	return nil
}

func (m *MemoryStore) SetSeriesSettled(_ context.Context, id string, at time.Time) error {
	defer m.lock()()
	s, ok := m.state.series[id]
	if !ok {
		return nil
	}
	s.Settled = true
	s.UpdatedAt = at
	m.state.series[id] = s
	return nil
}

func (m *MemoryStore) AdjustOpenInterest(_ context.Context, id string, longDelta, shortDelta, premiumDelta *big.Int) error {
	defer m.lock()()
	s, ok := m.state.series[id]
	if !ok || s.Settled {
		return nil
	}
	s.LongOpenInterest = addFloor(s.LongOpenInterest, longDelta)
	s.ShortOpenInterest = addFloor(s.ShortOpenInterest, shortDelta)
	s.CumulativePremium = addFloor(s.CumulativePremium, premiumDelta)
	s.UpdatedAt = time.Now().UTC()
	m.state.series[id] = s
	return nil
}

func (m *MemoryStore) ListSeries(_ context.Context) ([]Series, error) {
	defer m.lock()()
	out := make([]Series, 0, len(m.state.series))
	for _, s := range m.state.series {
		out = append(out, *copySeries(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Expiry != out[j].Expiry {
			return out[i].Expiry < out[j].Expiry
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) InsertTrade(_ context.Context, t *Trade) (bool, error) {
	defer m.lock()()
	if _, ok := m.state.trades[t.ID]; ok {
		return false, nil
	}
	rec := *t
	rec.Size, rec.Premium, rec.Fee = orZero(t.Size), orZero(t.Premium), orZero(t.Fee)
	m.state.trades[t.ID] = rec
	m.state.tradeOrder = append(m.state.tradeOrder, t.ID)
	return true, nil
}

func (m *MemoryStore) ListTradesBySeries(_ context.Context, seriesID string) ([]Trade, error) {
	defer m.lock()()
	var out []Trade
	for _, id := range m.state.tradeOrder {
		if t := m.state.trades[id]; t.SeriesID == seriesID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (m *MemoryStore) GetPosition(_ context.Context, key PositionKey, _ bool) (*Position, error) {
	defer m.lock()()
	p, ok := m.state.positions[key]
	if !ok {
		return nil, nil
	}
	return copyPosition(p), nil
}

func (m *MemoryStore) UpsertPosition(_ context.Context, p *Position) error {
	defer m.lock()()
	m.state.positions[p.PositionKey] = *copyPosition(*p)
	return nil
}

func (m *MemoryStore) DeletePosition(_ context.Context, key PositionKey) error {
	defer m.lock()()
	delete(m.state.positions, key)
	return nil
}

func (m *MemoryStore) ListPositionsByUser(_ context.Context, user string) ([]Position, error) {
	defer m.lock()()
	var out []Position
	for k, p := range m.state.positions {
		if k.User == user {
			out = append(out, *copyPosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SeriesID != out[j].SeriesID {
			return out[i].SeriesID < out[j].SeriesID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (m *MemoryStore) ListPositionHolders(_ context.Context, typ *PositionType) ([]string, error) {
	defer m.lock()()
	seen := make(map[string]struct{})
	for k := range m.state.positions {
		if typ == nil || k.Type == *typ {
			seen[k.User] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (m *MemoryStore) InsertMarginEvent(_ context.Context, e *MarginEvent) (bool, error) {
	defer m.lock()()
	if _, ok := m.state.marginEvents[e.ID]; ok {
		return false, nil
	}
	rec := *e
	rec.SizeDelta = orZero(e.SizeDelta)
	rec.Metadata = maps.Clone(e.Metadata)
	m.state.marginEvents[e.ID] = rec
	m.state.marginOrder = append(m.state.marginOrder, e.ID)
	return true, nil
}

func (m *MemoryStore) ListMarginEvents(_ context.Context, account string) ([]MarginEvent, error) {
	defer m.lock()()
	var out []MarginEvent
	for _, id := range m.state.marginOrder {
		if e := m.state.marginEvents[id]; e.Account == account {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertLiquidation(_ context.Context, l *Liquidation) (bool, error) {
	defer m.lock()()
	if _, ok := m.state.liquidations[l.ID]; ok {
		return false, nil
	}
	rec := *l
	rec.Size, rec.Payout, rec.Penalty = orZero(l.Size), orZero(l.Payout), orZero(l.Penalty)
	m.state.liquidations[l.ID] = rec
	m.state.liqOrder = append(m.state.liqOrder, l.ID)
	return true, nil
}

func (m *MemoryStore) ListLiquidations(_ context.Context, account string) ([]Liquidation, error) {
	defer m.lock()()
	var out []Liquidation
	for _, id := range m.state.liqOrder {
		if l := m.state.liquidations[id]; l.Account == account {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryStore) InsertRiskSnapshot(_ context.Context, r *RiskSnapshot) error {
	defer m.lock()()
	m.state.snapshots = append(m.state.snapshots, *r)
	return nil
}

func (m *MemoryStore) LatestRiskSnapshot(_ context.Context, account string) (*RiskSnapshot, error) {
	defer m.lock()()
	var latest *RiskSnapshot
	for i := range m.state.snapshots {
		r := m.state.snapshots[i]
		if r.Account != account {
			continue
		}
		if latest == nil || !r.Timestamp.Before(latest.Timestamp) {
			latest = &r
		}
	}
	return latest, nil
}

func (m *MemoryStore) GetSeriesMetric(_ context.Context, seriesID string) (*SeriesMetric, error) {
	defer m.lock()()
	sm, ok := m.state.metrics[seriesID]
	if !ok {
		return nil, nil
	}
	return &sm, nil
}

func (m *MemoryStore) UpsertSeriesMetric(_ context.Context, sm *SeriesMetric) error {
	defer m.lock()()
	rec := *sm
	rec.LongOpenInterest, rec.ShortOpenInterest = orZero(sm.LongOpenInterest), orZero(sm.ShortOpenInterest)
	m.state.metrics[sm.SeriesID] = rec
	return nil
}

func (m *MemoryStore) UpsertSettlement(_ context.Context, s *Settlement) error {
	defer m.lock()()
	rec := *s
	rec.ResidualPremium, rec.VaultAmount, rec.InsurancePremium = orZero(s.ResidualPremium), orZero(s.VaultAmount), orZero(s.InsurancePremium)
	m.state.settlements[s.SeriesID] = rec
	return nil
}

func (m *MemoryStore) GetSettlement(_ context.Context, seriesID string) (*Settlement, error) {
	defer m.lock()()
	s, ok := m.state.settlements[seriesID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) InsertInsuranceFlow(_ context.Context, f *InsuranceFlow) (bool, error) {
	defer m.lock()()
	if _, ok := m.state.insurance[f.ID]; ok {
		return false, nil
	}
	rec := *f
	rec.Amount = orZero(f.Amount)
	m.state.insurance[f.ID] = rec
	return true, nil
}

// AllPositions returns every position, ordered by key.
func (m *MemoryStore) AllPositions() []Position {
	defer m.lock()()
	out := make([]Position, 0, len(m.state.positions))
	for _, p := range m.state.positions {
		out = append(out, *copyPosition(p))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].PositionKey, out[j].PositionKey
		if a.User != b.User {
			return a.User < b.User
		}
		if a.SeriesID != b.SeriesID {
			return a.SeriesID < b.SeriesID
		}
		return a.Type < b.Type
	})
	return out
}

// AllTrades returns every trade in insertion order.
func (m *MemoryStore) AllTrades() []Trade {
	defer m.lock()()
	out := make([]Trade, 0, len(m.state.tradeOrder))
	for _, id := range m.state.tradeOrder {
		out = append(out, m.state.trades[id])
	}
	return out
}

// AllMarginEvents returns every margin event in insertion order.
func (m *MemoryStore) AllMarginEvents() []MarginEvent {
	defer m.lock()()
	out := make([]MarginEvent, 0, len(m.state.marginOrder))
	for _, id := range m.state.marginOrder {
		out = append(out, m.state.marginEvents[id])
	}
	return out
}

// AllLiquidations returns every liquidation in insertion order.
func (m *MemoryStore) AllLiquidations() []Liquidation {
	defer m.lock()()
	out := make([]Liquidation, 0, len(m.state.liqOrder))
	for _, id := range m.state.liqOrder {
		out = append(out, m.state.liquidations[id])
	}
	return out
}

// AllInsuranceFlows returns every insurance flow ordered by id.
func (m *MemoryStore) AllInsuranceFlows() []InsuranceFlow {
	defer m.lock()()
	out := slices.Collect(maps.Values(m.state.insurance))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copySeries(s Series) *Series {
	s.Strike = orZero(s.Strike)
	s.LongOpenInterest = orZero(s.LongOpenInterest)
	s.ShortOpenInterest = orZero(s.ShortOpenInterest)
	s.CumulativePremium = orZero(s.CumulativePremium)
	return &s
}

func copyPosition(p Position) *Position {
	p.Size = orZero(p.Size)
	p.AvgPrice = orZero(p.AvgPrice)
	p.UnrealizedPnL = orZero(p.UnrealizedPnL)
	p.RealizedPnL = orZero(p.RealizedPnL)
	return &p
}

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

func addFloor(a, delta *big.Int) *big.Int {
	out := new(big.Int).Add(orZero(a), orZero(delta))
	if out.Sign() < 0 {
		return out.SetInt64(0)
	}
	return out
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
