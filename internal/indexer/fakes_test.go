package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/fanout"
	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/chain/chaintest"
	"github.com/marko911/options-pulse/internal/platform/storage"
)

var (
	market = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	margin = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	alice  = chaintest.Address(1)
	bob    = chaintest.Address(2)
	sid    = chaintest.SeriesID(1)

	errRPC = errors.New("rpc unavailable")
)

type rangeCall struct {
	addr     common.Address
	from, to uint64
}

type fakeChain struct {
	mu         sync.Mutex
	head       uint64
	logs       map[common.Address][]types.Log
	failFrom   uint64 // FilterLogs fails for ranges starting at or after this block
	blockErr   error
	calls      []rangeCall
	blockReads map[uint64]int

	// headGate, when set, blocks BlockNumber until closed.
	headGate chan struct{}
	entered  chan struct{}
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{head: head, logs: make(map[common.Address][]types.Log), blockReads: make(map[uint64]int)}
}

func (f *fakeChain) add(logs ...types.Log) {
	for _, l := range logs {
		f.logs[l.Address] = append(f.logs[l.Address], l)
	}
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	if f.headGate != nil {
		f.entered <- struct{}{}
		<-f.headGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) BlockTimestamp(_ context.Context, n uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.blockErr != nil {
		return 0, f.blockErr
	}
	f.blockReads[n]++
	return 1_700_000_000 + n*12, nil
}

// FilterLogs returns the address's logs in the range in reverse order so
// tests exercise the indexer's own sorting.
func (f *fakeChain) FilterLogs(_ context.Context, addr common.Address, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rangeCall{addr: addr, from: from, to: to})
	if f.failFrom != 0 && from >= f.failFrom {
		return nil, errRPC
	}
	var out []types.Log
	all := f.logs[addr]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].BlockNumber >= from && all[i].BlockNumber <= to {
			out = append(out, all[i])
		}
	}
	return out, nil
}

type fakeSeries struct {
	series map[chain.SeriesID]*chain.Series
	err    error
	reads  int
}

func (f *fakeSeries) Series(_ context.Context, id chain.SeriesID) (*chain.Series, error) {
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.series[id]
	if !ok {
		return nil, errors.New("series not found")
	}
	return s, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []fanout.IndexedEvent
}

func (c *capturePublisher) PublishEvent(_ context.Context, ev fanout.IndexedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) PublishJobResult(context.Context, fanout.JobResult) error { return nil }
func (c *capturePublisher) Close() error                                            { return nil }

type harness struct {
	ix     *Indexer
	chain  *fakeChain
	series *fakeSeries
	store  *storage.MemoryStore
	pub    *capturePublisher
}

func newHarness(head uint64, batch uint64) *harness {
	h := &harness{
		chain:  newFakeChain(head),
		series: &fakeSeries{series: make(map[chain.SeriesID]*chain.Series)},
		store:  storage.NewMemoryStore(),
		pub:    &capturePublisher{},
	}
	cfg := DefaultConfig()
	cfg.BatchSize = batch
	cfg.Addresses = []common.Address{market, margin}
	h.ix = New(cfg, Deps{
		Chain:     h.chain,
		Decoder:   chain.NewDecoder(market, margin),
		Series:    h.series,
		Store:     h.store,
		Publisher: h.pub,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return h
}

func at(block uint64, index uint) chaintest.Pos {
	return chaintest.Pos{Block: block, Index: index, Tx: chaintest.TxHash(int64(block*1000) + int64(index))}
}

func blockTime(n uint64) time.Time {
	return time.Unix(int64(1_700_000_000+n*12), 0).UTC()
}
