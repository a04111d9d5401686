package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/options-pulse/internal/platform/chain"
	"github.com/marko911/options-pulse/internal/platform/chain/chaintest"
	"github.com/marko911/options-pulse/internal/queue"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var addrs = chain.Addresses{
	Market:       common.HexToAddress("0x00000000000000000000000000000000000000a1"),
	MarginEngine: common.HexToAddress("0x00000000000000000000000000000000000000a2"),
	IVOracle:     common.HexToAddress("0x00000000000000000000000000000000000000a3"),
	PriceOracle:  common.HexToAddress("0x00000000000000000000000000000000000000a4"),
}

type fakeChain struct {
	mu sync.Mutex

	series  map[chain.SeriesID]*chain.Series
	tte     uint64
	spot    *big.Int
	iv      *big.Int
	status  *chain.AccountStatus
	receipt *types.Receipt
	txErr   error
	readErr error

	calls []string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		series:  make(map[chain.SeriesID]*chain.Series),
		receipt: receipt(1),
		status:  &chain.AccountStatus{Equity: big.NewInt(0), Maintenance: big.NewInt(0)},
	}
}

func receipt(n int64, logs ...types.Log) *types.Receipt {
	r := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      chaintest.TxHash(n),
		BlockNumber: big.NewInt(100 + n),
	}
	for i := range logs {
		l := logs[i]
		r.Logs = append(r.Logs, &l)
	}
	return r
}

func (f *fakeChain) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeChain) called(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeChain) Addresses() chain.Addresses { return addrs }

func (f *fakeChain) Series(_ context.Context, id chain.SeriesID) (*chain.Series, error) {
	f.record("Series")
	if f.readErr != nil {
		return nil, f.readErr
	}
	s, ok := f.series[id]
	if !ok {
		return nil, errors.New("unknown series")
	}
	cp := *s
	return &cp, nil
}

func (f *fakeChain) TimeToExpiry(context.Context, chain.SeriesID) (uint64, error) {
	f.record("TimeToExpiry")
	return f.tte, f.readErr
}

func (f *fakeChain) Settle(context.Context, chain.SeriesID) (*types.Receipt, error) {
	f.record("Settle")
	return f.tx()
}

func (f *fakeChain) Liquidate(context.Context, chain.SeriesID, common.Address, *big.Int, common.Address) (*types.Receipt, error) {
	f.record("Liquidate")
	return f.tx()
}

func (f *fakeChain) EvaluateAccount(context.Context, common.Address) (*types.Receipt, error) {
	f.record("EvaluateAccount")
	return f.tx()
}

func (f *fakeChain) AccountStatus(context.Context, common.Address) (*chain.AccountStatus, error) {
	f.record("AccountStatus")
	return f.status, f.readErr
}

func (f *fakeChain) IV(context.Context, chain.SeriesID) (*big.Int, error) {
	f.record("IV")
	return f.iv, f.readErr
}

func (f *fakeChain) SetIV(context.Context, chain.SeriesID, *big.Int) (*types.Receipt, error) {
	f.record("SetIV")
	return f.tx()
}

func (f *fakeChain) Spot(context.Context, common.Address) (*big.Int, error) {
	f.record("Spot")
	return f.spot, f.readErr
}

func (f *fakeChain) tx() (*types.Receipt, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	return f.receipt, nil
}

type enqueued struct {
	queue   string
	payload any
	opts    queue.EnqueueOptions
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, q string, payload any, opts queue.EnqueueOptions) (queue.EnqueueResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return queue.EnqueueResult{}, f.err
	}
	f.jobs = append(f.jobs, enqueued{queue: q, payload: payload, opts: opts})
	return queue.EnqueueResult{JobID: "liq-1"}, nil
}

func job(t *testing.T, q string, payload any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{ID: "job-1", Queue: q, Payload: raw, Attempt: 1, MaxAttempts: 3}
}
