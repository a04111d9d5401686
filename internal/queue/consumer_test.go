package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/marko911/options-pulse/internal/fanout"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type resultRecorder struct {
	fanout.Nop
	mu      sync.Mutex
	results []fanout.JobResult
}

func (r *resultRecorder) PublishJobResult(_ context.Context, res fanout.JobResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *resultRecorder) last() fanout.JobResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[len(r.results)-1]
}

func TestConsumer_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		handler    HandlerFunc
		timeout    time.Duration
		wantState  State
		wantStatus fanout.JobStatus
	}{
		{
			name: "success stores result",
			handler: func(context.Context, *Job) (any, error) {
				return map[string]string{"txHash": "0x01"}, nil
			},
			wantState:  StateCompleted,
			wantStatus: fanout.JobCompleted,
		},
		{
			name: "transient error retries",
			handler: func(context.Context, *Job) (any, error) {
				return nil, errors.New("connection reset")
			},
			wantState:  StateDelayed,
			wantStatus: fanout.JobRetrying,
		},
		{
			name: "permanent error fails",
			handler: func(context.Context, *Job) (any, error) {
				return nil, Permanent(errors.New("invalid seriesId"))
			},
			wantState:  StateFailed,
			wantStatus: fanout.JobFailed,
		},
		{
			name: "panic fails permanently",
			handler: func(context.Context, *Job) (any, error) {
				panic("nil receipt")
			},
			wantState:  StateFailed,
			wantStatus: fanout.JobFailed,
		},
		{
			name: "timeout retries",
			handler: func(ctx context.Context, _ *Job) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout:    20 * time.Millisecond,
			wantState:  StateDelayed,
			wantStatus: fanout.JobRetrying,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			q, _ := newTestQueue(t, func(c *Config) {
				if tt.timeout > 0 {
					c.JobTimeout = tt.timeout
				}
			})
			rec := &resultRecorder{}
			c, err := NewConsumer(q, Settlement, tt.handler, discard, WithName("w1"), WithPublisher(rec))
			if err != nil {
				t.Fatalf("NewConsumer: %v", err)
			}

			id := mustEnqueue(t, q, Settlement, map[string]string{"seriesId": "0x01"}, EnqueueOptions{}).JobID
			handled, err := c.ProcessNext(ctx)
			if err != nil || !handled {
				t.Fatalf("ProcessNext = %v, %v", handled, err)
			}

			job, err := q.GetJob(ctx, Settlement, id)
			if err != nil || job == nil {
				t.Fatalf("GetJob = %v, %v", job, err)
			}
			if job.State != tt.wantState {
				t.Errorf("state = %s, want %s (last error %q)", job.State, tt.wantState, job.LastError)
			}
			if got := rec.last(); got.Status != tt.wantStatus || got.JobID != id || got.Queue != Settlement {
				t.Errorf("published %+v", got)
			}
			if tt.wantState == StateCompleted && string(job.Result) != `{"txHash":"0x01"}` {
				t.Errorf("result = %s", job.Result)
			}
		})
	}
}

func TestConsumer_ProcessNextEmpty(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	c, _ := NewConsumer(q, Greeks, HandlerFunc(func(context.Context, *Job) (any, error) {
		t.Fatal("handler called on empty queue")
		return nil, nil
	}), discard)

	handled, err := c.ProcessNext(context.Background())
	if err != nil || handled {
		t.Fatalf("ProcessNext = %v, %v", handled, err)
	}
}

func TestNewConsumer_UnknownQueue(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	if _, err := NewConsumer(q, "nope", HandlerFunc(nil), discard); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("err = %v", err)
	}
}

func TestConsumer_RunRecoversStaleJobs(t *testing.T) {
	q, _ := newTestQueue(t, func(c *Config) { c.Concurrency = 2 })
	id := mustEnqueue(t, q, RiskRecalc, map[string]string{"account": "0x1"}, EnqueueOptions{}).JobID

	// A previous run of the same consumer claimed the job and died.
	if job := mustDequeue(t, q, RiskRecalc, "worker-1"); job == nil {
		t.Fatal("setup dequeue returned nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 1)
	c, _ := NewConsumer(q, RiskRecalc, HandlerFunc(func(_ context.Context, job *Job) (any, error) {
		done <- job.ID
		return nil, nil
	}), discard, WithName("worker-1"))

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case got := <-done:
		if got != id {
			t.Errorf("processed %s, want %s", got, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("recovered job was not processed")
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConsumer_RestartRecoversAndReleasesDedup(t *testing.T) {
	tests := []struct {
		name string
		// crashed is the identity of the run that died holding the job;
		// empty means the default identity.
		crashed string
	}{
		{name: "default name is stable across restarts"},
		{name: "expired consumer with another name", crashed: "old-worker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			q, _ := newTestQueue(t, nil)
			payload := map[string]string{"seriesId": "0x01"}
			id := mustEnqueue(t, q, Settlement, payload, EnqueueOptions{DedupKey: "0x01"}).JobID

			crashed := tt.crashed
			if crashed == "" {
				crashed = defaultName()
			}
			if job := mustDequeue(t, q, Settlement, crashed); job == nil {
				t.Fatal("setup dequeue returned nil")
			}

			done := make(chan string, 1)
			c, err := NewConsumer(q, Settlement, HandlerFunc(func(_ context.Context, job *Job) (any, error) {
				done <- job.ID
				return nil, nil
			}), discard)
			if err != nil {
				t.Fatalf("NewConsumer: %v", err)
			}
			if c.Name() != defaultName() {
				t.Fatalf("Name() = %q, want %q", c.Name(), defaultName())
			}

			go c.Run(ctx)

			select {
			case got := <-done:
				if got != id {
					t.Fatalf("processed %s, want %s", got, id)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("stranded job was not redelivered")
			}

			deadline := time.Now().Add(5 * time.Second)
			for {
				job, err := q.GetJob(context.Background(), Settlement, id)
				if err != nil {
					t.Fatalf("GetJob: %v", err)
				}
				if job != nil && job.State == StateCompleted {
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("job not completed: %+v", job)
				}
				time.Sleep(10 * time.Millisecond)
			}

			res := mustEnqueue(t, q, Settlement, payload, EnqueueOptions{DedupKey: "0x01"})
			if res.Deduplicated {
				t.Fatal("dedup key still held after the recovered job completed")
			}
		})
	}
}
