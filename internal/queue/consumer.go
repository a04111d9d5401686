package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/marko911/options-pulse/internal/fanout"
	"github.com/marko911/options-pulse/internal/metrics"
)

// Consumer runs a Handler against one queue.
type Consumer struct {
	q         *RedisQueue
	queue     string
	name      string
	handler   Handler
	publisher fanout.Publisher
	logger    *slog.Logger
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithName sets the consumer identity that owns its active list. Restarting
// with the same name recovers jobs a crashed run left behind. The default is
// the hostname.
func WithName(name string) ConsumerOption {
	return func(c *Consumer) { c.name = name }
}

// WithPublisher publishes a JobResult after every attempt.
func WithPublisher(p fanout.Publisher) ConsumerOption {
	return func(c *Consumer) { c.publisher = p }
}

// NewConsumer creates a consumer for queue.
func NewConsumer(q *RedisQueue, queue string, handler Handler, logger *slog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if !Known(queue) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		q:         q,
		queue:     queue,
		handler:   handler,
		publisher: fanout.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = defaultName()
	}
	c.logger = logger.With("component", "consumer", "queue", queue, "consumer", c.name)
	return c, nil
}

func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "consumer"
	}
	return host
}

// Name returns the consumer identity.
func (c *Consumer) Name() string { return c.name }

// Run recovers stale jobs and then processes jobs with the configured
// concurrency until ctx is cancelled. While running it keeps a heartbeat and
// reclaims the active jobs of consumers whose heartbeat expired.
func (c *Consumer) Run(ctx context.Context) error {
	cfg := c.q.Config()

	if err := c.q.Heartbeat(ctx, c.queue, c.name); err != nil {
		return err
	}
	defer func() {
		if err := c.q.ClearHeartbeat(context.WithoutCancel(ctx), c.queue, c.name); err != nil {
			c.logger.Warn("failed to clear heartbeat", "error", err)
		}
	}()

	recovered, err := c.q.Recover(ctx, c.queue, c.name)
	if err != nil {
		return err
	}
	if recovered > 0 {
		c.logger.Warn("recovered stale active jobs", "count", recovered)
	}
	c.recoverOrphaned(ctx)

	concurrency := max(cfg.Concurrency, 1)
	c.logger.Info("starting consumer", "concurrency", concurrency, "job_timeout", cfg.JobTimeout)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx, cfg.BlockTimeout)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(ctx, cfg.HeartbeatTTL/3)
	}()

	if cfg.DepthReportTick > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.reportDepth(ctx, cfg.DepthReportTick)
		}()
	}

	wg.Wait()
	c.logger.Info("consumer stopped")
	return ctx.Err()
}

func (c *Consumer) loop(ctx context.Context, block time.Duration) {
	for ctx.Err() == nil {
		job, err := c.q.Dequeue(ctx, c.queue, c.name, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job != nil {
			c.process(ctx, job)
		}
	}
}

// ProcessNext handles one waiting job without blocking. It reports whether a
// job was handled.
func (c *Consumer) ProcessNext(ctx context.Context) (bool, error) {
	job, err := c.q.Dequeue(ctx, c.queue, c.name, 0)
	if err != nil || job == nil {
		return false, err
	}
	c.process(ctx, job)
	return true, nil
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	logger := c.logger.With("job_id", job.ID, "attempt", job.Attempt, "max_attempts", job.MaxAttempts)
	start := time.Now()

	result, err := c.invoke(ctx, job)
	metrics.JobDuration.WithLabelValues(c.queue).Observe(time.Since(start).Seconds())

	// Bookkeeping outlives a cancelled run so the job is not left active.
	bg := context.WithoutCancel(ctx)

	res := fanout.JobResult{JobID: job.ID, Queue: c.queue, Attempt: job.Attempt}

	if err == nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			err = Permanent(fmt.Errorf("marshal result: %w", merr))
		} else {
			if cerr := c.q.Complete(bg, job, c.name, data); cerr != nil {
				logger.Error("failed to record completion", "error", cerr)
				return
			}
			metrics.JobsProcessed.WithLabelValues(c.queue, string(fanout.JobCompleted)).Inc()
			logger.Info("job completed", "duration", time.Since(start))
			res.Status, res.Result = fanout.JobCompleted, data
			c.publish(bg, res)
			return
		}
	}

	retry := !IsPermanent(err)
	delay, ferr := c.q.Fail(bg, job, c.name, err, retry)
	if ferr != nil {
		logger.Error("failed to record failure", "error", ferr, "cause", err)
		return
	}

	res.Error = err.Error()
	if job.State == StateDelayed {
		metrics.JobsProcessed.WithLabelValues(c.queue, string(fanout.JobRetrying)).Inc()
		logger.Warn("job failed, retrying", "error", err, "retry_in", delay)
		res.Status = fanout.JobRetrying
	} else {
		metrics.JobsProcessed.WithLabelValues(c.queue, string(fanout.JobFailed)).Inc()
		logger.Error("job failed", "error", err, "permanent", !retry, "payload", string(job.Payload))
		res.Status = fanout.JobFailed
	}
	c.publish(bg, res)
}

// invoke calls the handler under the job timeout, converting a panic into a
// permanent failure.
func (c *Consumer) invoke(ctx context.Context, job *Job) (result any, err error) {
	if timeout := c.q.Config().JobTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()

	result, err = c.handler.Handle(ctx, job)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job timed out: %w", err)
	}
	return result, err
}

func (c *Consumer) publish(ctx context.Context, res fanout.JobResult) {
	res.FinishedAt = time.Now().UTC()
	if err := c.publisher.PublishJobResult(ctx, res); err != nil {
		metrics.FanoutErrors.WithLabelValues("job").Inc()
		c.logger.Warn("failed to publish job result", "job_id", res.JobID, "error", err)
	}
}

func (c *Consumer) keepAlive(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(max(every, 100*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.q.Heartbeat(ctx, c.queue, c.name); err != nil && ctx.Err() == nil {
			c.logger.Warn("failed to refresh heartbeat", "error", err)
		}
		c.recoverOrphaned(ctx)
	}
}

func (c *Consumer) recoverOrphaned(ctx context.Context) {
	n, err := c.q.RecoverOrphaned(ctx, c.queue, c.name)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("failed to recover orphaned jobs", "error", err)
		}
		return
	}
	if n > 0 {
		c.logger.Warn("recovered jobs from expired consumers", "count", n)
	}
}

func (c *Consumer) reportDepth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		counts, err := c.q.Counts(ctx, c.queue)
		if err == nil {
			metrics.QueueDepth.WithLabelValues(c.queue, string(StateWaiting)).Set(float64(counts.Waiting))
			metrics.QueueDepth.WithLabelValues(c.queue, string(StateActive)).Set(float64(counts.Active))
			metrics.QueueDepth.WithLabelValues(c.queue, string(StateDelayed)).Set(float64(counts.Delayed))
			metrics.QueueDepth.WithLabelValues(c.queue, string(StateFailed)).Set(float64(counts.Failed))
		} else if ctx.Err() == nil {
			c.logger.Warn("failed to read queue depth", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
