package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/marko911/options-pulse/internal/metrics"
)

const (
	keyWait      = ":wait"
	keyActive    = ":active:"
	keyDelayed   = ":delayed"
	keyCompleted = ":completed"
	keyFailed    = ":failed"
	keyJob       = ":job:"
	keyDedup     = ":dedup:"
	keyHeartbeat = ":heartbeat:"

	maxWatchRetries = 5
)

// Config holds the Redis connection and queue defaults.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	KeyPrefix string `yaml:"key_prefix"`

	Attempts        int           `yaml:"attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	KeepCompleted   int           `yaml:"keep_completed"`
	KeepFailed      int           `yaml:"keep_failed"`
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	BlockTimeout    time.Duration `yaml:"block_timeout"`
	DepthReportTick time.Duration `yaml:"depth_report_interval"`
	HeartbeatTTL    time.Duration `yaml:"heartbeat_ttl"`
}

// DefaultConfig returns queue defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:6379",
		KeyPrefix:       "options:queue:",
		Attempts:        3,
		Backoff:         5 * time.Second,
		MaxBackoff:      5 * time.Minute,
		KeepCompleted:   1000,
		KeepFailed:      5000,
		Concurrency:     1,
		JobTimeout:      5 * time.Minute,
		BlockTimeout:    2 * time.Second,
		DepthReportTick: 15 * time.Second,
		HeartbeatTTL:    30 * time.Second,
	}
}

// RedisQueue stores jobs in Redis.
//
// Per queue it keeps a wait list (LPUSH in, consumers move from the right),
// one active list per consumer, a delayed sorted set scored by due time in
// milliseconds, capped completed and failed lists, one JSON string per job and
// one string per held dedup key.
type RedisQueue struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg Config) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, cfg Config) *RedisQueue {
	def := DefaultConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.Backoff)
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = def.KeepCompleted
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = def.KeepFailed
	}
	if cfg.BlockTimeout < time.Second {
		cfg.BlockTimeout = time.Second
	}
	if cfg.HeartbeatTTL < time.Second {
		cfg.HeartbeatTTL = def.HeartbeatTTL
	}
	return &RedisQueue{client: client, cfg: cfg, now: time.Now}
}

// Config returns the effective configuration.
func (q *RedisQueue) Config() Config { return q.cfg }

// Ping checks the Redis connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) key(queue string, parts ...string) string {
	k := q.cfg.KeyPrefix + queue
	for _, p := range parts {
		k += p
	}
	return k
}

// Enqueue adds a job. Payloads are stored as JSON; []byte and
// json.RawMessage are taken to already be JSON.
func (q *RedisQueue) Enqueue(ctx context.Context, queue string, payload any, opts EnqueueOptions) (EnqueueResult, error) {
	res, err := q.enqueue(ctx, queue, payload, opts)
	if err == nil {
		metrics.JobsEnqueued.WithLabelValues(queue, strconv.FormatBool(res.Deduplicated)).Inc()
	}
	return res, err
}

func (q *RedisQueue) enqueue(ctx context.Context, queue string, payload any, opts EnqueueOptions) (EnqueueResult, error) {
	if !Known(queue) {
		return EnqueueResult{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: payload is not valid JSON", queue)
	}

	job := &Job{
		ID:               uuid.NewString(),
		Queue:            queue,
		Payload:          raw,
		DedupKey:         opts.DedupKey,
		MaxAttempts:      opts.Attempts,
		RemoveOnComplete: opts.RemoveOnComplete,
		KeepFailed:       opts.KeepFailed,
		State:            StateWaiting,
		CreatedAt:        q.now().UTC(),
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.Attempts
	}
	if job.KeepFailed <= 0 {
		job.KeepFailed = q.cfg.KeepFailed
	}
	if opts.Delay > 0 {
		job.State = StateDelayed
	}

	if opts.DedupKey == "" {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return q.add(ctx, pipe, job, opts.Delay)
		})
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", queue, err)
		}
		return EnqueueResult{JobID: job.ID}, nil
	}

	dk := q.key(queue, keyDedup, opts.DedupKey)
	var res EnqueueResult
	txf := func(tx *redis.Tx) error {
		existing, err := tx.Get(ctx, dk).Result()
		if err == nil {
			res = EnqueueResult{JobID: existing, Deduplicated: true}
			return nil
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dk, job.ID, 0)
			return q.add(ctx, pipe, job, opts.Delay)
		})
		res = EnqueueResult{JobID: job.ID}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := q.client.Watch(ctx, txf, dk)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", queue, err)
		}
	}
	return EnqueueResult{}, fmt.Errorf("enqueue %s: dedup key %q contended", queue, opts.DedupKey)
}

func (q *RedisQueue) add(ctx context.Context, pipe redis.Pipeliner, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe.Set(ctx, q.key(job.Queue, keyJob, job.ID), data, 0)
	if delay > 0 {
		pipe.ZAdd(ctx, q.key(job.Queue, keyDelayed), redis.Z{
			Score:  float64(q.now().Add(delay).UnixMilli()),
			Member: job.ID,
		})
		return nil
	}
	pipe.LPush(ctx, q.key(job.Queue, keyWait), job.ID)
	return nil
}

// PromoteDue moves delayed jobs whose due time has passed onto the wait
// list.
func (q *RedisQueue) PromoteDue(ctx context.Context, queue string) (int, error) {
	delayed := q.key(queue, keyDelayed)
	ids, err := q.client.ZRangeByScore(ctx, delayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed %s: %w", queue, err)
	}

	moved := 0
	for _, id := range ids {
		// Only the caller whose ZREM succeeds pushes the job.
		n, err := q.client.ZRem(ctx, delayed, id).Result()
		if err != nil {
			return moved, fmt.Errorf("promote %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key(queue, keyWait), id).Err(); err != nil {
			return moved, fmt.Errorf("promote %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}

// Dequeue claims the oldest waiting job for consumer, waiting up to block
// when block is positive. It returns nil when nothing is available.
func (q *RedisQueue) Dequeue(ctx context.Context, queue, consumer string, block time.Duration) (*Job, error) {
	if _, err := q.PromoteDue(ctx, queue); err != nil {
		return nil, err
	}

	wait, active := q.key(queue, keyWait), q.key(queue, keyActive, consumer)
	var (
		id  string
		err error
	)
	if block > 0 {
		id, err = q.client.BLMove(ctx, wait, active, "RIGHT", "LEFT", block).Result()
	} else {
		id, err = q.client.LMove(ctx, wait, active, "RIGHT", "LEFT").Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}

	job, err := q.GetJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		q.client.LRem(ctx, active, 1, id)
		return nil, nil
	}

	job.Attempt++
	job.State = StateActive
	if err := q.save(ctx, q.client, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete records a successful attempt.
func (q *RedisQueue) Complete(ctx context.Context, job *Job, consumer string, result json.RawMessage) error {
	job.State = StateCompleted
	job.Result = result
	job.LastError = ""
	job.FinishedAt = q.now().UTC()

	completed := q.key(job.Queue, keyCompleted)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key(job.Queue, keyActive, consumer), 1, job.ID)
		q.releaseDedup(ctx, pipe, job)
		if job.RemoveOnComplete {
			pipe.Del(ctx, q.key(job.Queue, keyJob, job.ID))
			return nil
		}
		pipe.LPush(ctx, completed, job.ID)
		return q.save(ctx, pipe, job)
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if job.RemoveOnComplete {
		return nil
	}
	return q.trim(ctx, job.Queue, completed, q.cfg.KeepCompleted)
}

// Fail records a failed attempt. With retry set and attempts remaining the
// job is scheduled again after an exponential backoff, which is returned.
// Otherwise it moves to the failed list and its dedup key is released.
func (q *RedisQueue) Fail(ctx context.Context, job *Job, consumer string, cause error, retry bool) (time.Duration, error) {
	job.LastError = cause.Error()
	active := q.key(job.Queue, keyActive, consumer)

	if retry && job.Attempt < job.MaxAttempts {
		delay := q.backoff(job.Attempt)
		job.State = StateDelayed
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, active, 1, job.ID)
			pipe.ZAdd(ctx, q.key(job.Queue, keyDelayed), redis.Z{
				Score:  float64(q.now().Add(delay).UnixMilli()),
				Member: job.ID,
			})
			return q.save(ctx, pipe, job)
		})
		if err != nil {
			return 0, fmt.Errorf("retry job %s: %w", job.ID, err)
		}
		return delay, nil
	}

	job.State = StateFailed
	job.FinishedAt = q.now().UTC()
	failed := q.key(job.Queue, keyFailed)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, active, 1, job.ID)
		pipe.LPush(ctx, failed, job.ID)
		q.releaseDedup(ctx, pipe, job)
		return q.save(ctx, pipe, job)
	})
	if err != nil {
		return 0, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	keep := job.KeepFailed
	if keep <= 0 {
		keep = q.cfg.KeepFailed
	}
	return 0, q.trim(ctx, job.Queue, failed, keep)
}

func (q *RedisQueue) backoff(attempt int) time.Duration {
	d := q.cfg.Backoff
	for i := 1; i < attempt && d < q.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, q.cfg.MaxBackoff)
}

// releaseDedup drops the dedup key if it still points at this job.
func (q *RedisQueue) releaseDedup(ctx context.Context, pipe redis.Pipeliner, job *Job) {
	if job.DedupKey == "" {
		return
	}
	dk := q.key(job.Queue, keyDedup, job.DedupKey)
	if owner, err := q.client.Get(ctx, dk).Result(); err == nil && owner == job.ID {
		pipe.Del(ctx, dk)
	}
}

// trim caps a completed or failed list at keep entries and deletes the job
// records that fall off the end.
func (q *RedisQueue) trim(ctx context.Context, queue, list string, keep int) error {
	dropped, err := q.client.LRange(ctx, list, int64(keep), -1).Result()
	if err != nil {
		return fmt.Errorf("trim %s: %w", list, err)
	}
	if len(dropped) == 0 {
		return nil
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LTrim(ctx, list, 0, int64(keep)-1)
		for _, id := range dropped {
			pipe.Del(ctx, q.key(queue, keyJob, id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("trim %s: %w", list, err)
	}
	return nil
}

// Recover moves jobs left in consumer's active list by a crashed process back
// to the front of the wait list.
func (q *RedisQueue) Recover(ctx context.Context, queue, consumer string) (int, error) {
	active, wait := q.key(queue, keyActive, consumer), q.key(queue, keyWait)
	n := 0
	for {
		_, err := q.client.LMove(ctx, active, wait, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s/%s: %w", queue, consumer, err)
		}
		n++
	}
}

// Heartbeat marks consumer as alive for the configured TTL.
func (q *RedisQueue) Heartbeat(ctx context.Context, queue, consumer string) error {
	if err := q.client.Set(ctx, q.key(queue, keyHeartbeat, consumer), q.now().UnixMilli(), q.cfg.HeartbeatTTL).Err(); err != nil {
		return fmt.Errorf("heartbeat %s/%s: %w", queue, consumer, err)
	}
	return nil
}

// ClearHeartbeat removes consumer's heartbeat on clean shutdown.
func (q *RedisQueue) ClearHeartbeat(ctx context.Context, queue, consumer string) error {
	return q.client.Del(ctx, q.key(queue, keyHeartbeat, consumer)).Err()
}

// RecoverOrphaned returns to the wait list the jobs held by every consumer
// of queue, other than self, whose heartbeat has expired.
func (q *RedisQueue) RecoverOrphaned(ctx context.Context, queue, self string) (int, error) {
	prefix := q.key(queue, keyActive)
	var owners []string
	iter := q.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if owner := iter.Val()[len(prefix):]; owner != self {
			owners = append(owners, owner)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan active %s: %w", queue, err)
	}

	total := 0
	for _, owner := range owners {
		alive, err := q.client.Exists(ctx, q.key(queue, keyHeartbeat, owner)).Result()
		if err != nil {
			return total, fmt.Errorf("check heartbeat %s/%s: %w", queue, owner, err)
		}
		if alive > 0 {
			continue
		}
		n, err := q.Recover(ctx, queue, owner)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// GetJob loads a job record. It returns nil if the job does not exist.
func (q *RedisQueue) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	data, err := q.client.Get(ctx, q.key(queue, keyJob, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// FailedJobs returns up to limit of the most recently failed jobs.
func (q *RedisQueue) FailedJobs(ctx context.Context, queue string, limit int) ([]Job, error) {
	ids, err := q.client.LRange(ctx, q.key(queue, keyFailed), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed %s: %w", queue, err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.GetJob(ctx, queue, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

// Counts reports the size of each state of queue.
func (q *RedisQueue) Counts(ctx context.Context, queue string) (Counts, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.key(queue, keyWait))
	delayed := pipe.ZCard(ctx, q.key(queue, keyDelayed))
	completed := pipe.LLen(ctx, q.key(queue, keyCompleted))
	failed := pipe.LLen(ctx, q.key(queue, keyFailed))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("count %s: %w", queue, err)
	}

	c := Counts{
		Waiting:   wait.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}

	iter := q.client.Scan(ctx, 0, q.key(queue, keyActive, "*"), 100).Iterator()
	for iter.Next(ctx) {
		n, err := q.client.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return c, fmt.Errorf("count active %s: %w", queue, err)
		}
		c.Active += n
	}
	if err := iter.Err(); err != nil {
		return c, fmt.Errorf("scan active %s: %w", queue, err)
	}
	return c, nil
}

func (q *RedisQueue) save(ctx context.Context, c redis.Cmdable, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.Set(ctx, q.key(job.Queue, keyJob, job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}
