// Package queue is a durable job queue on Redis: at-least-once delivery,
// optional dedup keys, exponential retry backoff and bounded retention of
// completed and failed jobs.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Queue names.
const (
	Settlement  = "settlement"
	Liquidation = "liquidation"
	MarginCheck = "margin-check"
	IVUpdate    = "iv-update"
	Greeks      = "greeks"
	RiskRecalc  = "risk-recalc"
)

// Names lists every queue.
var Names = []string{Settlement, Liquidation, MarginCheck, IVUpdate, Greeks, RiskRecalc}

// Known reports whether name is one of Names.
func Known(name string) bool {
	return slices.Contains(Names, name)
}

var (
	ErrUnknownQueue = errors.New("queue: unknown queue")
	ErrPermanent    = errors.New("permanent failure")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// Permanent marks err as not worth retrying; the job goes straight to the
// failed set.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// State is where a job currently lives.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one unit of work.
type Job struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Payload          json.RawMessage `json:"payload"`
	DedupKey         string          `json:"dedupKey,omitempty"`
	Attempt          int             `json:"attempt"`
	MaxAttempts      int             `json:"maxAttempts"`
	RemoveOnComplete bool            `json:"removeOnComplete,omitempty"`
	KeepFailed       int             `json:"keepFailed"`
	State            State           `json:"state"`
	LastError        string          `json:"lastError,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	FinishedAt       time.Time       `json:"finishedAt"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Queue, err)
	}
	return nil
}

// EnqueueOptions tune a single enqueue. Zero values fall back to the queue
// configuration.
type EnqueueOptions struct {
	// DedupKey keeps at most one unfinished job per key in a queue.
	DedupKey         string
	Attempts         int
	Delay            time.Duration
	RemoveOnComplete bool
	// KeepFailed bounds how many failed jobs the queue retains.
	KeepFailed int
}

// EnqueueResult identifies the job that now represents the request. When
// Deduplicated is set, JobID is the existing job holding the dedup key.
type EnqueueResult struct {
	JobID        string
	Deduplicated bool
}

// Enqueuer adds jobs to a queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts EnqueueOptions) (EnqueueResult, error)
}

// Handler processes a job. The returned value is stored as the job result.
type Handler interface {
	Handle(ctx context.Context, job *Job) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (any, error) {
	return f(ctx, job)
}

// Counts is a snapshot of a queue's sizes.
type Counts struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
}
