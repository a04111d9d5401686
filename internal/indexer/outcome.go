package indexer

import (
	"errors"
	"fmt"
)

// SkipReason explains why a log produced no state change.
type SkipReason string

const (
	SkipUnknownEvent     SkipReason = "unknown_event"
	SkipDecodeFailed     SkipReason = "decode_failed"
	SkipUnhandledEvent   SkipReason = "unhandled_event"
	SkipAlreadyProcessed SkipReason = "already_processed"
	SkipMintBurn         SkipReason = "mint_burn"
	SkipSelfTransfer     SkipReason = "self_transfer"
	SkipHandlerFailed    SkipReason = "handler_failed"
)

// Outcome is the per-log result of ProcessRange.
type Outcome struct {
	Event   string
	Handled bool
	Reason  SkipReason
	Err     error
}

func (o Outcome) label() string {
	if o.Handled {
		return "handled"
	}
	return string(o.Reason)
}

// Summary aggregates the outcomes of one range.
type Summary struct {
	From    uint64
	To      uint64
	Logs    int
	Handled int
	Skipped map[SkipReason]int
}

func newSummary(from, to uint64) Summary {
	return Summary{From: from, To: to, Skipped: make(map[SkipReason]int)}
}

func (s *Summary) add(o Outcome) {
	s.Logs++
	if o.Handled {
		s.Handled++
		return
	}
	s.Skipped[o.Reason]++
}

func (s *Summary) merge(o Summary) {
	s.Logs += o.Logs
	s.Handled += o.Handled
	for r, n := range o.Skipped {
		s.Skipped[r] += n
	}
}

// skipError is returned by a handler to roll back its transaction and report
// the log as skipped rather than failed.
type skipError struct {
	reason SkipReason
	detail string
}

func (e *skipError) Error() string {
	if e.detail == "" {
		return string(e.reason)
	}
	return string(e.reason) + ": " + e.detail
}

func skip(reason SkipReason, format string, args ...any) error {
	return &skipError{reason: reason, detail: fmt.Sprintf(format, args...)}
}

// abortError carries a chain read failure out of a handler. It aborts the
// whole range so the checkpoint is not advanced past an unapplied event.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

func asSkip(err error) (*skipError, bool) {
	var s *skipError
	ok := errors.As(err, &s)
	return s, ok
}

func asAbort(err error) (*abortError, bool) {
	var a *abortError
	ok := errors.As(err, &a)
	return a, ok
}
