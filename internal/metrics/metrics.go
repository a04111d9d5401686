// Package metrics provides Prometheus instrumentation for the indexer,
// scheduler and workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IndexedLogs counts logs seen by the indexer, by event and outcome.
	IndexedLogs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_indexer_logs_total",
		Help: "Chain logs processed by the indexer",
	}, []string{"event", "outcome"})

	// IndexerCheckpoint is the last fully processed block.
	IndexerCheckpoint = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_indexer_checkpoint_block",
		Help: "Last block fully processed by the indexer",
	})

	// IndexerHead is the chain head observed at the last sync.
	IndexerHead = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "options_indexer_head_block",
		Help: "Chain head observed by the indexer",
	})

	IndexerSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "options_indexer_sync_duration_seconds",
		Help:    "Duration of one indexer sync attempt",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	IndexerSyncErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_indexer_sync_errors_total",
		Help: "Sync attempts aborted by an error",
	})

	// IndexerSyncSkipped counts ticks dropped because a sync was in flight.
	IndexerSyncSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_indexer_sync_skipped_total",
		Help: "Ticks skipped while a sync was still running",
	})

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_jobs_enqueued_total",
		Help: "Jobs enqueued, by queue and whether the dedup key suppressed them",
	}, []string{"queue", "deduplicated"})

	// JobsProcessed counts job attempts by final status (completed, retried,
	// failed).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_jobs_processed_total",
		Help: "Job attempts by queue and status",
	}, []string{"queue", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "options_job_duration_seconds",
		Help:    "Job handler duration",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "options_queue_depth",
		Help: "Jobs per queue and state",
	}, []string{"queue", "state"})

	SettlementCandidates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "options_settlement_candidates_total",
		Help: "Series found settlement-eligible by the scanner",
	})

	ScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_scan_errors_total",
		Help: "Per-item errors during periodic scans",
	}, []string{"scan"})

	FanoutErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "options_fanout_errors_total",
		Help: "Failed fanout publishes",
	}, []string{"kind"})
)
