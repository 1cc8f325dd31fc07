package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator.
type Metrics struct {
	// --- Settlement pipeline ---
	SettlementsSubmitted *prometheus.CounterVec
	SettlementsTerminal  *prometheus.CounterVec
	SettlementsInFlight  prometheus.Gauge
	PhaseDuration        *prometheus.HistogramVec
	DuplicateSubmissions prometheus.Counter

	// --- Locks ---
	LocksAcquired  prometheus.Counter
	LocksReleased  *prometheus.CounterVec
	LocksExpired   prometheus.Counter
	LockWaitTime   prometheus.Histogram

	// --- Ledger ---
	JournalEntries     prometheus.Counter
	LedgerSequence     prometheus.Gauge
	CommitConflicts    prometheus.Counter

	// --- FX ---
	FxRateLocks        *prometheus.CounterVec
	FxQuorumFailures   prometheus.Counter
	FxActiveLocks      prometheus.Gauge

	// --- Netting ---
	NettingWindowGross prometheus.Histogram
	NettingWindowNet   prometheus.Histogram

	// --- Compliance ---
	ComplianceDecisions *prometheus.CounterVec

	// --- Replicated log ---
	LogAppends       prometheus.Counter
	LogAppendErrors  prometheus.Counter
	LogSequence      prometheus.Gauge

	// --- Participant protocol ---
	MessagesIn      *prometheus.CounterVec
	MessagesOut     *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	AcksMissing     prometheus.Counter

	// --- Persistence ---
	PersistWrites       prometheus.Counter
	PersistErrors       *prometheus.CounterVec
	PersistBatchSize    prometheus.Histogram
	PersistBackpressure prometheus.Counter
}

// NewMetrics creates and registers all coordinator metrics.
func NewMetrics() *Metrics {
	phaseBuckets := []float64{
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
	}

	return &Metrics{
		SettlementsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_settlements_submitted_total",
			Help: "Settlement requests accepted into the pipeline",
		}, []string{"initiator"}),

		SettlementsTerminal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_settlements_terminal_total",
			Help: "Settlements reaching a terminal state",
		}, []string{"status", "code"}),

		SettlementsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "as_settlements_in_flight",
			Help: "Non-terminal settlements currently driven",
		}),

		PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "as_settlement_phase_duration_seconds",
			Help:    "Time spent per lifecycle phase",
			Buckets: phaseBuckets,
		}, []string{"phase"}),

		DuplicateSubmissions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_duplicate_submissions_total",
			Help: "Idempotent replays answered from the index",
		}),

		LocksAcquired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_locks_acquired_total",
			Help: "Locks confirmed active",
		}),

		LocksReleased: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_locks_released_total",
			Help: "Locks released before commit",
		}, []string{"reason"}),

		LocksExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_locks_expired_total",
			Help: "Locks reclaimed by the expiry sweeper",
		}),

		LockWaitTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "as_lock_wait_seconds",
			Help:    "Admission plus participant confirmation wait",
			Buckets: phaseBuckets,
		}),

		JournalEntries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_journal_entries_total",
			Help: "Journal entries appended",
		}),

		LedgerSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "as_ledger_sequence",
			Help: "Latest journal sequence",
		}),

		CommitConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_ledger_commit_conflicts_total",
			Help: "Optimistic-concurrency conflicts during commit",
		}),

		FxRateLocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_fx_rate_locks_total",
			Help: "FX rate locks taken",
		}, []string{"pair"}),

		FxQuorumFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_fx_quorum_failures_total",
			Help: "Rate lock attempts without a fresh quorum",
		}),

		FxActiveLocks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "as_fx_active_rate_locks",
			Help: "Unexpired FX rate locks held",
		}),

		NettingWindowGross: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "as_netting_window_gross",
			Help:    "Gross settlements per netting window",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),

		NettingWindowNet: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "as_netting_window_net",
			Help:    "Net settlements emitted per netting window",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		ComplianceDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_compliance_decisions_total",
			Help: "Hook decisions by point and outcome",
		}, []string{"point", "outcome"}),

		LogAppends: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_replog_appends_total",
			Help: "Replicated log records appended",
		}),

		LogAppendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_replog_append_errors_total",
			Help: "Replicated log appends that failed",
		}),

		LogSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "as_replog_sequence",
			Help: "Latest replicated log sequence",
		}),

		MessagesIn: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_protocol_messages_in_total",
			Help: "Inbound participant messages accepted",
		}, []string{"type"}),

		MessagesOut: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_protocol_messages_out_total",
			Help: "Outbound participant messages sent",
		}, []string{"type"}),

		MessagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_protocol_messages_dropped_total",
			Help: "Inbound messages rejected before dispatch",
		}, []string{"reason"}),

		AcksMissing: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_notification_acks_missing_total",
			Help: "Settlements finalized without full acknowledgment",
		}),

		PersistWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_persist_writes_total",
			Help: "Rows written by the persistence worker",
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "as_persist_errors_total",
			Help: "Persistence failures by table",
		}, []string{"table"}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "as_persist_batch_size",
			Help:    "Rows per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "as_persist_backpressure_total",
			Help: "Blocking sends into the persistence channel",
		}),
	}
}
