package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WAL metrics (C3)
	WALTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wal_transactions_total",
			Help: "Total number of WAL transactions by outcome (committed, rolled_back)",
		},
		[]string{"outcome"},
	)

	WALCurrentSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wal_current_sequence",
			Help: "Highest sequence number written to the write-ahead log",
		},
	)

	// Ledger metrics (C7)
	LedgerAccountBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_account_balance",
			Help: "Current balance of a ledger account",
		},
		[]string{"account"},
	)

	LedgerEventsCommittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_committed_total",
			Help: "Total number of ledger events committed by kind",
		},
		[]string{"kind"},
	)

	// Raft metrics (C6)
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_applied_index",
			Help: "Last Raft log index applied to the state machine",
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raft_commit_duration_seconds",
			Help:    "Time taken to commit a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dependency resolution metrics (C8)
	DependencyResolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dependency_resolve_duration_seconds",
			Help:    "Time taken to resolve agent configs into spawn waves in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Agent runtime metrics (C10)
	AgentActiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agent_active_total",
			Help: "Total number of agent executors currently running",
		},
	)

	AgentLifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_lifecycle_total",
			Help: "Total number of agent lifecycle transitions by outcome (started, completed, failed)",
		},
		[]string{"outcome"},
	)

	// Orchestration metrics (C11)
	OrchestrationPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestration_phase",
			Help: "Current orchestration phase ordinal",
		},
	)
)

func init() {
	prometheus.MustRegister(WALTransactionsTotal)
	prometheus.MustRegister(WALCurrentSequence)
	prometheus.MustRegister(LedgerAccountBalance)
	prometheus.MustRegister(LedgerEventsCommittedTotal)
	prometheus.MustRegister(RaftIsLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(DependencyResolveDuration)
	prometheus.MustRegister(AgentActiveTotal)
	prometheus.MustRegister(AgentLifecycleTotal)
	prometheus.MustRegister(OrchestrationPhase)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
