// Package metrics exposes copycat's prometheus collectors, grouped by
// subsystem (raft, log, session, compaction) and registered once at
// package init.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft metrics
	RaftTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copycat_raft_term",
		Help: "Current raft term observed by this server",
	})

	RaftIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copycat_raft_is_leader",
		Help: "Whether this node is the raft leader (1 = leader, 0 = not)",
	})

	RaftCommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copycat_raft_commit_index",
		Help: "Highest log index known committed",
	})

	RaftLastApplied = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copycat_raft_last_applied",
		Help: "Highest log index applied to the state machine",
	})

	RaftElectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copycat_raft_elections_total",
		Help: "Total number of elections this node has started",
	})

	RaftCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "copycat_raft_commit_duration_seconds",
		Help:    "Time taken to commit a log entry to quorum",
		Buckets: prometheus.DefBuckets,
	})

	RaftApplyDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "copycat_raft_apply_duration_seconds",
		Help:    "Time taken to apply a committed entry to the state machine",
		Buckets: prometheus.DefBuckets,
	})

	// Log storage metrics
	LogSegmentsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copycat_log_segments_total",
		Help: "Number of segments currently in the log",
	})

	LogAppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copycat_log_appends_total",
		Help: "Total number of entries appended to the log",
	})

	LogAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "copycat_log_append_duration_seconds",
		Help:    "Time taken to append an entry to the current segment",
		Buckets: prometheus.DefBuckets,
	})

	// Session metrics
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "copycat_sessions_active",
		Help: "Number of active client sessions",
	})

	SessionsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "copycat_sessions_expired_total",
		Help: "Total number of sessions expired for missed keep-alives",
	})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copycat_commands_total",
		Help: "Total number of commands applied, by outcome",
	}, []string{"outcome"})

	// Compaction metrics
	CompactionRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "copycat_compaction_runs_total",
		Help: "Total number of compaction runs by policy",
	}, []string{"policy"})

	CompactionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copycat_compaction_duration_seconds",
		Help:    "Time taken for a compaction run by policy",
		Buckets: prometheus.DefBuckets,
	}, []string{"policy"})
)

func init() {
	prometheus.MustRegister(
		RaftTerm, RaftIsLeader, RaftCommitIndex, RaftLastApplied,
		RaftElectionsTotal, RaftCommitDuration, RaftApplyDuration,
		LogSegmentsTotal, LogAppendsTotal, LogAppendDuration,
		SessionsActive, SessionsExpiredTotal, CommandsTotal,
		CompactionRunsTotal, CompactionDuration,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
