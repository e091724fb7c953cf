package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rimio_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	SlotsAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rimio_slots_assigned",
			Help: "Total number of slots assigned to this node",
		},
	)

	// Raft / registry metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rimio_raft_is_leader",
			Help: "Whether this node is the embedded registry's Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rimio_raft_peers_total",
			Help: "Total number of Raft peers in the coordination registry",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rimio_raft_applied_index",
			Help: "Last applied Raft log index in the coordination registry",
		},
	)

	RegistryWatchLagSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rimio_registry_watch_lag_seconds",
			Help: "Seconds since the last registry watch event was observed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rimio_api_requests_total",
			Help: "Total number of API requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rimio_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Part store metrics
	PartBytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rimio_part_bytes_written_total",
			Help: "Total bytes written to the local part store",
		},
	)

	PartBytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rimio_part_bytes_read_total",
			Help: "Total bytes read from the local part store",
		},
	)

	PartHashMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rimio_part_hash_mismatches_total",
			Help: "Total number of parts rejected for hash mismatch",
		},
	)

	// Two-phase commit metrics
	TxOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rimio_tx_outcomes_total",
			Help: "Total number of two-phase commit transactions by outcome",
		},
		[]string{"outcome"}, // committed, aborted, timed_out
	)

	TxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rimio_tx_duration_seconds",
			Help:    "Time from prepare to terminal state for a two-phase commit transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Repair / anti-entropy metrics
	RepairAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rimio_repair_attempts_total",
			Help: "Total number of repair attempts by source and outcome",
		},
		[]string{"source", "outcome"}, // source: local, archive, peer; outcome: ok, miss, mismatch
	)

	AntiEntropyCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rimio_anti_entropy_cycles_total",
			Help: "Total number of anti-entropy sweeps completed",
		},
	)

	AntiEntropyCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rimio_anti_entropy_cycle_duration_seconds",
			Help:    "Time taken for an anti-entropy sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(SlotsAssigned)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RegistryWatchLagSeconds)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(PartBytesWritten)
	prometheus.MustRegister(PartBytesRead)
	prometheus.MustRegister(PartHashMismatchesTotal)
	prometheus.MustRegister(TxOutcomesTotal)
	prometheus.MustRegister(TxDuration)
	prometheus.MustRegister(RepairAttemptsTotal)
	prometheus.MustRegister(AntiEntropyCyclesTotal)
	prometheus.MustRegister(AntiEntropyCycleDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
