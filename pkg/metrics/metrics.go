// Package metrics exposes the node's Prometheus instrumentation: gossip
// traffic, consensus progress, leader execution, config replication, and
// chain submission, in the same promauto struct-of-metrics shape the
// teacher uses for its HTTP/analysis metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every metric this node process emits.
type Metrics struct {
	messagesSeenTotal       prometheus.Counter
	consensusReachedTotal   prometheus.Counter
	consensusLatency        prometheus.Histogram
	equivocationsDetected   prometheus.Counter

	leaderExecutionsTotal *prometheus.CounterVec
	leaderTakeoversTotal  prometheus.Counter
	leaderExecutionLatency prometheus.Histogram

	configCASConflictsTotal prometheus.Counter
	configAppliedTotal      prometheus.Counter

	submitterBatchSize     prometheus.Histogram
	submitterSubmitLatency *prometheus.HistogramVec
	submitterRetriesTotal  prometheus.Counter

	gossipDuplicatesDropped prometheus.Counter
	activeNodeCount         prometheus.Gauge
}

// NewMetrics registers and returns the node's metric set against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		messagesSeenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_messages_seen_total",
			Help: "Total number of distinct signed messages this node has witnessed via gossip or direct agent delivery",
		}),
		consensusReachedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_consensus_reached_total",
			Help: "Total number of msg_ids that reached ConsensusReached",
		}),
		consensusLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "node_consensus_latency_seconds",
			Help:    "Time from first Received to ConsensusReached for a msg_id",
			Buckets: prometheus.DefBuckets,
		}),
		equivocationsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_equivocations_detected_total",
			Help: "Total number of distinct owner equivocations this node has raised an alert for",
		}),

		leaderExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "node_leader_executions_total",
			Help: "Total number of Leader execution attempts by outcome",
		}, []string{"outcome"}),
		leaderTakeoversTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_leader_takeovers_total",
			Help: "Total number of backup-rank leader takeovers observed",
		}),
		leaderExecutionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "node_leader_execution_latency_seconds",
			Help:    "Duration of the Leader's platform action callback",
			Buckets: prometheus.DefBuckets,
		}),

		configCASConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_config_cas_conflicts_total",
			Help: "Total number of rejected config writes due to a stale expected_version",
		}),
		configAppliedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_config_applied_total",
			Help: "Total number of signed configs successfully applied (direct write or gossip replication)",
		}),

		submitterBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "node_submitter_batch_size",
			Help:    "Size of confirmation batches submitted to the chain",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		submitterSubmitLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "node_submitter_submit_latency_seconds",
			Help:    "Latency of a chain submission call by kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		submitterRetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_submitter_retries_total",
			Help: "Total number of transient-error retries performed by the chain submitter",
		}),

		gossipDuplicatesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "node_gossip_duplicates_dropped_total",
			Help: "Total number of inbound gossip envelopes dropped as duplicates",
		}),
		activeNodeCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "node_active_node_count",
			Help: "Current size of the active node set from the Chain Cache",
		}),
	}
}

func (m *Metrics) RecordMessageSeen() { m.messagesSeenTotal.Inc() }

func (m *Metrics) RecordConsensusReached(latency time.Duration) {
	m.consensusReachedTotal.Inc()
	m.consensusLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordEquivocationDetected() { m.equivocationsDetected.Inc() }

func (m *Metrics) RecordLeaderExecution(outcome string, latency time.Duration) {
	m.leaderExecutionsTotal.WithLabelValues(outcome).Inc()
	m.leaderExecutionLatency.Observe(latency.Seconds())
}

func (m *Metrics) RecordLeaderTakeover() { m.leaderTakeoversTotal.Inc() }

func (m *Metrics) RecordConfigCASConflict() { m.configCASConflictsTotal.Inc() }

func (m *Metrics) RecordConfigApplied() { m.configAppliedTotal.Inc() }

func (m *Metrics) RecordSubmitterBatch(size int, kind string, latency time.Duration) {
	m.submitterBatchSize.Observe(float64(size))
	m.submitterSubmitLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func (m *Metrics) RecordSubmitterRetry() { m.submitterRetriesTotal.Inc() }

func (m *Metrics) RecordGossipDuplicateDropped() { m.gossipDuplicatesDropped.Inc() }

func (m *Metrics) SetActiveNodeCount(n int) { m.activeNodeCount.Set(float64(n)) }

// GetRegistry returns the Prometheus gatherer backing these metrics.
func (m *Metrics) GetRegistry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
