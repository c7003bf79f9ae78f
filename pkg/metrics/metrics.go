package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consensus metrics, labeled by node id so in-process clusters (the
	// test harness runs several nodes per process) stay distinguishable.
	RaftTerm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openraft_term",
			Help: "Current term of the node's persisted vote",
		},
		[]string{"node_id"},
	)

	RaftIsLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openraft_is_leader",
			Help: "Whether this node is the leader (1 = leader, 0 = not)",
		},
		[]string{"node_id"},
	)

	RaftState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openraft_state",
			Help: "Node role (0 = non-voter, 1 = follower, 2 = candidate, 3 = leader)",
		},
		[]string{"node_id"},
	)

	RaftLastLogIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openraft_last_log_index",
			Help: "Index of the last log entry",
		},
		[]string{"node_id"},
	)

	RaftLastApplied = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "openraft_last_applied_index",
			Help: "Index of the last applied log entry",
		},
		[]string{"node_id"},
	)

	ElectionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openraft_elections_started_total",
			Help: "Total number of elections started by this node",
		},
		[]string{"node_id"},
	)

	VotesGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openraft_votes_granted_total",
			Help: "Total number of vote requests granted by this node",
		},
		[]string{"node_id"},
	)

	SnapshotsBuilt = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openraft_snapshots_built_total",
			Help: "Total number of snapshots built by this node",
		},
		[]string{"node_id"},
	)
)

// Register registers all collectors with the default registry. Call once at
// process start.
func Register() {
	prometheus.MustRegister(
		RaftTerm,
		RaftIsLeader,
		RaftState,
		RaftLastLogIndex,
		RaftLastApplied,
		ElectionsStarted,
		VotesGranted,
		SnapshotsBuilt,
	)
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NodeLabel formats a node id for use as a label value.
func NodeLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}
