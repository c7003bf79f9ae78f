package raft

import (
	"github.com/Veeupup/openraft/pkg/metrics"
	"github.com/Veeupup/openraft/pkg/types"
)

// Metrics is an observable snapshot of a node's consensus state. The core
// publishes a fresh snapshot after every handled stimulus; readers (such as
// the test harness) poll without touching the owning task.
type Metrics struct {
	ID          types.NodeID
	State       State
	CurrentTerm uint64
	Vote        types.Vote

	LastLogIndex uint64
	LastLogID    *types.LogID
	LastApplied  *types.LogID
	CommitIndex  uint64

	CurrentLeader    *types.NodeID
	MembershipVoters []types.NodeID
}

// publishMetrics snapshots the core state for external observers and
// mirrors the headline gauges to Prometheus.
func (c *core) publishMetrics() {
	m := Metrics{
		ID:          c.id,
		State:       c.state,
		CurrentTerm: c.vote.Term,
		Vote:        c.vote,
		CommitIndex: c.commitIndex,
	}
	if c.lastLogID != nil {
		id := *c.lastLogID
		m.LastLogID = &id
		m.LastLogIndex = id.Index
	}
	if c.lastApplied != nil {
		id := *c.lastApplied
		m.LastApplied = &id
	}
	if c.currentLeader != nil {
		id := *c.currentLeader
		m.CurrentLeader = &id
	}
	m.MembershipVoters = append([]types.NodeID(nil), c.membership.Membership.Voters...)

	c.metricsVal.Store(&m)

	label := metrics.NodeLabel(uint64(c.id))
	metrics.RaftTerm.WithLabelValues(label).Set(float64(c.vote.Term))
	metrics.RaftState.WithLabelValues(label).Set(float64(c.state))
	metrics.RaftLastLogIndex.WithLabelValues(label).Set(float64(m.LastLogIndex))
	if c.lastApplied != nil {
		metrics.RaftLastApplied.WithLabelValues(label).Set(float64(c.lastApplied.Index))
	}
	if c.state == StateLeader {
		metrics.RaftIsLeader.WithLabelValues(label).Set(1)
	} else {
		metrics.RaftIsLeader.WithLabelValues(label).Set(0)
	}
}
