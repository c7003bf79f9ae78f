// Package framework hosts the in-process cluster harness used by the
// integration tests: a RaftRouter that owns a set of nodes backed by
// in-memory stores and delivers their RPCs to each other by node id.
package framework

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Veeupup/openraft/pkg/config"
	"github.com/Veeupup/openraft/pkg/network"
	"github.com/Veeupup/openraft/pkg/raft"
	"github.com/Veeupup/openraft/pkg/storage"
	"github.com/Veeupup/openraft/pkg/types"
)

// RaftRouter owns a map of node ids to in-process node handles and routes
// RPCs between them. Stopped or isolated nodes fail with transport errors,
// which is exactly what a crashed or partitioned peer looks like to the
// consensus core.
type RaftRouter struct {
	cfg *config.Config

	mu    sync.RWMutex
	nodes map[types.NodeID]*routerNode
}

type routerNode struct {
	raft     *raft.Raft
	store    *storage.MemStore
	stopped  bool
	isolated bool
}

// NewRaftRouter creates an empty router sharing cfg across all nodes.
func NewRaftRouter(cfg *config.Config) *RaftRouter {
	return &RaftRouter{
		cfg:   cfg,
		nodes: make(map[types.NodeID]*routerNode),
	}
}

// NewRaftNode brings one node online, knowing only itself.
func (r *RaftRouter) NewRaftNode(id types.NodeID) error {
	store := storage.NewMemStore()
	node, err := raft.New(id, r.cfg, &routerClient{router: r, self: id}, store, nil)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = &routerNode{raft: node, store: store}
	return nil
}

// Node returns the raw handle, for direct RPC injection.
func (r *RaftRouter) Node(id types.NodeID) *raft.Raft {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id].raft
}

// Store returns a node's backing store, for storage-level assertions.
func (r *RaftRouter) Store(id types.NodeID) *storage.MemStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id].store
}

// StopNode shuts a node down; peers see transport errors from then on.
func (r *RaftRouter) StopNode(id types.NodeID) {
	r.mu.Lock()
	node := r.nodes[id]
	node.stopped = true
	r.mu.Unlock()

	node.raft.Shutdown()
}

// Isolate cuts a node off the virtual network in both directions without
// stopping it.
func (r *RaftRouter) Isolate(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id].isolated = true
}

// Restore reconnects an isolated node.
func (r *RaftRouter) Restore(id types.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id].isolated = false
}

// Shutdown stops every node.
func (r *RaftRouter) Shutdown() {
	r.mu.Lock()
	nodes := make([]*routerNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if !n.stopped {
			n.stopped = true
			nodes = append(nodes, n)
		}
	}
	r.mu.Unlock()

	for _, n := range nodes {
		n.raft.Shutdown()
	}
}

// NodeIDs returns all known node ids in ascending order.
func (r *RaftRouter) NodeIDs() []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InitializeFromSingleNode sends the initialization command to one node
// with the full voter set: every node currently known to the router.
func (r *RaftRouter) InitializeFromSingleNode(ctx context.Context, id types.NodeID) error {
	members := types.NewMembership(r.NodeIDs()...)
	return r.Node(id).Initialize(ctx, members)
}

// GetLeader returns the single live leader, if there is exactly one.
func (r *RaftRouter) GetLeader() (types.NodeID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var leaders []types.NodeID
	for id, n := range r.nodes {
		if n.stopped {
			continue
		}
		if n.raft.Metrics().State == raft.StateLeader {
			leaders = append(leaders, id)
		}
	}
	switch len(leaders) {
	case 0:
		return 0, fmt.Errorf("no leader")
	case 1:
		return leaders[0], nil
	default:
		return 0, fmt.Errorf("multiple leaders: %v", leaders)
	}
}

// ClientWrite proposes through the current leader.
func (r *RaftRouter) ClientWrite(ctx context.Context, req types.Request) (*types.Response, error) {
	leader, err := r.GetLeader()
	if err != nil {
		return nil, err
	}
	return r.Node(leader).ClientWrite(ctx, req)
}

// Every wait on the in-process cluster samples the nodes' published
// metrics snapshots; those are atomic loads, so sampling at a few
// milliseconds is cheap and keeps the harness responsive to fast
// elections.
const (
	pollTimeout  = 10 * time.Second
	pollInterval = 5 * time.Millisecond
)

// WaitFor samples cond until it holds, the router-wide timeout passes, or
// ctx is cancelled.
func (r *RaftRouter) WaitFor(ctx context.Context, cond func() bool, desc string) error {
	deadline := time.Now().Add(pollTimeout)
	for !cond() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", desc, err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("gave up after %v waiting for %s", pollTimeout, desc)
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// waitForMetric waits until every listed node's metrics satisfy ok.
func (r *RaftRouter) waitForMetric(ctx context.Context, ids []types.NodeID, ok func(raft.Metrics) bool, desc string) error {
	return r.WaitFor(ctx, func() bool {
		for _, id := range ids {
			if !ok(r.Node(id).Metrics()) {
				return false
			}
		}
		return true
	}, desc)
}

// WaitForLog waits until every listed node's last log index reaches want.
func (r *RaftRouter) WaitForLog(ctx context.Context, ids []types.NodeID, want uint64, label string) error {
	return r.waitForMetric(ctx, ids, func(m raft.Metrics) bool {
		return m.LastLogIndex == want
	}, fmt.Sprintf("%s: nodes %v to reach log index %d", label, ids, want))
}

// WaitForState waits until every listed node holds the given role.
func (r *RaftRouter) WaitForState(ctx context.Context, ids []types.NodeID, state raft.State, label string) error {
	return r.waitForMetric(ctx, ids, func(m raft.Metrics) bool {
		return m.State == state
	}, fmt.Sprintf("%s: nodes %v to reach state %s", label, ids, state))
}

// WaitForCommit waits until every listed node's commit index reaches want.
func (r *RaftRouter) WaitForCommit(ctx context.Context, ids []types.NodeID, want uint64, label string) error {
	return r.waitForMetric(ctx, ids, func(m raft.Metrics) bool {
		return m.CommitIndex == want
	}, fmt.Sprintf("%s: nodes %v to reach commit index %d", label, ids, want))
}

// WaitForAnyLeader waits until the cluster has exactly one leader.
func WaitForAnyLeader(ctx context.Context, r *RaftRouter) (types.NodeID, error) {
	var leader types.NodeID
	err := r.WaitFor(ctx, func() bool {
		id, err := r.GetLeader()
		if err != nil {
			return false
		}
		leader = id
		return true
	}, "leader election to complete")
	return leader, err
}

// WaitForNewLeader waits for a single leader whose term is at least
// minTerm, excluding the given node.
func (r *RaftRouter) WaitForNewLeader(ctx context.Context, exclude types.NodeID, minTerm uint64) (types.NodeID, error) {
	var leader types.NodeID
	err := r.WaitFor(ctx, func() bool {
		id, err := r.GetLeader()
		if err != nil || id == exclude {
			return false
		}
		if r.Node(id).Metrics().CurrentTerm < minTerm {
			return false
		}
		leader = id
		return true
	}, fmt.Sprintf("new leader (not %d) with term >= %d", exclude, minTerm))
	return leader, err
}

// AssertPristineCluster asserts that every node is a passive NonVoter with
// no vote, no log, and no leader.
func (r *RaftRouter) AssertPristineCluster(t *testing.T) {
	t.Helper()
	for _, id := range r.NodeIDs() {
		m := r.Node(id).Metrics()
		if m.State != raft.StateNonVoter {
			t.Fatalf("node %d: expected non-voter, got %s", id, m.State)
		}
		if m.CurrentTerm != 0 || m.Vote.VotedFor != nil {
			t.Fatalf("node %d: expected blank vote, got %s", id, m.Vote)
		}
		if m.LastLogID != nil {
			t.Fatalf("node %d: expected empty log, got %s", id, m.LastLogID)
		}
		if m.CurrentLeader != nil {
			t.Fatalf("node %d: expected no leader, got %d", id, *m.CurrentLeader)
		}
	}
}

// AssertStableCluster asserts a single leader at the expected term with
// every live node's log and commit index at expectedLastLog.
func (r *RaftRouter) AssertStableCluster(t *testing.T, expectedTerm, expectedLastLog uint64) {
	t.Helper()

	leader, err := r.GetLeader()
	if err != nil {
		t.Fatalf("stable cluster: %v", err)
	}

	for _, id := range r.NodeIDs() {
		r.mu.RLock()
		stopped := r.nodes[id].stopped
		r.mu.RUnlock()
		if stopped {
			continue
		}

		m := r.Node(id).Metrics()
		if m.CurrentTerm != expectedTerm {
			t.Fatalf("node %d: expected term %d, got %d", id, expectedTerm, m.CurrentTerm)
		}
		if m.LastLogIndex != expectedLastLog {
			t.Fatalf("node %d: expected last log %d, got %d", id, expectedLastLog, m.LastLogIndex)
		}
		if m.CommitIndex != expectedLastLog {
			t.Fatalf("node %d: expected commit index %d, got %d", id, expectedLastLog, m.CommitIndex)
		}
		if id != leader && m.State != raft.StateFollower {
			t.Fatalf("node %d: expected follower, got %s", id, m.State)
		}
		if m.CurrentLeader == nil || *m.CurrentLeader != leader {
			t.Fatalf("node %d: expected leader %d, got %v", id, leader, m.CurrentLeader)
		}
	}
}

// routerClient is one node's view of the virtual network: sends fail when
// either end is stopped or isolated.
type routerClient struct {
	router *RaftRouter
	self   types.NodeID
}

func (c *routerClient) lookup(target types.NodeID, op string) (*raft.Raft, error) {
	c.router.mu.RLock()
	defer c.router.mu.RUnlock()

	if me, ok := c.router.nodes[c.self]; ok && me.isolated {
		return nil, network.NewError(target, op, fmt.Errorf("node %d is isolated", c.self))
	}
	node, ok := c.router.nodes[target]
	if !ok || node.stopped || node.isolated {
		return nil, network.NewError(target, op, fmt.Errorf("node %d unreachable", target))
	}
	return node.raft, nil
}

func (c *routerClient) SendVote(ctx context.Context, target types.NodeID, req *types.VoteRequest) (*types.VoteResponse, error) {
	node, err := c.lookup(target, "vote")
	if err != nil {
		return nil, err
	}
	resp, err := node.Vote(ctx, req)
	if err != nil {
		return nil, network.NewError(target, "vote", err)
	}
	return resp, nil
}

func (c *routerClient) SendAppendEntries(ctx context.Context, target types.NodeID, req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error) {
	node, err := c.lookup(target, "append_entries")
	if err != nil {
		return nil, err
	}
	resp, err := node.AppendEntries(ctx, req)
	if err != nil {
		return nil, network.NewError(target, "append_entries", err)
	}
	return resp, nil
}

func (c *routerClient) SendInstallSnapshot(ctx context.Context, target types.NodeID, req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error) {
	node, err := c.lookup(target, "install_snapshot")
	if err != nil {
		return nil, err
	}
	resp, err := node.InstallSnapshot(ctx, req)
	if err != nil {
		return nil, network.NewError(target, "install_snapshot", err)
	}
	return resp, nil
}

// TestConfig is the timing profile shared by the integration tests: fast
// elections, heartbeats well inside the stickiness window.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.ClusterName = "test"
	cfg.ElectionTimeoutMinMs = 150
	cfg.ElectionTimeoutMaxMs = 300
	cfg.HeartbeatIntervalMs = 50
	cfg.SnapshotPolicy = config.SnapshotPolicy{}
	return cfg
}

// ElectionTimeoutMax returns the configured upper bound, used by tests
// that sleep through "no activity" windows.
func (r *RaftRouter) ElectionTimeoutMax() time.Duration {
	_, max := r.cfg.ElectionTimeout()
	return max
}
