package raft

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Veeupup/openraft/pkg/config"
	"github.com/Veeupup/openraft/pkg/events"
	"github.com/Veeupup/openraft/pkg/network"
	"github.com/Veeupup/openraft/pkg/storage"
	"github.com/Veeupup/openraft/pkg/types"
)

// Raft is the public handle to one consensus node. All state lives behind
// a single owning goroutine; the handle turns calls into messages and
// awaits one-shot replies, so callers never race the core.
//
// Raft implements network.RaftService: transports dispatch inbound peer
// RPCs straight into it.
type Raft struct {
	core *core

	shutdownOnce sync.Once
}

var _ network.RaftService = (*Raft)(nil)

// New constructs a node over its storage and network, recovers persisted
// state (vote, log bounds, applied state, membership), and starts the
// owning task. A fresh node comes up as NonVoter; a node whose recovered
// membership names it a voter comes up as Follower.
func New(id types.NodeID, cfg *config.Config, net network.Network, store storage.Store, broker *events.Broker) (*Raft, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c, err := newCore(id, cfg, net, store, broker)
	if err != nil {
		return nil, err
	}

	r := &Raft{core: c}
	go c.runMain()
	return r, nil
}

// Metrics returns the latest published state snapshot.
func (r *Raft) Metrics() Metrics {
	return *r.core.metricsVal.Load()
}

// Shutdown stops the owning task and waits for it to exit.
func (r *Raft) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.core.shutdownCh) })
	<-r.core.doneCh
}

// Initialize bootstraps a pristine node with the cluster's voter set. The
// node must be a NonVoter with an empty log and a blank vote, and members
// must include it. On success the node becomes a Follower and normal
// operation (elections included) begins; the first elected leader commits
// the initial membership entry.
func (r *Raft) Initialize(ctx context.Context, members types.Membership) error {
	msg := &initializeMsg{members: members, replyCh: make(chan error, 1)}
	if err := r.send(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.replyCh:
		return err
	case <-r.core.doneCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientWrite proposes application data. Only the leader accepts; other
// nodes reject with *NotLeaderError carrying the current leader hint. The
// call returns after the entry is committed and applied.
func (r *Raft) ClientWrite(ctx context.Context, req types.Request) (*types.Response, error) {
	msg := &clientWriteMsg{req: req, replyCh: make(chan clientWriteReply, 1)}
	if err := r.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case rep := <-msg.replyCh:
		return rep.resp, rep.err
	case <-r.core.doneCh:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Vote handles an inbound RequestVote RPC.
func (r *Raft) Vote(ctx context.Context, req *types.VoteRequest) (*types.VoteResponse, error) {
	msg := &voteMsg{req: req, replyCh: make(chan voteReply, 1)}
	if err := r.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case rep := <-msg.replyCh:
		return rep.resp, rep.err
	case <-r.core.doneCh:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AppendEntries handles an inbound AppendEntries RPC.
func (r *Raft) AppendEntries(ctx context.Context, req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error) {
	msg := &appendEntriesMsg{req: req, replyCh: make(chan appendEntriesReply, 1)}
	if err := r.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case rep := <-msg.replyCh:
		return rep.resp, rep.err
	case <-r.core.doneCh:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InstallSnapshot handles an inbound InstallSnapshot RPC chunk.
func (r *Raft) InstallSnapshot(ctx context.Context, req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error) {
	msg := &installSnapshotMsg{req: req, replyCh: make(chan installSnapshotReply, 1)}
	if err := r.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case rep := <-msg.replyCh:
		return rep.resp, rep.err
	case <-r.core.doneCh:
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Raft) send(ctx context.Context, msg interface{}) error {
	select {
	case r.core.msgCh <- msg:
		return nil
	case <-r.core.doneCh:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages into the owning task. Each carries a buffered one-shot reply
// channel so the core never blocks on a departed caller.

type voteMsg struct {
	req     *types.VoteRequest
	replyCh chan voteReply
}

type voteReply struct {
	resp *types.VoteResponse
	err  error
}

type appendEntriesMsg struct {
	req     *types.AppendEntriesRequest
	replyCh chan appendEntriesReply
}

type appendEntriesReply struct {
	resp *types.AppendEntriesResponse
	err  error
}

type installSnapshotMsg struct {
	req     *types.InstallSnapshotRequest
	replyCh chan installSnapshotReply
}

type installSnapshotReply struct {
	resp *types.InstallSnapshotResponse
	err  error
}

type clientWriteMsg struct {
	req     types.Request
	replyCh chan clientWriteReply
}

type clientWriteReply struct {
	resp *types.Response
	err  error
}

type initializeMsg struct {
	members types.Membership
	replyCh chan error
}

// metricsStore is a tiny typed wrapper over atomic.Value.
type metricsStore struct {
	v atomic.Value
}

func (s *metricsStore) Store(m *Metrics) { s.v.Store(m) }
func (s *metricsStore) Load() *Metrics   { return s.v.Load().(*Metrics) }
