package raft

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Veeupup/openraft/pkg/config"
	"github.com/Veeupup/openraft/pkg/events"
	"github.com/Veeupup/openraft/pkg/log"
	"github.com/Veeupup/openraft/pkg/network"
	"github.com/Veeupup/openraft/pkg/storage"
	"github.com/Veeupup/openraft/pkg/types"
)

// core is the single owning task of one node. Every field below is touched
// only from runMain's goroutine; the rest of the process communicates
// through msgCh and the published metrics snapshot.
type core struct {
	id     types.NodeID
	cfg    *config.Config
	net    network.Network
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger

	state       State
	targetState State

	vote        types.Vote
	lastLogID   *types.LogID
	lastPurged  *types.LogID
	lastApplied *types.LogID
	commitIndex uint64

	membership    types.EffectiveMembership
	currentLeader *types.NodeID

	// lastHeartbeat is the arrival time of the last valid leader message;
	// zero if none was ever received. It drives both the election timer
	// reset and the leader-stickiness vote rejection.
	lastHeartbeat    time.Time
	electionDeadline time.Time

	leader   *leaderState
	snapRecv *snapshotRecvState

	snapshotInFlight  bool
	lastSnapshotIndex uint64
	snapshotDoneCh    chan *storage.Snapshot

	msgCh      chan interface{}
	shutdownCh chan struct{}
	doneCh     chan struct{}

	metricsVal metricsStore
}

// snapshotRecvState tracks one inbound snapshot stream.
type snapshotRecvState struct {
	snapshotID string
	buf        *bytes.Buffer
}

func newCore(id types.NodeID, cfg *config.Config, net network.Network, store storage.Store, broker *events.Broker) (*core, error) {
	c := &core{
		id:             id,
		cfg:            cfg,
		net:            net,
		store:          store,
		broker:         broker,
		logger:         log.WithNodeID(uint64(id)),
		state:          StateNonVoter,
		targetState:    StateNonVoter,
		snapshotDoneCh: make(chan *storage.Snapshot, 1),
		msgCh:          make(chan interface{}, 64),
		shutdownCh:     make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	if err := c.recover(); err != nil {
		return nil, err
	}

	c.publishMetrics()
	return c, nil
}

// recover loads persisted state and decides the initial role.
func (c *core) recover() error {
	ctx := context.Background()

	vote, err := c.store.ReadVote(ctx)
	if err != nil {
		return err
	}
	if vote != nil {
		c.vote = *vote
	}

	logState, err := c.store.GetLogState(ctx)
	if err != nil {
		return err
	}
	c.lastLogID = logState.LastLogID
	c.lastPurged = logState.LastPurgedLogID

	applied, appliedMembership, err := c.store.LastAppliedState(ctx)
	if err != nil {
		return err
	}
	c.lastApplied = applied
	if applied != nil {
		c.commitIndex = applied.Index
	}
	if appliedMembership != nil {
		c.membership = *appliedMembership
	}

	if snap, err := c.store.GetCurrentSnapshot(ctx); err != nil {
		return err
	} else if snap != nil {
		c.lastSnapshotIndex = snap.Meta.LastLogID.Index
	}

	// The effective membership is the latest appended config, which may
	// sit in the log beyond the applied watermark.
	if m, err := c.scanLogMembership(ctx); err != nil {
		return err
	} else if m != nil && types.CompareLogID(m.LogID, c.membership.LogID) > 0 {
		c.membership = *m
	}

	if len(c.membership.Membership.Voters) > 0 && c.membership.Membership.Contains(c.id) {
		c.state = StateFollower
		c.targetState = StateFollower
	}
	return nil
}

// scanLogMembership finds the last membership entry in the live log.
func (c *core) scanLogMembership(ctx context.Context) (*types.EffectiveMembership, error) {
	start := types.NextIndex(c.lastPurged)
	if c.lastLogID == nil || c.lastLogID.Index < start {
		return nil, nil
	}

	entries, err := c.store.GetLogEntries(ctx, start, c.lastLogID.Index+1)
	if err != nil {
		return nil, err
	}
	var found *types.EffectiveMembership
	for i := range entries {
		if entries[i].Payload.Kind() == types.PayloadMembership {
			id := entries[i].LogID
			found = &types.EffectiveMembership{
				LogID:      &id,
				Membership: entries[i].Payload.Membership.Clone(),
			}
		}
	}
	return found, nil
}

// runMain drives the per-role loops until shutdown. Each loop returns when
// targetState no longer matches its role.
func (c *core) runMain() {
	defer close(c.doneCh)
	defer c.publishMetrics()

	c.logger.Info().Str("state", c.state.String()).Msg("raft node started")

	for {
		switch c.targetState {
		case StateNonVoter:
			c.runNonVoter()
		case StateFollower:
			c.runFollower()
		case StateCandidate:
			c.runCandidate()
		case StateLeader:
			c.runLeader()
		case StateShutdown:
			c.state = StateShutdown
			c.publish(&events.Event{Type: events.EventNodeShutdown, NodeID: uint64(c.id), Term: c.vote.Term})
			c.logger.Info().Msg("raft node stopped")
			return
		}
	}
}

// setTargetState requests a role change; the current loop observes it and
// returns. A node targeted to Follower while absent from the voter set
// lands in NonVoter instead, so a voteless bystander never campaigns.
func (c *core) setTargetState(s State) {
	if s == StateFollower {
		if len(c.membership.Membership.Voters) == 0 || !c.membership.Membership.Contains(c.id) {
			s = StateNonVoter
		}
	}
	if s != c.targetState {
		c.logger.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("target state change")
	}
	c.targetState = s
}

func (c *core) enterState(s State) {
	if c.state != s {
		c.logger.Info().Str("from", c.state.String()).Str("to", s.String()).Uint64("term", c.vote.Term).Msg("role changed")
		c.publish(&events.Event{
			Type:    events.EventRoleChanged,
			NodeID:  uint64(c.id),
			Term:    c.vote.Term,
			Message: s.String(),
		})
	}
	c.state = s
	c.targetState = s
	c.publishMetrics()
}

// runNonVoter is completely passive: it answers RPCs but never campaigns.
func (c *core) runNonVoter() {
	c.enterState(StateNonVoter)

	for c.targetState == StateNonVoter {
		select {
		case <-c.shutdownCh:
			c.setTargetState(StateShutdown)
		case m := <-c.msgCh:
			c.handleMsg(m)
		case snap := <-c.snapshotDoneCh:
			c.finishSnapshotBuild(snap)
		}
	}
}

func (c *core) runFollower() {
	c.enterState(StateFollower)
	c.updateElectionDeadline()

	for c.targetState == StateFollower {
		timer := time.NewTimer(time.Until(c.electionDeadline))
		select {
		case <-c.shutdownCh:
			c.setTargetState(StateShutdown)
		case m := <-c.msgCh:
			c.handleMsg(m)
		case snap := <-c.snapshotDoneCh:
			c.finishSnapshotBuild(snap)
		case <-timer.C:
			// The deadline may have been pushed forward by a heartbeat
			// while we slept; only a genuinely expired deadline starts an
			// election.
			if !time.Now().Before(c.electionDeadline) {
				c.logger.Info().Uint64("term", c.vote.Term).Msg("election timeout, becoming candidate")
				c.setTargetState(StateCandidate)
			}
		}
		timer.Stop()
		c.publishMetrics()
	}
}

// handleMsg dispatches one inbound stimulus. Replies go to buffered
// one-shot channels, so a departed caller never blocks the core. Metrics
// are published before the reply leaves: a caller that observed the
// response also observes the state it produced.
func (c *core) handleMsg(m interface{}) {
	switch msg := m.(type) {
	case *voteMsg:
		resp, err := c.handleVoteRequest(msg.req)
		c.publishMetrics()
		msg.replyCh <- voteReply{resp: resp, err: err}
	case *appendEntriesMsg:
		resp, err := c.handleAppendEntries(msg.req)
		c.publishMetrics()
		msg.replyCh <- appendEntriesReply{resp: resp, err: err}
	case *installSnapshotMsg:
		resp, err := c.handleInstallSnapshot(msg.req)
		c.publishMetrics()
		msg.replyCh <- installSnapshotReply{resp: resp, err: err}
	case *clientWriteMsg:
		c.handleClientWrite(msg)
		c.publishMetrics()
	case *initializeMsg:
		err := c.handleInitialize(msg.members)
		c.publishMetrics()
		msg.replyCh <- err
	}
}

// handleInitialize bootstraps a pristine node with the cluster voter set.
func (c *core) handleInitialize(members types.Membership) error {
	if c.state != StateNonVoter || c.lastLogID != nil || c.vote.Term != 0 || c.vote.VotedFor != nil {
		return ErrAlreadyInitialized
	}
	if !members.Contains(c.id) {
		return ErrNotInMembership
	}

	c.membership = types.EffectiveMembership{Membership: members.Clone()}
	c.logger.Info().Interface("voters", members.Voters).Msg("cluster initialized")
	c.publish(&events.Event{Type: events.EventMembershipChanged, NodeID: uint64(c.id)})
	c.setTargetState(StateFollower)
	return nil
}

// handleClientWrite accepts a proposal on the leader and rejects it
// elsewhere with the current leader hint.
func (c *core) handleClientWrite(msg *clientWriteMsg) {
	if c.state != StateLeader || c.leader == nil {
		msg.replyCh <- clientWriteReply{err: &NotLeaderError{Leader: c.currentLeader}}
		return
	}
	c.leaderClientWrite(msg)
}

// handleAppendEntries is the follower side of replication; it also serves
// as heartbeat receipt.
func (c *core) handleAppendEntries(req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error) {
	if req.Vote.Less(c.vote) {
		return &types.AppendEntriesResponse{Vote: c.vote, Success: false}, nil
	}

	c.observeLeader(req.Vote, req.LeaderID)

	// Prefix check: the entry preceding the batch must exist locally with
	// the same term. Entries at or below the purged mark are already part
	// of the snapshot and count as matching.
	if conflict, ok, err := c.checkPrefix(req.PrevLogID); err != nil {
		return nil, err
	} else if !ok {
		return &types.AppendEntriesResponse{Vote: c.vote, Success: false, Conflict: conflict}, nil
	}

	if err := c.appendBatch(req.Entries); err != nil {
		return nil, err
	}

	// Advance the commit index and apply. Never beyond our own tail: later
	// entries may not have reached us yet.
	commit := req.LeaderCommit
	if c.lastLogID != nil && commit > c.lastLogID.Index {
		commit = c.lastLogID.Index
	}
	if err := c.applyUpto(commit); err != nil {
		return nil, err
	}

	return &types.AppendEntriesResponse{Vote: c.vote, Success: true}, nil
}

// observeLeader records a valid message from the leader of req.Vote's
// term: heartbeat bookkeeping, vote adoption, and demotion of a local
// candidate/leader.
func (c *core) observeLeader(vote types.Vote, leaderID types.NodeID) {
	c.lastHeartbeat = time.Now()
	c.updateElectionDeadline()
	id := leaderID
	c.currentLeader = &id

	if c.vote.Less(vote) {
		c.vote = vote
		if err := c.saveVote(); err != nil {
			c.fatal(err)
			return
		}
	}
	if c.state == StateCandidate || c.state == StateLeader {
		c.setTargetState(StateFollower)
	}
}

// checkPrefix verifies the leader's prev entry against the local log. On a
// term mismatch the conflicting tail is truncated immediately and the
// local view of the conflict is returned as a back-off hint.
func (c *core) checkPrefix(prev *types.LogID) (*types.LogID, bool, error) {
	if prev == nil {
		return nil, true, nil
	}

	purgedIndex := uint64(0)
	if c.lastPurged != nil {
		purgedIndex = c.lastPurged.Index
	}
	if prev.Index <= purgedIndex {
		// Already snapshotted, necessarily committed and matching.
		return nil, true, nil
	}

	if c.lastLogID == nil || prev.Index > c.lastLogID.Index {
		return c.cloneLastLogID(), false, nil
	}

	ctx := context.Background()
	entries, err := c.store.GetLogEntries(ctx, prev.Index, prev.Index+1)
	if err != nil {
		c.fatal(err)
		return nil, false, err
	}
	if len(entries) == 0 {
		return c.cloneLastLogID(), false, nil
	}

	local := entries[0].LogID
	if local.Term == prev.Term {
		return nil, true, nil
	}

	// The leader's prefix disagrees with our tail: drop everything from
	// the conflict up.
	if err := c.store.DeleteConflictLogsSince(ctx, local); err != nil {
		c.fatal(err)
		return nil, false, err
	}
	if err := c.reloadLogState(ctx); err != nil {
		return nil, false, err
	}
	conflict := local
	return &conflict, false, nil
}

// appendBatch appends the leader's entries, truncating at the first term
// conflict, and tracks membership entries as they land.
func (c *core) appendBatch(entries []types.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx := context.Background()

	purgedIndex := uint64(0)
	if c.lastPurged != nil {
		purgedIndex = c.lastPurged.Index
	}

	first := 0
	for first < len(entries) {
		e := entries[first]
		if e.LogID.Index <= purgedIndex {
			first++
			continue
		}
		if c.lastLogID == nil || e.LogID.Index > c.lastLogID.Index {
			break
		}
		local, err := c.store.GetLogEntries(ctx, e.LogID.Index, e.LogID.Index+1)
		if err != nil {
			c.fatal(err)
			return err
		}
		if len(local) == 1 && local[0].LogID == e.LogID {
			first++
			continue
		}
		// Conflicting or missing entry inside our range: truncate and
		// overwrite from here.
		if err := c.store.DeleteConflictLogsSince(ctx, e.LogID); err != nil {
			c.fatal(err)
			return err
		}
		if err := c.reloadLogState(ctx); err != nil {
			return err
		}
		break
	}

	if first >= len(entries) {
		return nil
	}

	batch := entries[first:]
	if err := c.store.AppendToLog(ctx, batch); err != nil {
		c.fatal(err)
		return err
	}
	last := batch[len(batch)-1].LogID
	c.lastLogID = &last

	for i := range batch {
		if batch[i].Payload.Kind() == types.PayloadMembership {
			c.adoptMembership(batch[i].LogID, *batch[i].Payload.Membership)
		}
	}
	return nil
}

// adoptMembership makes a newly appended config effective immediately.
// Raft uses the latest appended membership, committed or not.
func (c *core) adoptMembership(id types.LogID, m types.Membership) {
	logID := id
	c.membership = types.EffectiveMembership{LogID: &logID, Membership: m.Clone()}
	c.publish(&events.Event{Type: events.EventMembershipChanged, NodeID: uint64(c.id), Term: c.vote.Term})

	if c.state == StateNonVoter && m.Contains(c.id) {
		c.setTargetState(StateFollower)
	}
}

// applyUpto applies committed entries in index order through the commit
// watermark, resolves pending client writes on the leader, and checks the
// snapshot policy.
func (c *core) applyUpto(commit uint64) error {
	if commit <= c.commitIndex {
		return nil
	}
	c.commitIndex = commit

	appliedIndex := uint64(0)
	if c.lastApplied != nil {
		appliedIndex = c.lastApplied.Index
	}
	if commit <= appliedIndex {
		return nil
	}

	ctx := context.Background()
	entries, err := c.store.GetLogEntries(ctx, appliedIndex+1, commit+1)
	if err != nil {
		c.fatal(err)
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	responses, err := c.store.ApplyToStateMachine(ctx, entries)
	if err != nil {
		c.fatal(err)
		return err
	}
	last := entries[len(entries)-1].LogID
	c.lastApplied = &last

	if c.leader != nil {
		c.leaderResolvePending(entries, responses)
	}

	// A committed membership change that drops this node sends it back to
	// NonVoter.
	for i := range entries {
		if entries[i].Payload.Kind() == types.PayloadMembership && !entries[i].Payload.Membership.Contains(c.id) {
			c.logger.Info().Msg("removed from voter set by committed membership change")
			c.setTargetState(StateNonVoter)
		}
	}

	c.maybeTriggerSnapshot()
	return nil
}

// saveVote persists the current vote; durability precedes any grant or
// response that exposes it to the network.
func (c *core) saveVote() error {
	return c.store.SaveVote(context.Background(), c.vote)
}

func (c *core) updateElectionDeadline() {
	c.electionDeadline = time.Now().Add(c.cfg.RandomElectionTimeout())
}

func (c *core) reloadLogState(ctx context.Context) error {
	state, err := c.store.GetLogState(ctx)
	if err != nil {
		c.fatal(err)
		return err
	}
	c.lastLogID = state.LastLogID
	c.lastPurged = state.LastPurgedLogID
	return nil
}

func (c *core) cloneLastLogID() *types.LogID {
	if c.lastLogID == nil {
		return nil
	}
	id := *c.lastLogID
	return &id
}

func (c *core) rpcTimeout() time.Duration {
	min, _ := c.cfg.ElectionTimeout()
	return min
}

// fatal stops the node on an unrecoverable (storage) error. Integrity can
// no longer be guaranteed, so no retry happens here.
func (c *core) fatal(err error) {
	c.logger.Error().Err(err).Msg("fatal error, shutting down node")
	c.setTargetState(StateShutdown)
}

func (c *core) publish(ev *events.Event) {
	if c.broker != nil {
		c.broker.Publish(ev)
	}
}
