package raft

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/Veeupup/openraft/pkg/events"
	"github.com/Veeupup/openraft/pkg/types"
)

// leaderState is the per-term replication bookkeeping: per-peer progress,
// one outstanding RPC per peer, and the client writes awaiting commit.
type leaderState struct {
	nextIndex  map[types.NodeID]uint64
	matchIndex map[types.NodeID]uint64
	inflight   map[types.NodeID]bool

	replCh  chan replicationResult
	pending map[uint64]*clientWriteMsg
}

// replicationResult is one peer's reply (or failure) delivered back into
// the owning task.
type replicationResult struct {
	target      types.NodeID
	lastSent    uint64
	viaSnapshot bool
	resp        *types.AppendEntriesResponse
	snapVote    *types.Vote
	err         error
}

// runLeader drives replication until demoted. On entry the leader appends
// its first own-term entry: the initial membership config on a pristine
// cluster, a blank no-op otherwise, so the commit index can advance to an
// entry of the new term.
func (c *core) runLeader() {
	c.enterState(StateLeader)
	self := c.id
	c.currentLeader = &self

	c.leader = &leaderState{
		nextIndex:  make(map[types.NodeID]uint64),
		matchIndex: make(map[types.NodeID]uint64),
		inflight:   make(map[types.NodeID]bool),
		replCh:     make(chan replicationResult, 64),
		pending:    make(map[uint64]*clientWriteMsg),
	}
	defer func() {
		c.failPending()
		c.leader = nil
	}()

	var payload types.EntryPayload
	if c.lastLogID == nil {
		payload = types.MembershipPayload(c.membership.Membership)
	} else {
		payload = types.BlankPayload()
	}
	if _, err := c.appendAsLeader(payload); err != nil {
		return
	}

	c.logger.Info().Uint64("term", c.vote.Term).Msg("became leader")
	c.publish(&events.Event{Type: events.EventLeaderElected, NodeID: uint64(c.id), Term: c.vote.Term})
	c.publishMetrics()

	c.maybeCommitAsLeader()
	c.replicateAll()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for c.targetState == StateLeader {
		select {
		case <-c.shutdownCh:
			c.setTargetState(StateShutdown)
		case m := <-c.msgCh:
			c.handleMsg(m)
		case snap := <-c.snapshotDoneCh:
			c.finishSnapshotBuild(snap)
		case res := <-c.leader.replCh:
			c.handleReplicationResult(res)
			c.publishMetrics()
		case <-ticker.C:
			c.replicateAll()
		}
	}
}

// appendAsLeader creates the next entry at the leader's own term.
func (c *core) appendAsLeader(payload types.EntryPayload) (types.Entry, error) {
	entry := types.Entry{
		LogID:   types.LogID{Term: c.vote.Term, Index: types.NextIndex(c.lastLogID)},
		Payload: payload,
	}
	if err := c.store.AppendToLog(context.Background(), []types.Entry{entry}); err != nil {
		c.fatal(err)
		return entry, err
	}
	id := entry.LogID
	c.lastLogID = &id

	if payload.Kind() == types.PayloadMembership {
		c.adoptMembership(entry.LogID, *payload.Membership)
	}
	return entry, nil
}

// leaderClientWrite appends a proposal, remembers the caller, and pushes
// replication immediately rather than waiting for the next heartbeat.
func (c *core) leaderClientWrite(msg *clientWriteMsg) {
	entry, err := c.appendAsLeader(types.NormalPayload(msg.req))
	if err != nil {
		msg.replyCh <- clientWriteReply{err: err}
		return
	}
	c.leader.pending[entry.LogID.Index] = msg

	c.maybeCommitAsLeader()
	c.replicateAll()
}

// leaderResolvePending answers client writes whose entries just applied.
func (c *core) leaderResolvePending(entries []types.Entry, responses []types.Response) {
	for i := range entries {
		idx := entries[i].LogID.Index
		if msg, ok := c.leader.pending[idx]; ok {
			resp := responses[i]
			msg.replyCh <- clientWriteReply{resp: &resp}
			delete(c.leader.pending, idx)
		}
	}
}

// failPending rejects the writes still waiting when leadership is lost.
func (c *core) failPending() {
	for idx, msg := range c.leader.pending {
		msg.replyCh <- clientWriteReply{err: &NotLeaderError{Leader: c.currentLeader}}
		delete(c.leader.pending, idx)
	}
}

// replicateAll kicks replication toward every other voter.
func (c *core) replicateAll() {
	for _, member := range c.membership.Membership.Voters {
		if member != c.id {
			c.replicateToPeer(member)
		}
	}
}

// replicateToPeer sends the next batch (or the current snapshot, when the
// peer lags below the purged mark) to one peer. At most one RPC per peer
// is outstanding; replies return through replCh.
func (c *core) replicateToPeer(target types.NodeID) {
	ls := c.leader
	if ls.inflight[target] {
		return
	}

	next, ok := ls.nextIndex[target]
	if !ok {
		next = types.NextIndex(c.lastLogID)
		ls.nextIndex[target] = next
	}

	purgedIndex := uint64(0)
	if c.lastPurged != nil {
		purgedIndex = c.lastPurged.Index
	}
	if next <= purgedIndex {
		c.replicateSnapshot(target)
		return
	}

	ctx := context.Background()

	var prev *types.LogID
	if next > 1 {
		if c.lastPurged != nil && next-1 == purgedIndex {
			p := *c.lastPurged
			prev = &p
		} else {
			local, err := c.store.GetLogEntries(ctx, next-1, next)
			if err != nil {
				c.fatal(err)
				return
			}
			if len(local) == 0 {
				// The prefix was purged under us; restart via snapshot.
				c.replicateSnapshot(target)
				return
			}
			id := local[0].LogID
			prev = &id
		}
	}

	lastIndex := uint64(0)
	if c.lastLogID != nil {
		lastIndex = c.lastLogID.Index
	}

	var entries []types.Entry
	if next <= lastIndex {
		stop := next + c.cfg.MaxPayloadEntries
		if stop > lastIndex+1 {
			stop = lastIndex + 1
		}
		var err error
		entries, err = c.store.GetLogEntries(ctx, next, stop)
		if err != nil {
			c.fatal(err)
			return
		}
	}

	req := &types.AppendEntriesRequest{
		Vote:         c.vote,
		LeaderID:     c.id,
		PrevLogID:    prev,
		Entries:      entries,
		LeaderCommit: c.commitIndex,
	}

	lastSent := next - 1 + uint64(len(entries))
	ls.inflight[target] = true

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), c.rpcTimeout())
		defer cancel()

		resp, err := c.net.SendAppendEntries(sendCtx, target, req)
		ls.replCh <- replicationResult{target: target, lastSent: lastSent, resp: resp, err: err}
	}()
}

// replicateSnapshot streams the current snapshot to a peer whose next
// index was already compacted away.
func (c *core) replicateSnapshot(target types.NodeID) {
	ls := c.leader

	snap, err := c.store.GetCurrentSnapshot(context.Background())
	if err != nil {
		c.fatal(err)
		return
	}
	if snap == nil {
		// Purge only follows a successful build, so this window is empty in
		// practice; skip the round and retry on the next heartbeat.
		c.logger.Warn().Uint64("target", uint64(target)).Msg("peer lags below purged mark but no snapshot exists")
		return
	}

	data, err := io.ReadAll(snap.Data)
	if err != nil {
		c.fatal(err)
		return
	}

	req := &types.InstallSnapshotRequest{
		Vote:   c.vote,
		Meta:   snap.Meta,
		Offset: 0,
		Data:   data,
		Done:   true,
	}

	ls.inflight[target] = true
	lastSent := snap.Meta.LastLogID.Index

	go func() {
		timeout := time.Duration(c.cfg.InstallSnapshotTimeoutMs) * time.Millisecond
		sendCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		resp, err := c.net.SendInstallSnapshot(sendCtx, target, req)
		result := replicationResult{target: target, lastSent: lastSent, viaSnapshot: true, err: err}
		if resp != nil {
			v := resp.Vote
			result.snapVote = &v
		}
		ls.replCh <- result
	}()
}

// handleReplicationResult folds one peer reply into the progress state.
func (c *core) handleReplicationResult(res replicationResult) {
	ls := c.leader
	ls.inflight[res.target] = false

	if res.err != nil {
		// Transport trouble is not a consensus event; the next heartbeat
		// retries.
		c.logger.Debug().Err(res.err).Uint64("target", uint64(res.target)).Msg("replication rpc failed")
		return
	}

	var peerVote types.Vote
	if res.viaSnapshot {
		peerVote = *res.snapVote
	} else {
		peerVote = res.resp.Vote
	}
	if c.vote.Less(peerVote) {
		c.logger.Info().Str("peer_vote", peerVote.String()).Msg("greater vote observed in replication response, stepping down")
		c.vote = peerVote
		if err := c.saveVote(); err != nil {
			c.fatal(err)
			return
		}
		c.setTargetState(StateFollower)
		return
	}

	if res.viaSnapshot || res.resp.Success {
		if res.lastSent > ls.matchIndex[res.target] {
			ls.matchIndex[res.target] = res.lastSent
		}
		ls.nextIndex[res.target] = ls.matchIndex[res.target] + 1
		c.maybeCommitAsLeader()

		if c.lastLogID != nil && ls.nextIndex[res.target] <= c.lastLogID.Index {
			c.replicateToPeer(res.target)
		}
		return
	}

	// Prefix mismatch: back off, guided by the follower's conflict hint,
	// and retry immediately.
	next := ls.nextIndex[res.target]
	if res.resp.Conflict != nil && res.resp.Conflict.Index < next {
		next = res.resp.Conflict.Index
	} else if next > 1 {
		next--
	}
	if next < 1 {
		next = 1
	}
	ls.nextIndex[res.target] = next
	c.replicateToPeer(res.target)
}

// maybeCommitAsLeader advances the commit index to the greatest index
// replicated on a majority whose entry carries the current term, then
// applies.
func (c *core) maybeCommitAsLeader() {
	voters := c.membership.Membership.Voters
	if len(voters) == 0 {
		return
	}

	matches := make([]uint64, 0, len(voters))
	for _, v := range voters {
		if v == c.id {
			if c.lastLogID != nil {
				matches = append(matches, c.lastLogID.Index)
			} else {
				matches = append(matches, 0)
			}
			continue
		}
		matches = append(matches, c.leader.matchIndex[v])
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	quorum := len(voters)/2 + 1
	candidate := matches[quorum-1]
	if candidate <= c.commitIndex {
		return
	}

	// Only entries of the current term commit by counting replicas
	// (entries of earlier terms commit transitively).
	entries, err := c.store.GetLogEntries(context.Background(), candidate, candidate+1)
	if err != nil {
		c.fatal(err)
		return
	}
	if len(entries) == 0 || entries[0].LogID.Term != c.vote.Term {
		return
	}

	if err := c.applyUpto(candidate); err == nil {
		c.publishMetrics()
	}
}
