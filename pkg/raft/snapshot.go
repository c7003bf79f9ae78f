package raft

import (
	"context"
	"time"

	"github.com/Veeupup/openraft/pkg/events"
	"github.com/Veeupup/openraft/pkg/metrics"
	"github.com/Veeupup/openraft/pkg/storage"
	"github.com/Veeupup/openraft/pkg/types"
)

// maybeTriggerSnapshot starts a background snapshot build once enough
// entries have been applied since the last one. At most one build is in
// flight; the store's reads clone, so the build runs off-thread while the
// owning task keeps serving.
func (c *core) maybeTriggerSnapshot() {
	if !c.cfg.SnapshotPolicy.Enabled() || c.snapshotInFlight {
		return
	}
	appliedIndex := uint64(0)
	if c.lastApplied != nil {
		appliedIndex = c.lastApplied.Index
	}
	if appliedIndex-c.lastSnapshotIndex < c.cfg.SnapshotPolicy.LogEntries {
		return
	}

	c.snapshotInFlight = true
	logger := c.logger
	store := c.store
	doneCh := c.snapshotDoneCh

	go func() {
		snap, err := store.BuildSnapshot(context.Background())
		if err != nil {
			logger.Error().Err(err).Msg("snapshot build failed")
			doneCh <- nil
			return
		}
		doneCh <- snap
	}()
}

// finishSnapshotBuild runs on the owning task once a build completes: it
// advances the snapshot watermark and purges the log the snapshot now
// covers.
func (c *core) finishSnapshotBuild(snap *storage.Snapshot) {
	c.snapshotInFlight = false
	if snap == nil {
		return
	}

	c.lastSnapshotIndex = snap.Meta.LastLogID.Index

	if err := c.store.PurgeLogsUpto(context.Background(), snap.Meta.LastLogID); err != nil {
		c.fatal(err)
		return
	}
	if err := c.reloadLogState(context.Background()); err != nil {
		return
	}

	c.logger.Info().
		Str("snapshot_id", snap.Meta.SnapshotID).
		Str("last_log_id", snap.Meta.LastLogID.String()).
		Msg("snapshot built, log compacted")
	c.publish(&events.Event{Type: events.EventSnapshotBuilt, NodeID: uint64(c.id), Term: c.vote.Term})
	metrics.SnapshotsBuilt.WithLabelValues(metrics.NodeLabel(uint64(c.id))).Inc()
	c.publishMetrics()
}

// handleInstallSnapshot is the follower side of snapshot streaming. Chunks
// accumulate in a sink from the store; the final chunk replaces the state
// machine wholesale and purges the log the snapshot supersedes.
func (c *core) handleInstallSnapshot(req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error) {
	if req.Vote.Less(c.vote) {
		return &types.InstallSnapshotResponse{Vote: c.vote}, nil
	}

	// A snapshot stream only ever comes from the leader of req.Vote's
	// term, so it counts as a heartbeat.
	c.lastHeartbeat = time.Now()
	c.updateElectionDeadline()
	if req.Vote.VotedFor != nil {
		leader := *req.Vote.VotedFor
		c.currentLeader = &leader
	}
	if c.vote.Less(req.Vote) {
		c.vote = req.Vote
		if err := c.saveVote(); err != nil {
			c.fatal(err)
			return nil, err
		}
	}
	if c.state == StateCandidate || c.state == StateLeader {
		c.setTargetState(StateFollower)
	}

	ctx := context.Background()

	if req.Offset == 0 {
		buf, err := c.store.BeginReceivingSnapshot(ctx)
		if err != nil {
			c.fatal(err)
			return nil, err
		}
		c.snapRecv = &snapshotRecvState{snapshotID: req.Meta.SnapshotID, buf: buf}
	} else if c.snapRecv == nil || c.snapRecv.snapshotID != req.Meta.SnapshotID {
		// A chunk for a stream we never started; drop it and let the
		// leader restart from offset 0.
		c.logger.Warn().Str("snapshot_id", req.Meta.SnapshotID).Msg("snapshot chunk without matching stream")
		return &types.InstallSnapshotResponse{Vote: c.vote}, nil
	}

	c.snapRecv.buf.Write(req.Data)

	if !req.Done {
		return &types.InstallSnapshotResponse{Vote: c.vote}, nil
	}

	buf := c.snapRecv.buf
	c.snapRecv = nil

	changes, err := c.store.InstallSnapshot(ctx, req.Meta, buf)
	if err != nil {
		c.fatal(err)
		return nil, err
	}

	applied := changes.LastApplied
	if c.lastApplied == nil || types.CompareLogID(c.lastApplied, &applied) < 0 {
		c.lastApplied = &applied
	}
	if applied.Index > c.commitIndex {
		c.commitIndex = applied.Index
	}
	c.lastSnapshotIndex = applied.Index

	// The snapshot supersedes everything through its last log id.
	if types.CompareLogID(c.lastPurged, &applied) < 0 {
		if err := c.store.PurgeLogsUpto(ctx, applied); err != nil {
			c.fatal(err)
			return nil, err
		}
		if err := c.reloadLogState(ctx); err != nil {
			return nil, err
		}
	}

	// The installed state machine may carry a newer membership than the
	// local log did.
	_, membership, err := c.store.LastAppliedState(ctx)
	if err != nil {
		c.fatal(err)
		return nil, err
	}
	if membership != nil && types.CompareLogID(membership.LogID, c.membership.LogID) > 0 {
		c.membership = *membership
		c.publish(&events.Event{Type: events.EventMembershipChanged, NodeID: uint64(c.id), Term: c.vote.Term})
		if c.state == StateNonVoter && c.membership.Membership.Contains(c.id) {
			c.setTargetState(StateFollower)
		}
	}

	c.logger.Info().
		Str("snapshot_id", req.Meta.SnapshotID).
		Str("last_log_id", applied.String()).
		Msg("snapshot installed")
	c.publish(&events.Event{Type: events.EventSnapshotInstalled, NodeID: uint64(c.id), Term: c.vote.Term})

	return &types.InstallSnapshotResponse{Vote: c.vote}, nil
}
