package raft

import (
	"time"

	"github.com/Veeupup/openraft/pkg/metrics"
	"github.com/Veeupup/openraft/pkg/types"
)

// runCandidate campaigns for one term: increment, vote for self, persist,
// fan out RequestVote, and tally until a majority, a greater vote, or the
// election timer. A timer expiry returns to the main loop with the target
// still Candidate, which starts the next round in a fresh term. Randomized
// timeouts bound the expected length of a split-vote sequence.
func (c *core) runCandidate() {
	c.vote = types.NewVote(c.vote.Term+1, c.id)
	if err := c.saveVote(); err != nil {
		c.fatal(err)
		return
	}

	c.enterState(StateCandidate)
	c.updateElectionDeadline()

	c.logger.Info().Uint64("term", c.vote.Term).Msg("starting election")
	metrics.ElectionsStarted.WithLabelValues(metrics.NodeLabel(uint64(c.id))).Inc()

	granted := map[types.NodeID]bool{c.id: true}
	respCh := c.spawnParallelVoteRequests()

	// A single-node cluster elects itself without any RPC.
	if c.membership.Membership.IsMajority(granted) {
		c.setTargetState(StateLeader)
	}

	for c.targetState == StateCandidate {
		timer := time.NewTimer(time.Until(c.electionDeadline))
		select {
		case <-c.shutdownCh:
			c.setTargetState(StateShutdown)
		case m := <-c.msgCh:
			c.handleMsg(m)
		case snap := <-c.snapshotDoneCh:
			c.finishSnapshotBuild(snap)
		case vr := <-respCh:
			if err := c.handleVoteResponse(vr, granted); err != nil {
				timer.Stop()
				return
			}
			c.publishMetrics()
		case <-timer.C:
			if !time.Now().Before(c.electionDeadline) {
				// No majority this round; run again in a new term.
				c.logger.Debug().Uint64("term", c.vote.Term).Msg("election timed out without majority")
				timer.Stop()
				return
			}
		}
		timer.Stop()
	}
}
