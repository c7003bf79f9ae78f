package raft

import (
	"context"
	"time"

	"github.com/Veeupup/openraft/pkg/events"
	"github.com/Veeupup/openraft/pkg/metrics"
	"github.com/Veeupup/openraft/pkg/types"
)

// sinceHeartbeat reports how long ago the last valid leader message
// arrived.
func (c *core) sinceHeartbeat() time.Duration {
	return time.Since(c.lastHeartbeat)
}

// stickinessWindow is how long after a heartbeat vote requests are
// refused.
func (c *core) stickinessWindow() time.Duration {
	min, _ := c.cfg.ElectionTimeout()
	return min
}

// handleVoteRequest is the receiver side of RequestVote. It runs on every
// node regardless of role.
func (c *core) handleVoteRequest(req *types.VoteRequest) (*types.VoteResponse, error) {
	c.logger.Debug().
		Str("req_vote", req.Vote.String()).
		Str("my_vote", c.vote.String()).
		Msg("handle vote request")

	lastLogID := c.cloneLastLogID()

	if req.Vote.Less(c.vote) {
		c.logger.Debug().Str("req_vote", req.Vote.String()).Msg("vote request below current vote")
		return &types.VoteResponse{Vote: c.vote, VoteGranted: false, LastLogID: lastLogID}, nil
	}

	// Leader stickiness: within the minimum election timeout of a valid
	// heartbeat the current leader is presumed alive, and a candidate —
	// typically one returning from a partition — is refused even with a
	// higher term. This deviates from textbook Raft; it trades a slice of
	// election liveness for stability. The window tracks
	// election_timeout_min_ms and is not hardcoded.
	if !c.lastHeartbeat.IsZero() {
		if delta := c.sinceHeartbeat(); delta <= c.stickinessWindow() {
			c.logger.Debug().
				Dur("since_heartbeat", delta).
				Msg("rejecting vote request received within election timeout minimum")
			return &types.VoteResponse{Vote: c.vote, VoteGranted: false, LastLogID: lastLogID}, nil
		}
	}

	// The candidate's log must be at least as up-to-date as ours.
	if types.CompareLogID(req.LastLogID, lastLogID) < 0 {
		c.logger.Debug().Msg("rejecting vote request: candidate log is not up-to-date")
		return &types.VoteResponse{Vote: c.vote, VoteGranted: false, LastLogID: lastLogID}, nil
	}

	c.updateElectionDeadline()
	c.vote = req.Vote

	// Durability before the grant leaves this node: a response without a
	// persisted vote would allow double-voting after a crash.
	if err := c.saveVote(); err != nil {
		c.fatal(err)
		return nil, &VoteError{Err: err}
	}

	c.setTargetState(StateFollower)

	c.logger.Debug().Str("vote", c.vote.String()).Msg("voted for candidate")
	c.publish(&events.Event{Type: events.EventVoteGranted, NodeID: uint64(c.id), Term: c.vote.Term})
	metrics.VotesGranted.WithLabelValues(metrics.NodeLabel(uint64(c.id))).Inc()

	return &types.VoteResponse{Vote: c.vote, VoteGranted: true, LastLogID: lastLogID}, nil
}

// voteResponseFrom pairs a peer's response with its id for the tally.
type voteResponseFrom struct {
	resp   *types.VoteResponse
	target types.NodeID
}

// handleVoteResponse tallies one response while campaigning. granted is the
// candidate's set of confirmed supporters, seeded with itself.
func (c *core) handleVoteResponse(vr voteResponseFrom, granted map[types.NodeID]bool) error {
	res := vr.resp

	if c.vote.Less(res.Vote) {
		// The responders granted against the old vote; a quorum gathered
		// so far says nothing about the new greater vote. Revert at once.
		c.logger.Debug().
			Str("res_vote", res.Vote.String()).
			Str("my_vote", c.vote.String()).
			Msg("reverting to follower: greater vote observed in vote response")

		c.vote = res.Vote
		if err := c.saveVote(); err != nil {
			c.fatal(err)
			return err
		}
		c.setTargetState(StateFollower)
		return nil
	}

	if res.VoteGranted {
		granted[vr.target] = true
		if c.membership.Membership.IsMajority(granted) {
			c.logger.Info().Uint64("term", c.vote.Term).Msg("won election, becoming leader")
			c.setTargetState(StateLeader)
		}
	}

	// Otherwise keep waiting for more responses.
	return nil
}

// spawnParallelVoteRequests fires RequestVote at every other voter and
// returns the channel their responses arrive on. Transport failures are
// logged and dropped; the election timer bounds the wait.
func (c *core) spawnParallelVoteRequests() chan voteResponseFrom {
	voters := c.membership.Membership.Voters
	respCh := make(chan voteResponseFrom, len(voters))

	req := types.VoteRequest{Vote: c.vote, LastLogID: c.cloneLastLogID()}

	for _, member := range voters {
		if member == c.id {
			continue
		}
		target := member
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.rpcTimeout())
			defer cancel()

			r := req
			resp, err := c.net.SendVote(ctx, target, &r)
			if err != nil {
				c.logger.Debug().Err(err).Uint64("target", uint64(target)).Msg("vote request failed")
				return
			}
			respCh <- voteResponseFrom{resp: resp, target: target}
		}()
	}
	return respCh
}
