package raft

import (
	"errors"
	"fmt"

	"github.com/Veeupup/openraft/pkg/types"
)

var (
	// ErrShutdown is returned for any request against a stopped node.
	ErrShutdown = errors.New("raft node is shut down")

	// ErrAlreadyInitialized is returned when Initialize is called on a node
	// that has a log, a vote, or a membership already.
	ErrAlreadyInitialized = errors.New("node is already initialized")

	// ErrNotInMembership is returned when Initialize is called with a voter
	// set that does not include the local node.
	ErrNotInMembership = errors.New("initial membership does not include this node")
)

// NotLeaderError rejects a client proposal on a non-leader, carrying the
// last known leader as a forwarding hint.
type NotLeaderError struct {
	Leader *types.NodeID
}

func (e *NotLeaderError) Error() string {
	if e.Leader == nil {
		return "not the leader (no leader known)"
	}
	return fmt.Sprintf("not the leader (current leader: %d)", *e.Leader)
}

// VoteError wraps a storage failure that occurred while handling a
// RequestVote RPC. It is surfaced to the caller unchanged: the vote was not
// durably persisted, so no grant may be sent.
type VoteError struct {
	Err error
}

func (e *VoteError) Error() string { return fmt.Sprintf("vote request failed: %v", e.Err) }

func (e *VoteError) Unwrap() error { return e.Err }
