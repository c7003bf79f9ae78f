package network

import (
	"context"
	"fmt"

	"github.com/Veeupup/openraft/pkg/types"
)

// Error is a transport-level failure: the peer was unreachable, the RPC
// timed out, or the connection dropped mid-flight. It is never a consensus
// violation; callers log it and retry on the next heartbeat or election.
type Error struct {
	Target types.NodeID
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("network %s to node %d: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps a transport failure for the given peer and operation.
func NewError(target types.NodeID, op string, err error) *Error {
	return &Error{Target: target, Op: op, Err: err}
}

// Network sends oneshot RPCs to peers by node id. Implementations make no
// ordering guarantee between concurrent RPCs to different targets; callers
// impose their own deadlines through ctx.
type Network interface {
	SendVote(ctx context.Context, target types.NodeID, req *types.VoteRequest) (*types.VoteResponse, error)
	SendAppendEntries(ctx context.Context, target types.NodeID, req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, target types.NodeID, req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error)
}

// RaftService is the receiver side of the three RPCs. The consensus core
// implements it; transports dispatch inbound requests through it.
type RaftService interface {
	Vote(ctx context.Context, req *types.VoteRequest) (*types.VoteResponse, error)
	AppendEntries(ctx context.Context, req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error)
}
