package integration

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veeupup/openraft/pkg/config"
	"github.com/Veeupup/openraft/pkg/types"
	"github.com/Veeupup/openraft/test/framework"
)

// TestSnapshotCompaction runs a single-node cluster with an aggressive
// snapshot policy, writes past the threshold, and asserts the log was
// compacted behind a snapshot while writes keep flowing.
func TestSnapshotCompaction(t *testing.T) {
	cfg := framework.TestConfig()
	cfg.SnapshotPolicy = config.SnapshotPolicy{LogEntries: 10}

	router := framework.NewRaftRouter(cfg)
	defer router.Shutdown()

	require.NoError(t, router.NewRaftNode(0))

	ctx := context.Background()
	require.NoError(t, router.InitializeFromSingleNode(ctx, 0))

	_, err := framework.WaitForAnyLeader(ctx, router)
	require.NoError(t, err)

	for i := uint64(1); i <= 25; i++ {
		_, err := router.ClientWrite(ctx, types.Request{Client: "c1", Serial: i, Status: "v"})
		require.NoError(t, err)
	}

	require.NoError(t, router.WaitFor(ctx, func() bool {
		snap, err := router.Store(0).GetCurrentSnapshot(ctx)
		return err == nil && snap != nil
	}, "snapshot to be built"))

	require.NoError(t, router.WaitFor(ctx, func() bool {
		state, err := router.Store(0).GetLogState(ctx)
		return err == nil && state.LastPurgedLogID != nil
	}, "log to be purged behind the snapshot"))

	// Still serving after compaction.
	resp, err := router.ClientWrite(ctx, types.Request{Client: "c1", Serial: 100, Status: "done"})
	require.NoError(t, err)
	require.NotNil(t, resp.Previous)
	assert.Equal(t, "v", *resp.Previous)
}

// TestSnapshotInstallOnFreshNode builds a snapshot on a loaded node and
// streams it into a pristine one: the fresh node's state machine must be
// structurally equal to the source's, its log empty with the purged mark
// at the snapshot's last log id.
func TestSnapshotInstallOnFreshNode(t *testing.T) {
	cfg := framework.TestConfig()
	router := framework.NewRaftRouter(cfg)
	defer router.Shutdown()

	require.NoError(t, router.NewRaftNode(0))
	require.NoError(t, router.NewRaftNode(1))

	// Keep node 1 partitioned: the installed membership will make it a
	// follower, and an unwinnable campaign must not disturb the
	// assertions below by electing it.
	router.Isolate(1)

	ctx := context.Background()

	// Load node 0's state machine directly and build its snapshot.
	source := router.Store(0)
	_, err := source.ApplyToStateMachine(ctx, []types.Entry{
		{LogID: types.LogID{Term: 1, Index: 1}, Payload: types.MembershipPayload(types.NewMembership(0, 1))},
		{LogID: types.LogID{Term: 2, Index: 42}, Payload: types.NormalPayload(types.Request{Client: "c1", Serial: 7, Status: "up"})},
		{LogID: types.LogID{Term: 3, Index: 100}, Payload: types.NormalPayload(types.Request{Client: "c2", Serial: 1, Status: "idle"})},
	})
	require.NoError(t, err)

	snap, err := source.BuildSnapshot(ctx)
	require.NoError(t, err)
	data, err := io.ReadAll(snap.Data)
	require.NoError(t, err)

	// Stream it into node 1 through the RPC surface.
	resp, err := router.Node(1).InstallSnapshot(ctx, &types.InstallSnapshotRequest{
		Vote: types.NewVote(3, 0),
		Meta: snap.Meta,
		Data: data,
		Done: true,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.Vote.Term)

	targetApplied, targetMembership, err := router.Store(1).LastAppliedState(ctx)
	require.NoError(t, err)
	require.NotNil(t, targetApplied)
	assert.Equal(t, types.LogID{Term: 3, Index: 100}, *targetApplied)
	require.NotNil(t, targetMembership)

	sourceApplied, sourceMembership, err := source.LastAppliedState(ctx)
	require.NoError(t, err)
	assert.Equal(t, *sourceApplied, *targetApplied)
	assert.Equal(t, sourceMembership.Membership.Voters, targetMembership.Membership.Voters)

	state, err := router.Store(1).GetLogState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.LastPurgedLogID)
	assert.Equal(t, types.LogID{Term: 3, Index: 100}, *state.LastPurgedLogID)
	assert.Equal(t, *state.LastPurgedLogID, *state.LastLogID)
}
