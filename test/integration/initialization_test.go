package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Veeupup/openraft/pkg/log"
	"github.com/Veeupup/openraft/pkg/raft"
	"github.com/Veeupup/openraft/pkg/types"
	"github.com/Veeupup/openraft/test/framework"
)

func TestMain(m *testing.M) {
	if err := log.Setup("error", false, nil); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// TestInitialization brings 3 nodes online with only knowledge of
// themselves, asserts they stay completely passive, then initializes the
// cluster through node 0 and asserts a stable cluster forms: one leader in
// term 1, the initial membership entry at index 1 replicated and committed
// everywhere.
func TestInitialization(t *testing.T) {
	router := framework.NewRaftRouter(framework.TestConfig())
	defer router.Shutdown()

	require.NoError(t, router.NewRaftNode(0))
	require.NoError(t, router.NewRaftNode(1))
	require.NoError(t, router.NewRaftNode(2))

	ids := []types.NodeID{0, 1, 2}
	ctx := context.Background()

	// With no membership known, the nodes must remain passive non-voters
	// well past the election timeout.
	time.Sleep(2 * router.ElectionTimeoutMax())
	require.NoError(t, router.WaitForLog(ctx, ids, 0, "empty"))
	require.NoError(t, router.WaitForState(ctx, ids, raft.StateNonVoter, "empty"))
	router.AssertPristineCluster(t)

	// Initialize through node 0 with the full voter set.
	require.NoError(t, router.InitializeFromSingleNode(ctx, 0))

	require.NoError(t, router.WaitForLog(ctx, ids, 1, "init"))
	require.NoError(t, router.WaitForCommit(ctx, ids, 1, "init"))

	router.AssertStableCluster(t, 1, 1)
}
