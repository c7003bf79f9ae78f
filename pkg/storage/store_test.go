package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veeupup/openraft/pkg/types"
)

// storeFactories lets every contract test run against both backings.
func storeFactories(t *testing.T) map[string]Store {
	t.Helper()

	boltStore, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltStore.Close() })

	return map[string]Store{
		"mem":  NewMemStore(),
		"bolt": boltStore,
	}
}

func entry(term, index uint64, payload types.EntryPayload) types.Entry {
	return types.Entry{LogID: types.LogID{Term: term, Index: index}, Payload: payload}
}

func TestReadVoteFreshStore(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			v, err := store.ReadVote(ctx)
			require.NoError(t, err)
			assert.Nil(t, v)
		})
	}
}

func TestSaveVoteRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			want := types.NewVote(3, 1)
			require.NoError(t, store.SaveVote(ctx, want))

			got, err := store.ReadVote(ctx)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, 0, want.Compare(*got))
		})
	}
}

func TestAppendThenGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			e := entry(1, 1, types.NormalPayload(types.Request{Client: "c", Serial: 1, Status: "up"}))
			require.NoError(t, store.AppendToLog(ctx, []types.Entry{e}))

			got, err := store.GetLogEntries(ctx, 1, 2)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, e.LogID, got[0].LogID)
			assert.Equal(t, types.PayloadNormal, got[0].Payload.Kind())
			assert.Equal(t, "up", got[0].Payload.Normal.Status)
		})
	}
}

func TestGetLogStateEmptyLogEqualsPurged(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			state, err := store.GetLogState(ctx)
			require.NoError(t, err)
			assert.Nil(t, state.LastLogID)
			assert.Nil(t, state.LastPurgedLogID)

			for i := uint64(1); i <= 3; i++ {
				require.NoError(t, store.AppendToLog(ctx, []types.Entry{entry(1, i, types.BlankPayload())}))
			}
			_, err = store.ApplyToStateMachine(ctx, []types.Entry{entry(1, 3, types.BlankPayload())})
			require.NoError(t, err)
			require.NoError(t, store.PurgeLogsUpto(ctx, types.LogID{Term: 1, Index: 3}))

			state, err = store.GetLogState(ctx)
			require.NoError(t, err)
			require.NotNil(t, state.LastPurgedLogID)
			assert.Equal(t, types.LogID{Term: 1, Index: 3}, *state.LastPurgedLogID)
			// Live log is empty, so the tail equals the purged mark.
			require.NotNil(t, state.LastLogID)
			assert.Equal(t, *state.LastPurgedLogID, *state.LastLogID)
		})
	}
}

func TestGetLogEntriesBelowPurgedIsEmpty(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			for i := uint64(1); i <= 5; i++ {
				require.NoError(t, store.AppendToLog(ctx, []types.Entry{entry(1, i, types.BlankPayload())}))
			}
			_, err := store.ApplyToStateMachine(ctx, []types.Entry{entry(1, 2, types.BlankPayload())})
			require.NoError(t, err)
			require.NoError(t, store.PurgeLogsUpto(ctx, types.LogID{Term: 1, Index: 2}))

			got, err := store.GetLogEntries(ctx, 1, 3)
			require.NoError(t, err)
			assert.Empty(t, got)

			got, err = store.GetLogEntries(ctx, 1, 6)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, uint64(3), got[0].LogID.Index)
		})
	}
}

func TestPurgeIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.AppendToLog(ctx, []types.Entry{entry(1, 1, types.BlankPayload())}))
			_, err := store.ApplyToStateMachine(ctx, []types.Entry{entry(1, 1, types.BlankPayload())})
			require.NoError(t, err)

			id := types.LogID{Term: 1, Index: 1}
			require.NoError(t, store.PurgeLogsUpto(ctx, id))
			// Purging at the current mark again is a no-op.
			require.NoError(t, store.PurgeLogsUpto(ctx, id))

			state, err := store.GetLogState(ctx)
			require.NoError(t, err)
			assert.Equal(t, id, *state.LastPurgedLogID)
		})
	}
}

func TestPurgeBelowMarkPanics(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.AppendToLog(ctx, []types.Entry{
		entry(1, 1, types.BlankPayload()),
		entry(1, 2, types.BlankPayload()),
	}))
	_, err := store.ApplyToStateMachine(ctx, []types.Entry{entry(1, 2, types.BlankPayload())})
	require.NoError(t, err)
	require.NoError(t, store.PurgeLogsUpto(ctx, types.LogID{Term: 1, Index: 2}))

	assert.Panics(t, func() {
		_ = store.PurgeLogsUpto(ctx, types.LogID{Term: 1, Index: 1})
	})
}

func TestDeleteConflictLogsSince(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			for i := uint64(1); i <= 10; i++ {
				require.NoError(t, store.AppendToLog(ctx, []types.Entry{entry(1, i, types.BlankPayload())}))
			}

			require.NoError(t, store.DeleteConflictLogsSince(ctx, types.LogID{Term: 1, Index: 7}))

			state, err := store.GetLogState(ctx)
			require.NoError(t, err)
			require.NotNil(t, state.LastLogID)
			assert.Equal(t, uint64(6), state.LastLogID.Index)

			// Deleting past the tail is a no-op.
			require.NoError(t, store.DeleteConflictLogsSince(ctx, types.LogID{Term: 1, Index: 100}))
			state, err = store.GetLogState(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(6), state.LastLogID.Index)
		})
	}
}

func TestApplyDeduplicatesBySerial(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			first := entry(1, 1, types.NormalPayload(types.Request{Client: "c1", Serial: 1, Status: "up"}))
			res, err := store.ApplyToStateMachine(ctx, []types.Entry{first})
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Nil(t, res[0].Previous)

			second := entry(1, 2, types.NormalPayload(types.Request{Client: "c1", Serial: 2, Status: "down"}))
			res, err = store.ApplyToStateMachine(ctx, []types.Entry{second})
			require.NoError(t, err)
			require.NotNil(t, res[0].Previous)
			assert.Equal(t, "up", *res[0].Previous)

			// Replaying the same serial returns the cached response and does
			// not mutate state again.
			replay := entry(1, 3, types.NormalPayload(types.Request{Client: "c1", Serial: 2, Status: "ignored"}))
			res, err = store.ApplyToStateMachine(ctx, []types.Entry{replay})
			require.NoError(t, err)
			require.NotNil(t, res[0].Previous)
			assert.Equal(t, "up", *res[0].Previous)

			applied, _, err := store.LastAppliedState(ctx)
			require.NoError(t, err)
			require.NotNil(t, applied)
			assert.Equal(t, uint64(3), applied.Index)
		})
	}
}

func TestApplyMembershipUpdatesLastMembership(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			m := types.NewMembership(0, 1, 2)
			_, err := store.ApplyToStateMachine(ctx, []types.Entry{entry(1, 1, types.MembershipPayload(m))})
			require.NoError(t, err)

			applied, membership, err := store.LastAppliedState(ctx)
			require.NoError(t, err)
			require.NotNil(t, applied)
			require.NotNil(t, membership)
			assert.Equal(t, types.LogID{Term: 1, Index: 1}, *membership.LogID)
			assert.Equal(t, []types.NodeID{0, 1, 2}, membership.Membership.Voters)
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			entries := []types.Entry{
				entry(1, 1, types.MembershipPayload(types.NewMembership(0, 1, 2))),
				entry(1, 2, types.NormalPayload(types.Request{Client: "c1", Serial: 1, Status: "up"})),
				entry(3, 100, types.NormalPayload(types.Request{Client: "c2", Serial: 1, Status: "idle"})),
			}
			_, err := store.ApplyToStateMachine(ctx, entries)
			require.NoError(t, err)

			snap, err := store.BuildSnapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, types.LogID{Term: 3, Index: 100}, snap.Meta.LastLogID)
			assert.NotEmpty(t, snap.Meta.SnapshotID)

			// Install the bytes on a fresh store; the applied state must be
			// structurally equal to the source's.
			fresh := NewMemStore()
			buf, err := fresh.BeginReceivingSnapshot(ctx)
			require.NoError(t, err)
			_, err = snap.Data.WriteTo(buf)
			require.NoError(t, err)

			changes, err := fresh.InstallSnapshot(ctx, snap.Meta, buf)
			require.NoError(t, err)
			assert.True(t, changes.IsSnapshot)
			assert.Equal(t, snap.Meta.LastLogID, changes.LastApplied)

			applied, membership, err := fresh.LastAppliedState(ctx)
			require.NoError(t, err)
			assert.Equal(t, types.LogID{Term: 3, Index: 100}, *applied)
			assert.Equal(t, []types.NodeID{0, 1, 2}, membership.Membership.Voters)

			current, err := fresh.GetCurrentSnapshot(ctx)
			require.NoError(t, err)
			require.NotNil(t, current)
			assert.Equal(t, snap.Meta.SnapshotID, current.Meta.SnapshotID)
		})
	}
}

func TestBuildSnapshotEmptyStateMachinePanics(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	assert.Panics(t, func() {
		_, _ = store.BuildSnapshot(ctx)
	})
}

func TestGetCurrentSnapshotFreshStore(t *testing.T) {
	ctx := context.Background()
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			snap, err := store.GetCurrentSnapshot(ctx)
			require.NoError(t, err)
			assert.Nil(t, snap)
		})
	}
}

func TestSnapshotIDsUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	_, err := store.ApplyToStateMachine(ctx, []types.Entry{entry(1, 1, types.BlankPayload())})
	require.NoError(t, err)

	a, err := store.BuildSnapshot(ctx)
	require.NoError(t, err)
	b, err := store.BuildSnapshot(ctx)
	require.NoError(t, err)

	// Same (term, index), distinct ids: peers may use the id to deduplicate
	// streams across restarts.
	assert.NotEqual(t, a.Meta.SnapshotID, b.Meta.SnapshotID)
}
