package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veeupup/openraft/pkg/types"
)

// echoService answers every RPC with a canned response so the test can
// verify the JSON round trip through the transport.
type echoService struct {
	vote types.Vote
}

func (s *echoService) Vote(ctx context.Context, req *types.VoteRequest) (*types.VoteResponse, error) {
	return &types.VoteResponse{Vote: s.vote, VoteGranted: true, LastLogID: req.LastLogID}, nil
}

func (s *echoService) AppendEntries(ctx context.Context, req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error) {
	return &types.AppendEntriesResponse{Vote: s.vote, Success: len(req.Entries) > 0}, nil
}

func (s *echoService) InstallSnapshot(ctx context.Context, req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error) {
	return &types.InstallSnapshotResponse{Vote: s.vote}, nil
}

func TestGRPCRoundTrip(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc := &echoService{vote: types.NewVote(3, 1)}
	server := NewServer(svc)
	go func() { _ = server.Serve(lis) }()
	defer server.Stop()

	client := NewGRPCNetwork(map[types.NodeID]string{1: lis.Addr().String()})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last := &types.LogID{Term: 2, Index: 9}
	voteResp, err := client.SendVote(ctx, 1, &types.VoteRequest{Vote: types.NewVote(3, 0), LastLogID: last})
	require.NoError(t, err)
	assert.True(t, voteResp.VoteGranted)
	require.NotNil(t, voteResp.LastLogID)
	assert.Equal(t, *last, *voteResp.LastLogID)
	assert.Equal(t, 0, voteResp.Vote.Compare(svc.vote))

	appendResp, err := client.SendAppendEntries(ctx, 1, &types.AppendEntriesRequest{
		Vote:     types.NewVote(3, 1),
		LeaderID: 1,
		Entries: []types.Entry{
			{LogID: types.LogID{Term: 3, Index: 10}, Payload: types.BlankPayload()},
		},
	})
	require.NoError(t, err)
	assert.True(t, appendResp.Success)

	snapResp, err := client.SendInstallSnapshot(ctx, 1, &types.InstallSnapshotRequest{
		Vote: types.NewVote(3, 1),
		Meta: types.SnapshotMeta{LastLogID: types.LogID{Term: 3, Index: 10}, SnapshotID: "3-10-x"},
		Data: []byte("{}"),
		Done: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, snapResp.Vote.Compare(svc.vote))
}

func TestUnknownPeerFailsWithNetworkError(t *testing.T) {
	client := NewGRPCNetwork(nil)
	defer client.Close()

	_, err := client.SendVote(context.Background(), 9, &types.VoteRequest{})
	require.Error(t, err)

	var netErr *Error
	assert.ErrorAs(t, err, &netErr)
	assert.Equal(t, types.NodeID(9), netErr.Target)
}
