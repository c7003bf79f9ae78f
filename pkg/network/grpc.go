package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/Veeupup/openraft/pkg/types"
)

const (
	serviceName = "openraft.Raft"

	methodVote            = "/openraft.Raft/Vote"
	methodAppendEntries   = "/openraft.Raft/AppendEntries"
	methodInstallSnapshot = "/openraft.Raft/InstallSnapshot"

	jsonCodecName = "json"
)

// jsonCodec carries the RPC shapes as JSON. The service descriptor below is
// hand-written, so no generated message types are involved.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// GRPCNetwork implements Network over gRPC with a static peer address
// table. Connections are dialed lazily and cached; a failed RPC surfaces as
// *Error and the next attempt reuses gRPC's own reconnect machinery.
type GRPCNetwork struct {
	mu    sync.Mutex
	peers map[types.NodeID]string
	conns map[types.NodeID]*grpc.ClientConn
}

// NewGRPCNetwork creates a client-side network for the given id->address
// peer table.
func NewGRPCNetwork(peers map[types.NodeID]string) *GRPCNetwork {
	table := make(map[types.NodeID]string, len(peers))
	for id, addr := range peers {
		table[id] = addr
	}
	return &GRPCNetwork{
		peers: table,
		conns: make(map[types.NodeID]*grpc.ClientConn),
	}
}

// AddPeer registers (or replaces) a peer address.
func (n *GRPCNetwork) AddPeer(id types.NodeID, addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if conn, ok := n.conns[id]; ok {
		_ = conn.Close()
		delete(n.conns, id)
	}
	n.peers[id] = addr
}

// Close tears down all cached connections.
func (n *GRPCNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, conn := range n.conns {
		_ = conn.Close()
		delete(n.conns, id)
	}
	return nil
}

func (n *GRPCNetwork) conn(target types.NodeID) (*grpc.ClientConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if conn, ok := n.conns[target]; ok {
		return conn, nil
	}
	addr, ok := n.peers[target]
	if !ok {
		return nil, fmt.Errorf("unknown peer %d", target)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return nil, err
	}
	n.conns[target] = conn
	return conn, nil
}

func (n *GRPCNetwork) invoke(ctx context.Context, target types.NodeID, method string, req, resp interface{}) error {
	conn, err := n.conn(target)
	if err != nil {
		return NewError(target, method, err)
	}
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return NewError(target, method, err)
	}
	return nil
}

func (n *GRPCNetwork) SendVote(ctx context.Context, target types.NodeID, req *types.VoteRequest) (*types.VoteResponse, error) {
	resp := new(types.VoteResponse)
	if err := n.invoke(ctx, target, methodVote, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (n *GRPCNetwork) SendAppendEntries(ctx context.Context, target types.NodeID, req *types.AppendEntriesRequest) (*types.AppendEntriesResponse, error) {
	resp := new(types.AppendEntriesResponse)
	if err := n.invoke(ctx, target, methodAppendEntries, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (n *GRPCNetwork) SendInstallSnapshot(ctx context.Context, target types.NodeID, req *types.InstallSnapshotRequest) (*types.InstallSnapshotResponse, error) {
	resp := new(types.InstallSnapshotResponse)
	if err := n.invoke(ctx, target, methodInstallSnapshot, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Server exposes a RaftService over gRPC.
type Server struct {
	grpcServer *grpc.Server
}

// NewServer creates a gRPC server dispatching to the given service.
func NewServer(svc RaftService) *Server {
	s := grpc.NewServer()
	s.RegisterService(&raftServiceDesc, svc)
	return &Server{grpcServer: s}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*RaftService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Vote", Handler: voteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "openraft",
}

func voteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.VoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftService).Vote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodVote}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftService).Vote(ctx, req.(*types.VoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftService).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppendEntries}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftService).AppendEntries(ctx, req.(*types.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RaftService).InstallSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInstallSnapshot}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RaftService).InstallSnapshot(ctx, req.(*types.InstallSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}
