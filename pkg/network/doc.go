/*
Package network defines the oneshot RPC transport between cluster members
and a gRPC implementation of it.

The consensus core depends only on the Network interface (client side) and
the RaftService interface (receiver side). Transport failures are *Error
values: non-fatal, absorbed by the caller, retried on the next heartbeat or
election round. The core never treats a transport failure as a consensus
violation.

The gRPC transport serves the three RPCs under the openraft.Raft service
with a hand-written service descriptor and a JSON codec, so the request and
response shapes in pkg/types are the wire format directly.
*/
package network
