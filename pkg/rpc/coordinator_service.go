package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// Messages for the coordinator's non-Raft control RPCs: a new
// coordinator joins the Raft cluster through the current leader, and
// volumes report liveness via Heartbeat rather than the leader polling
// Ping directly.

type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

// JoinReply is always returned with a nil error: a follower cannot include
// a response body alongside a gRPC error status, so redirection is
// signaled in-band instead. Accepted is true only when this node was the
// Raft leader and admitted the caller as a voter; otherwise LeaderAddr
// names the leader to retry against, or is empty if not yet known.
type JoinReply struct {
	Accepted   bool   `json:"accepted"`
	LeaderAddr string `json:"leader_addr"`
}

type HeartbeatRequest struct {
	VolumeID    string   `json:"volume_id"`
	Address     string   `json:"address"`
	GRPCAddress string   `json:"grpc_address"`
	Shards      []uint64 `json:"shards"`
	TotalKeys   uint64   `json:"total_keys"`
	TotalBytes  uint64   `json:"total_bytes"`
	FreeBytes   uint64   `json:"free_bytes"`
}

type HeartbeatReply struct{}

// CoordinatorServiceServer is implemented by a coordinator node.
type CoordinatorServiceServer interface {
	Join(context.Context, *JoinRequest) (*JoinReply, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatReply, error)
}

func coordinatorServiceJoinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(JoinRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).Join(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.CoordinatorService/Join"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServiceServer).Join(ctx, req.(*JoinRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func coordinatorServiceHeartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(HeartbeatRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServiceServer).Heartbeat(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.CoordinatorService/Heartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(CoordinatorServiceServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// CoordinatorServiceDesc is the hand-written grpc.ServiceDesc for the
// coordinator's control-plane RPCs.
var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: "minikv.CoordinatorService",
	HandlerType: (*CoordinatorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: coordinatorServiceJoinHandler},
		{MethodName: "Heartbeat", Handler: coordinatorServiceHeartbeatHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/rpc/coordinator_service.go",
}

// CoordinatorServiceClient wraps grpc.ClientConn.Invoke for a peer
// coordinator or a volume reporting its heartbeat.
type CoordinatorServiceClient struct {
	cc *grpc.ClientConn
}

func NewCoordinatorServiceClient(cc *grpc.ClientConn) *CoordinatorServiceClient {
	return &CoordinatorServiceClient{cc: cc}
}

func (c *CoordinatorServiceClient) Join(ctx context.Context, req *JoinRequest) (*JoinReply, error) {
	reply := new(JoinReply)
	if err := c.cc.Invoke(ctx, "/minikv.CoordinatorService/Join", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *CoordinatorServiceClient) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatReply, error) {
	reply := new(HeartbeatReply)
	if err := c.cc.Invoke(ctx, "/minikv.CoordinatorService/Heartbeat", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}
