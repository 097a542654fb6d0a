package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/whispem/minikv/pkg/types"
)

// Messages exchanged with a volume node. Field names are JSON tagged
// directly since the wire codec is JSON, not protobuf.

type PrepareRequest struct {
	UploadID       string `json:"upload_id"`
	Key            string `json:"key"`
	ExpectedSize   uint64 `json:"expected_size"`
	ExpectedBlake3 string `json:"expected_blake3"`
	Data           []byte `json:"data"`
}

type PrepareReply struct{}

type CommitRequest struct {
	UploadID string `json:"upload_id"`
	Key      string `json:"key"`
}

type CommitReply struct{}

type AbortRequest struct {
	UploadID string `json:"upload_id"`
}

type AbortReply struct{}

type PullRequest struct {
	Key       string `json:"key"`
	SourceURL string `json:"source_url"`
}

type PullReply struct{}

type DeleteRequest struct {
	Key string `json:"key"`
}

type DeleteReply struct{}

type GetRequest struct {
	Key string `json:"key"`
}

type GetReply struct {
	Data []byte `json:"data"`
}

type PingRequest struct{}

type PingReply struct {
	VolumeID   string `json:"volume_id"`
	UptimeSecs int64  `json:"uptime_secs"`
	TotalKeys  uint64 `json:"total_keys"`
	TotalBytes uint64 `json:"total_bytes"`
}

type StatsRequest struct{}

type StatsReply struct {
	Stats types.Stats `json:"stats"`
}

// CompactRequest triggers an immediate foreground compaction, the
// per-volume leg of the cluster-wide compact walk.
type CompactRequest struct{}

type CompactReply struct{}

// VolumeServiceServer is implemented by a volume node to handle the RPCs a
// coordinator (or a peer volume, for Pull) sends it.
type VolumeServiceServer interface {
	Prepare(context.Context, *PrepareRequest) (*PrepareReply, error)
	Commit(context.Context, *CommitRequest) (*CommitReply, error)
	Abort(context.Context, *AbortRequest) (*AbortReply, error)
	Pull(context.Context, *PullRequest) (*PullReply, error)
	Delete(context.Context, *DeleteRequest) (*DeleteReply, error)
	Get(context.Context, *GetRequest) (*GetReply, error)
	Ping(context.Context, *PingRequest) (*PingReply, error)
	Stats(context.Context, *StatsRequest) (*StatsReply, error)
	Compact(context.Context, *CompactRequest) (*CompactReply, error)
}

func volumeServicePrepareHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(PrepareRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Prepare(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Prepare"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Prepare(ctx, req.(*PrepareRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func volumeServiceCommitHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(CommitRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Commit(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Commit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Commit(ctx, req.(*CommitRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func volumeServiceAbortHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(AbortRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Abort(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Abort"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Abort(ctx, req.(*AbortRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func volumeServicePullHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(PullRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Pull(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Pull"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Pull(ctx, req.(*PullRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func volumeServiceDeleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(DeleteRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Delete(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Delete"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func volumeServiceGetHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(GetRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Get(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func volumeServicePingHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(PingRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Ping(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Ping"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Ping(ctx, req.(*PingRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func volumeServiceStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(StatsRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Stats(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Stats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func volumeServiceCompactHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(CompactRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VolumeServiceServer).Compact(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/minikv.VolumeService/Compact"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(VolumeServiceServer).Compact(ctx, req.(*CompactRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// VolumeServiceDesc is the hand-written grpc.ServiceDesc standing in for
// what protoc-gen-go-grpc would otherwise generate from a .proto file.
var VolumeServiceDesc = grpc.ServiceDesc{
	ServiceName: "minikv.VolumeService",
	HandlerType: (*VolumeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Prepare", Handler: volumeServicePrepareHandler},
		{MethodName: "Commit", Handler: volumeServiceCommitHandler},
		{MethodName: "Abort", Handler: volumeServiceAbortHandler},
		{MethodName: "Pull", Handler: volumeServicePullHandler},
		{MethodName: "Delete", Handler: volumeServiceDeleteHandler},
		{MethodName: "Get", Handler: volumeServiceGetHandler},
		{MethodName: "Ping", Handler: volumeServicePingHandler},
		{MethodName: "Stats", Handler: volumeServiceStatsHandler},
		{MethodName: "Compact", Handler: volumeServiceCompactHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/rpc/volume_service.go",
}

// VolumeServiceClient is a thin wrapper over grpc.ClientConn.Invoke using
// the JSON codec.
type VolumeServiceClient struct {
	cc *grpc.ClientConn
}

func NewVolumeServiceClient(cc *grpc.ClientConn) *VolumeServiceClient {
	return &VolumeServiceClient{cc: cc}
}

func (c *VolumeServiceClient) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareReply, error) {
	reply := new(PrepareReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Prepare", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *VolumeServiceClient) Commit(ctx context.Context, req *CommitRequest) (*CommitReply, error) {
	reply := new(CommitReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Commit", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *VolumeServiceClient) Abort(ctx context.Context, req *AbortRequest) (*AbortReply, error) {
	reply := new(AbortReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Abort", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *VolumeServiceClient) Pull(ctx context.Context, req *PullRequest) (*PullReply, error) {
	reply := new(PullReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Pull", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *VolumeServiceClient) Delete(ctx context.Context, req *DeleteRequest) (*DeleteReply, error) {
	reply := new(DeleteReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Delete", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *VolumeServiceClient) Get(ctx context.Context, req *GetRequest) (*GetReply, error) {
	reply := new(GetReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Get", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *VolumeServiceClient) Ping(ctx context.Context, req *PingRequest) (*PingReply, error) {
	reply := new(PingReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Ping", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *VolumeServiceClient) Stats(ctx context.Context, req *StatsRequest) (*StatsReply, error) {
	reply := new(StatsReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Stats", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *VolumeServiceClient) Compact(ctx context.Context, req *CompactRequest) (*CompactReply, error) {
	reply := new(CompactReply)
	if err := c.cc.Invoke(ctx, "/minikv.VolumeService/Compact", req, reply, callOpts()...); err != nil {
		return nil, err
	}
	return reply, nil
}

func callOpts() []grpc.CallOption {
	return []grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}
}
