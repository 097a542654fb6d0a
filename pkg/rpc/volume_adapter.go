package rpc

import (
	"context"

	"github.com/whispem/minikv/pkg/volume"
)

// VolumeAdapter implements VolumeServiceServer over a *volume.Node,
// translating wire messages to and from the node's plain-Go method
// signatures: a thin Server wrapping a domain manager, forwarding each
// RPC almost verbatim.
type VolumeAdapter struct {
	node *volume.Node
}

func NewVolumeAdapter(node *volume.Node) *VolumeAdapter {
	return &VolumeAdapter{node: node}
}

func (a *VolumeAdapter) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareReply, error) {
	if err := a.node.Prepare(ctx, req.UploadID, req.Key, req.ExpectedSize, req.ExpectedBlake3, req.Data); err != nil {
		return nil, err
	}
	return &PrepareReply{}, nil
}

func (a *VolumeAdapter) Commit(ctx context.Context, req *CommitRequest) (*CommitReply, error) {
	if err := a.node.Commit(ctx, req.UploadID, req.Key); err != nil {
		return nil, err
	}
	return &CommitReply{}, nil
}

func (a *VolumeAdapter) Abort(ctx context.Context, req *AbortRequest) (*AbortReply, error) {
	if err := a.node.Abort(ctx, req.UploadID); err != nil {
		return nil, err
	}
	return &AbortReply{}, nil
}

func (a *VolumeAdapter) Pull(ctx context.Context, req *PullRequest) (*PullReply, error) {
	if err := a.node.Pull(ctx, req.Key, req.SourceURL); err != nil {
		return nil, err
	}
	return &PullReply{}, nil
}

func (a *VolumeAdapter) Delete(ctx context.Context, req *DeleteRequest) (*DeleteReply, error) {
	if err := a.node.Delete(ctx, req.Key); err != nil {
		return nil, err
	}
	return &DeleteReply{}, nil
}

func (a *VolumeAdapter) Get(ctx context.Context, req *GetRequest) (*GetReply, error) {
	data, err := a.node.Get(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	return &GetReply{Data: data}, nil
}

func (a *VolumeAdapter) Ping(ctx context.Context, _ *PingRequest) (*PingReply, error) {
	res := a.node.Ping(ctx)
	return &PingReply{
		VolumeID:   res.VolumeID,
		UptimeSecs: res.UptimeSecs,
		TotalKeys:  res.TotalKeys,
		TotalBytes: res.TotalBytes,
	}, nil
}

func (a *VolumeAdapter) Stats(ctx context.Context, _ *StatsRequest) (*StatsReply, error) {
	return &StatsReply{Stats: a.node.Stats(ctx)}, nil
}

func (a *VolumeAdapter) Compact(ctx context.Context, _ *CompactRequest) (*CompactReply, error) {
	if err := a.node.Compact(ctx); err != nil {
		return nil, err
	}
	return &CompactReply{}, nil
}
