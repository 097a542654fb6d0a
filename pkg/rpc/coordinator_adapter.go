package rpc

import (
	"context"
	"time"

	"github.com/whispem/minikv/pkg/consensus"
	"github.com/whispem/minikv/pkg/coordinator"
	"github.com/whispem/minikv/pkg/types"
)

// CoordinatorAdapter implements CoordinatorServiceServer over a running
// *coordinator.Coordinator and the *consensus.Node backing it, the way
// VolumeAdapter wraps *volume.Node: a thin translation layer between wire
// messages and the plain-Go collaborators.
type CoordinatorAdapter struct {
	raft  *consensus.Node
	coord *coordinator.Coordinator
}

func NewCoordinatorAdapter(raft *consensus.Node, coord *coordinator.Coordinator) *CoordinatorAdapter {
	return &CoordinatorAdapter{raft: raft, coord: coord}
}

// Join admits a new coordinator peer as a Raft voter. Only the current
// leader can do this; a follower reports the leader's address (if known)
// so the caller can retry there. Unlike the other RPCs in this package,
// the not-leader case is reported via JoinReply rather than an error,
// since a gRPC error status carries no response body to redirect with.
func (a *CoordinatorAdapter) Join(ctx context.Context, req *JoinRequest) (*JoinReply, error) {
	if !a.raft.IsLeader() {
		return &JoinReply{LeaderAddr: a.raft.LeaderAddr()}, nil
	}
	if err := a.raft.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		return nil, err
	}
	return &JoinReply{Accepted: true}, nil
}

// Heartbeat records a volume's liveness. On a volume's first heartbeat it
// is registered in the metadata directory and the coordinator opens a
// gRPC connection back to it, so that a volume needs no separate
// "join" call beyond its regular heartbeat loop.
func (a *CoordinatorAdapter) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatReply, error) {
	if _, err := a.coord.Store().GetVolume(req.VolumeID); err != nil {
		meta := types.VolumeMetadata{
			VolumeID:      req.VolumeID,
			Address:       req.Address,
			GRPCAddress:   req.GRPCAddress,
			State:         types.VolumeAlive,
			Shards:        req.Shards,
			TotalKeys:     req.TotalKeys,
			TotalBytes:    req.TotalBytes,
			FreeBytes:     req.FreeBytes,
			LastHeartbeat: time.Now().UnixMilli(),
		}
		if err := a.coord.RegisterVolume(meta); err != nil {
			return nil, err
		}
	}

	if _, connected := a.coord.Client(req.VolumeID); !connected {
		if err := a.coord.Connect(req.VolumeID, req.GRPCAddress); err != nil {
			return nil, err
		}
	}

	a.coord.Heartbeat(req.VolumeID, coordinator.HeartbeatStats{
		Address:     req.Address,
		GRPCAddress: req.GRPCAddress,
		Shards:      req.Shards,
		TotalKeys:   req.TotalKeys,
		TotalBytes:  req.TotalBytes,
		FreeBytes:   req.FreeBytes,
	})
	return &HeartbeatReply{}, nil
}
