package ops_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whispem/minikv/pkg/consensus"
	"github.com/whispem/minikv/pkg/coordinator"
	"github.com/whispem/minikv/pkg/metadata"
	"github.com/whispem/minikv/pkg/ops"
	"github.com/whispem/minikv/pkg/rpc"
	"github.com/whispem/minikv/pkg/types"
	"github.com/whispem/minikv/pkg/volume"
)

type testVolume struct {
	id     string
	node   *volume.Node
	server *rpc.Server
	addr   string
}

func startTestVolume(t *testing.T) *testVolume {
	t.Helper()
	node, err := volume.NewNode(volume.Config{
		DataPath: t.TempDir(),
		WALPath:  t.TempDir(),
	})
	require.NoError(t, err)

	srv := rpc.NewServer()
	srv.RegisterVolumeService(rpc.NewVolumeAdapter(node))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	go srv.Serve(addr)

	t.Cleanup(func() {
		srv.Stop()
		node.Close()
	})
	// Give the server goroutine a moment to start listening before any
	// caller dials addr.
	time.Sleep(20 * time.Millisecond)
	return &testVolume{id: node.ID, node: node, server: srv, addr: addr}
}

// newTestCluster wires a single-node-Raft coordinator to n real volume
// nodes reachable over gRPC, mirroring how cmd/coordinatord and
// cmd/volumed assemble the same pieces in production.
func newTestCluster(t *testing.T, n int) (*coordinator.Coordinator, []*testVolume) {
	t.Helper()
	dir := t.TempDir()
	store, err := metadata.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	node, err := consensus.New(consensus.Config{
		NodeID:            "coord1",
		BindAddr:          "127.0.0.1:0",
		DataDir:           dir,
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}, store)
	require.NoError(t, err)
	require.NoError(t, node.Bootstrap())
	require.Eventually(t, node.IsLeader, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { node.Shutdown() })

	coord := coordinator.New(coordinator.Config{ReplicationFactor: n}, node, store)
	t.Cleanup(coord.Close)

	volumes := make([]*testVolume, n)
	for i := 0; i < n; i++ {
		v := startTestVolume(t)
		volumes[i] = v
		require.NoError(t, coord.Connect(v.id, v.addr))
		require.NoError(t, coord.RegisterVolume(types.VolumeMetadata{
			VolumeID:    v.id,
			GRPCAddress: v.addr,
			State:       types.VolumeAlive,
		}))
		coord.Heartbeat(v.id, coordinator.HeartbeatStats{GRPCAddress: v.addr})
	}
	return coord, volumes
}

func TestVerifyReportsHealthyKeys(t *testing.T) {
	coord, _ := newTestCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, coord.Put(ctx, "alpha", []byte("hello")))
	require.NoError(t, coord.Put(ctx, "beta", []byte("world")))

	report, err := ops.Verify(ctx, coord, true)
	require.NoError(t, err)
	require.Equal(t, 2, report.Total)
	require.Equal(t, 2, report.Healthy)
	require.Zero(t, report.UnderReplicated)
	require.Zero(t, report.Corrupted)
}

func TestVerifyFlagsUnderReplicatedKey(t *testing.T) {
	coord, volumes := newTestCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, coord.Put(ctx, "alpha", []byte("hello")))

	// Simulate one replica losing the blob outside the normal delete path.
	require.NoError(t, volumes[0].node.Delete(ctx, "alpha"))

	report, err := ops.Verify(ctx, coord, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Total)
	require.Equal(t, 1, report.UnderReplicated)
}

func TestRepairHealsUnderReplicatedKey(t *testing.T) {
	coord, volumes := newTestCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, coord.Put(ctx, "alpha", []byte("hello")))
	require.NoError(t, volumes[0].node.Delete(ctx, "alpha"))

	pre, err := ops.Verify(ctx, coord, false)
	require.NoError(t, err)
	require.Equal(t, 1, pre.UnderReplicated)

	// A fourth, previously-unused volume joins the candidate set; the
	// replacement target is chosen by HRW from it and the volume that
	// lost the blob.
	extra := startTestVolume(t)
	require.NoError(t, coord.Connect(extra.id, extra.addr))
	require.NoError(t, coord.RegisterVolume(types.VolumeMetadata{
		VolumeID: extra.id, GRPCAddress: extra.addr, State: types.VolumeAlive,
	}))
	coord.Heartbeat(extra.id, coordinator.HeartbeatStats{GRPCAddress: extra.addr})

	repairReport, err := ops.Repair(ctx, coord, false)
	require.NoError(t, err)
	require.Equal(t, 1, repairReport.KeysChecked)
	require.Equal(t, 1, repairReport.KeysRepaired)

	post, err := ops.Verify(ctx, coord, true)
	require.NoError(t, err)
	require.Equal(t, 1, post.Healthy)
	require.Zero(t, post.UnderReplicated)
}

func TestRepairDryRunDoesNotMutate(t *testing.T) {
	coord, volumes := newTestCluster(t, 3)
	ctx := context.Background()

	require.NoError(t, coord.Put(ctx, "alpha", []byte("hello")))
	require.NoError(t, volumes[0].node.Delete(ctx, "alpha"))

	extra := startTestVolume(t)
	require.NoError(t, coord.Connect(extra.id, extra.addr))
	require.NoError(t, coord.RegisterVolume(types.VolumeMetadata{
		VolumeID: extra.id, GRPCAddress: extra.addr, State: types.VolumeAlive,
	}))
	coord.Heartbeat(extra.id, coordinator.HeartbeatStats{GRPCAddress: extra.addr})

	report, err := ops.Repair(ctx, coord, true)
	require.NoError(t, err)
	require.Equal(t, 1, report.KeysRepaired)

	still, err := ops.Verify(ctx, coord, false)
	require.NoError(t, err)
	require.Equal(t, 1, still.UnderReplicated, "dry run must not have healed the key")
}

func TestCompactRunsAcrossVolumes(t *testing.T) {
	coord, _ := newTestCluster(t, 2)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := "key_" + string(rune('a'+i))
		require.NoError(t, coord.Put(ctx, key, []byte("value")))
	}

	report, err := ops.Compact(ctx, coord, nil)
	require.NoError(t, err)
	require.Equal(t, 2, report.VolumesCompacted)
	require.Zero(t, report.Errors)
}
