package rpc

import (
	"context"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"lukechampine.com/blake3"

	"github.com/whispem/minikv/pkg/volume"
)

func startVolumeServer(t *testing.T) (*VolumeServiceClient, func()) {
	t.Helper()

	node, err := volume.NewNode(volume.Config{
		DataPath: t.TempDir(),
		WALPath:  t.TempDir(),
	})
	require.NoError(t, err)

	srv := NewServer()
	srv.RegisterVolumeService(NewVolumeAdapter(node))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.grpc.Serve(lis)

	conn, err := grpc.Dial(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	require.NoError(t, err)

	cleanup := func() {
		conn.Close()
		srv.Stop()
		node.Close()
	}
	return NewVolumeServiceClient(conn), cleanup
}

func TestVolumeServicePrepareCommitGetOverGRPC(t *testing.T) {
	client, cleanup := startVolumeServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := []byte("hello over the wire")
	sum := blake3.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	_, err := client.Prepare(ctx, &PrepareRequest{
		UploadID:       "u1",
		Key:            "k1",
		ExpectedSize:   uint64(len(data)),
		ExpectedBlake3: digest,
		Data:           data,
	})
	require.NoError(t, err)

	_, err = client.Commit(ctx, &CommitRequest{UploadID: "u1", Key: "k1"})
	require.NoError(t, err)

	got, err := client.Get(ctx, &GetRequest{Key: "k1"})
	require.NoError(t, err)
	require.Equal(t, data, got.Data)

	ping, err := client.Ping(ctx, &PingRequest{})
	require.NoError(t, err)
	require.Equal(t, uint64(1), ping.TotalKeys)
}

func TestVolumeServiceAbortIsIdempotentOverGRPC(t *testing.T) {
	client, cleanup := startVolumeServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Abort(ctx, &AbortRequest{UploadID: "nonexistent"})
	require.NoError(t, err)
}
