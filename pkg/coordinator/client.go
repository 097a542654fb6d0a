package coordinator

import (
	"context"

	"google.golang.org/grpc"

	"github.com/whispem/minikv/pkg/rpc"
)

// volumeRPC is the subset of the Volume RPC surface the orchestrator
// drives. Abstracted behind an interface so tests can exercise the 2PC
// and delete/get protocols against in-process fakes instead of a real
// gRPC connection.
type volumeRPC interface {
	Prepare(ctx context.Context, uploadID, key string, size uint64, digest string, data []byte) error
	Commit(ctx context.Context, uploadID, key string) error
	Abort(ctx context.Context, uploadID string) error
	Delete(ctx context.Context, key string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Pull(ctx context.Context, key, sourceURL string) error
	Ping(ctx context.Context) (*rpc.PingReply, error)
	Stats(ctx context.Context) (*rpc.StatsReply, error)
	Compact(ctx context.Context) error
}

// VolumeClient is the exported form of volumeRPC, for collaborators outside
// this package (pkg/ops's cluster walks) that need to drive an individual
// volume directly rather than through the 2PC/delete/get protocols.
type VolumeClient = volumeRPC

// grpcVolumeClient adapts *rpc.VolumeServiceClient to volumeRPC.
type grpcVolumeClient struct {
	conn   *grpc.ClientConn
	client *rpc.VolumeServiceClient
}

func dialVolume(address string) (*grpcVolumeClient, error) {
	conn, err := rpc.Dial(address)
	if err != nil {
		return nil, err
	}
	return &grpcVolumeClient{conn: conn, client: rpc.NewVolumeServiceClient(conn)}, nil
}

func (c *grpcVolumeClient) Prepare(ctx context.Context, uploadID, key string, size uint64, digest string, data []byte) error {
	_, err := c.client.Prepare(ctx, &rpc.PrepareRequest{
		UploadID:       uploadID,
		Key:            key,
		ExpectedSize:   size,
		ExpectedBlake3: digest,
		Data:           data,
	})
	return err
}

func (c *grpcVolumeClient) Commit(ctx context.Context, uploadID, key string) error {
	_, err := c.client.Commit(ctx, &rpc.CommitRequest{UploadID: uploadID, Key: key})
	return err
}

func (c *grpcVolumeClient) Abort(ctx context.Context, uploadID string) error {
	_, err := c.client.Abort(ctx, &rpc.AbortRequest{UploadID: uploadID})
	return err
}

func (c *grpcVolumeClient) Delete(ctx context.Context, key string) error {
	_, err := c.client.Delete(ctx, &rpc.DeleteRequest{Key: key})
	return err
}

func (c *grpcVolumeClient) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := c.client.Get(ctx, &rpc.GetRequest{Key: key})
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (c *grpcVolumeClient) Pull(ctx context.Context, key, sourceURL string) error {
	_, err := c.client.Pull(ctx, &rpc.PullRequest{Key: key, SourceURL: sourceURL})
	return err
}

func (c *grpcVolumeClient) Ping(ctx context.Context) (*rpc.PingReply, error) {
	return c.client.Ping(ctx, &rpc.PingRequest{})
}

func (c *grpcVolumeClient) Stats(ctx context.Context) (*rpc.StatsReply, error) {
	return c.client.Stats(ctx, &rpc.StatsRequest{})
}

func (c *grpcVolumeClient) Compact(ctx context.Context) error {
	_, err := c.client.Compact(ctx, &rpc.CompactRequest{})
	return err
}

func (c *grpcVolumeClient) Close() error {
	return c.conn.Close()
}
