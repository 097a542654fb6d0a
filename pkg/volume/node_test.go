package volume

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/whispem/minikv/pkg/kverrors"
	"lukechampine.com/blake3"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()
	n, err := NewNode(Config{
		DataPath:    filepath.Join(dir, "data"),
		WALPath:     filepath.Join(dir, "wal"),
		EnableBloom: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestPrepareCommit(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	value := []byte("payload")
	digest := blake3.Sum256(value)

	require.NoError(t, n.Prepare(ctx, "up1", "k1", uint64(len(value)), hex.EncodeToString(digest[:]), value))
	require.NoError(t, n.Commit(ctx, "up1", "k1"))

	got, err := n.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestPrepareRejectsSizeMismatch(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	value := []byte("payload")
	digest := blake3.Sum256(value)

	err := n.Prepare(ctx, "up1", "k1", uint64(len(value))+1, hex.EncodeToString(digest[:]), value)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.KindPrepareFailed))
}

func TestPrepareRejectsDigestMismatch(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	value := []byte("payload")

	err := n.Prepare(ctx, "up1", "k1", uint64(len(value)), "deadbeef", value)
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.KindPrepareFailed))
}

func TestAbortIsIdempotent(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	require.NoError(t, n.Abort(ctx, "unknown"))
	require.NoError(t, n.Abort(ctx, "unknown"))
}

func TestCommitUnknownUploadFails(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	err := n.Commit(ctx, "nope", "k1")
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestDeleteAndPing(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	value := []byte("payload")
	digest := blake3.Sum256(value)
	require.NoError(t, n.Prepare(ctx, "up1", "k1", uint64(len(value)), hex.EncodeToString(digest[:]), value))
	require.NoError(t, n.Commit(ctx, "up1", "k1"))

	ping := n.Ping(ctx)
	require.Equal(t, n.ID, ping.VolumeID)
	require.Equal(t, uint64(1), ping.TotalKeys)

	require.NoError(t, n.Delete(ctx, "k1"))
	_, err := n.Get(ctx, "k1")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}
