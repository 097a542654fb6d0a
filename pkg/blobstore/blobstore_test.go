package blobstore

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/wal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{
		DataDir:     filepath.Join(dir, "data"),
		WALDir:      filepath.Join(dir, "wal"),
		SegmentSize: 4096,
		SyncPolicy:  wal.SyncAlways,
		EnableBloom: true,
	})
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("k1", []byte("hello world"), 0))

	got, err := s.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello world"), got)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nope")
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("k1", []byte("v"), 0))
	require.NoError(t, s.Delete("k1"))

	_, err := s.Get("k1")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestPutOverwriteSupersedesLocation(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("k1", []byte("first"), 0))
	require.NoError(t, s.Put("k1", []byte("second"), 0))

	got, err := s.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
	require.Equal(t, 1, s.index.Len())
}

func TestTTLExpiry(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("k1", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err := s.Get("k1")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestSegmentRotation(t *testing.T) {
	s := openTestStore(t)
	// Random bytes do not LZ4-compress, so each record keeps its full
	// 1 KiB payload and four records fill a 4096-byte segment.
	value := make([]byte, 1024)
	rand.New(rand.NewSource(1)).Read(value)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put("k"+string(rune('a'+i)), value, 0))
	}
	require.Greater(t, s.currentSegment, uint64(0))
}

func TestCompactionPreservesLiveKeys(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("k1", []byte("v1"), 0))
	require.NoError(t, s.Put("k2", []byte("v2"), 0))
	require.NoError(t, s.Put("k1", []byte("v1-updated"), 0))
	require.NoError(t, s.Delete("k2"))

	require.NoError(t, s.Compact())

	got, err := s.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1-updated"), got)

	_, err = s.Get("k2")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestReopenRecoversFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		DataDir:     filepath.Join(dir, "data"),
		WALDir:      filepath.Join(dir, "wal"),
		SyncPolicy:  wal.SyncAlways,
		EnableBloom: true,
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Put("k1", []byte("v1"), 0))
	require.NoError(t, s.SaveSnapshot())
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	got, err := s2.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}

func TestReopenRecoversFromSegmentScanWithoutSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		DataDir:     filepath.Join(dir, "data"),
		WALDir:      filepath.Join(dir, "wal"),
		SyncPolicy:  wal.SyncAlways,
		EnableBloom: true,
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Put("k1", []byte("v1"), 0))
	require.NoError(t, s.Close())

	s2, err := Open(cfg)
	require.NoError(t, err)
	got, err := s2.Get("k1")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), got)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Put("k1", []byte("hello"), 0))
	require.NoError(t, s.Put("k2", []byte("world"), time.Minute))

	stats := s.Stats()
	require.Equal(t, uint64(2), stats.TotalKeys)
	require.Equal(t, uint64(1), stats.KeysWithTTL)
}
