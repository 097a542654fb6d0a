package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeyCRUD(t *testing.T) {
	s := openTestStore(t)
	meta := types.KeyMetadata{Key: "k1", Replicas: []string{"v1", "v2"}, Size: 10, State: types.KeyActive}
	require.NoError(t, s.PutKey(meta))

	got, err := s.GetKey("k1")
	require.NoError(t, err)
	require.Equal(t, meta, got)

	keys, err := s.ListKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, s.DeleteKey("k1"))
	_, err = s.GetKey("k1")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestVolumeCRUD(t *testing.T) {
	s := openTestStore(t)
	meta := types.VolumeMetadata{VolumeID: "v1", Address: "10.0.0.1:9000", State: types.VolumeAlive}
	require.NoError(t, s.PutVolume(meta))

	got, err := s.GetVolume("v1")
	require.NoError(t, err)
	require.Equal(t, meta, got)

	vols, err := s.ListVolumes()
	require.NoError(t, err)
	require.Len(t, vols, 1)

	require.NoError(t, s.DeleteVolume("v1"))
	_, err = s.GetVolume("v1")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestConfigCRUD(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutConfig("cluster_id", []byte("abc-123")))

	got, err := s.GetConfig("cluster_id")
	require.NoError(t, err)
	require.Equal(t, []byte("abc-123"), got)

	_, err = s.GetConfig("missing")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestListConfig(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutConfig("cluster_id", []byte("abc-123")))
	require.NoError(t, s.PutConfig("shard_map_version", []byte("7")))

	all, err := s.ListConfig()
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{
		"cluster_id":        []byte("abc-123"),
		"shard_map_version": []byte("7"),
	}, all)
}

func TestClearEmptiesAllBuckets(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutKey(types.KeyMetadata{Key: "k1", State: types.KeyActive}))
	require.NoError(t, s.PutVolume(types.VolumeMetadata{VolumeID: "v1", State: types.VolumeAlive}))
	require.NoError(t, s.PutConfig("cluster_id", []byte("abc-123")))

	require.NoError(t, s.Clear())

	_, err := s.GetKey("k1")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
	_, err = s.GetVolume("v1")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
	_, err = s.GetConfig("cluster_id")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))

	// The store remains usable after Clear: buckets were recreated, not
	// just emptied and left absent.
	require.NoError(t, s.PutKey(types.KeyMetadata{Key: "k2", State: types.KeyActive}))
	_, err = s.GetKey("k2")
	require.NoError(t, err)
}
