package placement

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/whispem/minikv/pkg/kverrors"
)

func TestShardOfKeyDeterministic(t *testing.T) {
	a := ShardOfKey("hello", 256)
	b := ShardOfKey("hello", 256)
	require.Equal(t, a, b)
	require.Less(t, a, uint64(256))
}

func TestShardOfKeyDefaultsNumShards(t *testing.T) {
	require.Less(t, ShardOfKey("hello", 0), uint64(256))
}

func TestSelectVolumesDeterministic(t *testing.T) {
	vols := []string{"v1", "v2", "v3", "v4", "v5"}
	a, err := SelectVolumes("mykey", vols, 3)
	require.NoError(t, err)
	b, err := SelectVolumes("mykey", vols, 3)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 3)
}

func TestSelectVolumesNoHealthy(t *testing.T) {
	_, err := SelectVolumes("mykey", nil, 3)
	require.True(t, kverrors.Is(err, kverrors.KindNoHealthyVolumes))
}

func TestSelectVolumesInsufficientReplicas(t *testing.T) {
	_, err := SelectVolumes("mykey", []string{"v1", "v2"}, 3)
	require.True(t, kverrors.Is(err, kverrors.KindInsufficientReplicas))
}

func TestSelectVolumesStableUnderChurn(t *testing.T) {
	full := []string{"v1", "v2", "v3", "v4", "v5"}
	before, err := SelectVolumes("stability-key", full, 3)
	require.NoError(t, err)

	// Remove one volume not in the selected set (if possible) and confirm
	// the remaining selection is unaffected.
	removed := ""
	for _, v := range full {
		in := false
		for _, s := range before {
			if s == v {
				in = true
			}
		}
		if !in {
			removed = v
			break
		}
	}
	require.NotEmpty(t, removed)

	var reduced []string
	for _, v := range full {
		if v != removed {
			reduced = append(reduced, v)
		}
	}
	after, err := SelectVolumes("stability-key", reduced, 3)
	require.NoError(t, err)
	require.ElementsMatch(t, before, after)
}
