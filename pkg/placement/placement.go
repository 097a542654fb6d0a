// Package placement computes, for a key and the set of currently healthy
// volumes, which shard the key belongs to and which volumes should hold
// its replicas. Both functions are pure: spec invariant I6 requires any two
// coordinators to agree, so there is no hidden state or randomness here —
// only BLAKE3 over the key (and key‖volume_id for replica weights).
package placement

import (
	"encoding/binary"
	"sort"

	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/types"
	"lukechampine.com/blake3"
)

// ShardOfKey returns the shard a key hashes to:
// blake3(key)[0..8] as u64 mod numShards.
func ShardOfKey(key string, numShards uint64) uint64 {
	if numShards == 0 {
		numShards = types.DefaultNumShards
	}
	digest := blake3.Sum256([]byte(key))
	return binary.LittleEndian.Uint64(digest[:8]) % numShards
}

// weight is blake3(key ∥ volumeID)[0..8] as u64, the HRW (rendezvous)
// hashing weight of one candidate volume for one key.
func weight(key, volumeID string) uint64 {
	h := blake3.New(32, nil)
	h.Write([]byte(key))
	h.Write([]byte(volumeID))
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// SelectVolumes returns the top replicationFactor volumes for key among
// healthyVolumes, ranked by descending HRW weight. The
// result is stable under membership churn: adding or removing a volume
// changes only the entries whose relative rank crosses the cut, not the
// rest of the ordering.
func SelectVolumes(key string, healthyVolumes []string, replicationFactor int) ([]string, error) {
	if len(healthyVolumes) == 0 {
		return nil, kverrors.New(kverrors.KindNoHealthyVolumes, "placement.SelectVolumes").WithKey(key)
	}
	if len(healthyVolumes) < replicationFactor {
		return nil, kverrors.New(kverrors.KindInsufficientReplicas, "placement.SelectVolumes").WithKey(key)
	}

	ranked := make([]string, len(healthyVolumes))
	copy(ranked, healthyVolumes)
	weights := make(map[string]uint64, len(ranked))
	for _, v := range ranked {
		weights[v] = weight(key, v)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if weights[ranked[i]] != weights[ranked[j]] {
			return weights[ranked[i]] > weights[ranked[j]]
		}
		return ranked[i] < ranked[j] // deterministic tie-break
	})

	return ranked[:replicationFactor], nil
}
