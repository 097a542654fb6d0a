package ops

import (
	"context"
	"encoding/hex"

	"lukechampine.com/blake3"

	"github.com/whispem/minikv/pkg/coordinator"
	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/log"
	"github.com/whispem/minikv/pkg/placement"
	"github.com/whispem/minikv/pkg/types"
)

// Verify walks every Active key in the coordinator's directory and checks
// that every recorded replica still has it. In deep mode it also fetches
// the bytes and recomputes the BLAKE3 digest against the recorded one.
//
// Orphaned is always reported as 0: detecting a blob a volume holds that
// the directory no longer references would require a volume-side
// key-listing RPC, which the Volume RPC surface does not define (Stats
// reports only aggregate counters, not individual keys).
func Verify(ctx context.Context, coord *coordinator.Coordinator, deep bool) (types.Report, error) {
	keys, err := coord.Store().ListKeys()
	if err != nil {
		return types.Report{}, err
	}

	var report types.Report
	required := coord.ReplicationFactor()
	logger := log.WithComponent("ops")

	for _, meta := range keys {
		if meta.State != types.KeyActive {
			continue
		}
		report.Total++

		present := 0
		corrupted := false
		for _, volumeID := range meta.Replicas {
			client, ok := coord.Client(volumeID)
			if !ok {
				continue
			}
			data, err := client.Get(ctx, meta.Key)
			if err != nil {
				continue
			}
			if deep {
				sum := blake3.Sum256(data)
				if hex.EncodeToString(sum[:]) != meta.Blake3 {
					corrupted = true
					continue
				}
			}
			present++
		}

		want := required
		if len(meta.Replicas) < want {
			want = len(meta.Replicas)
		}

		switch {
		case corrupted:
			report.Corrupted++
		case present < want:
			report.UnderReplicated++
			logger.Warn().Str("key", meta.Key).Int("present", present).Int("want", want).Msg("under-replicated key")
		default:
			report.Healthy++
		}
	}
	return report, nil
}

// Repair copies missing blobs to additional healthy volumes for every
// under-replicated key and updates the directory's replica set via Raft.
// With dryRun set, it only counts what would be repaired.
//
// Repair materializes a replacement replica through the same Prepare+
// Commit primitives a PUT uses, having already fetched and verified the
// bytes from a healthy source replica over the existing gRPC Get —
// rather than standing up a second, HTTP-based blob-fetch path solely
// for this one caller of Pull.
func Repair(ctx context.Context, coord *coordinator.Coordinator, dryRun bool) (types.RepairReport, error) {
	keys, err := coord.Store().ListKeys()
	if err != nil {
		return types.RepairReport{}, err
	}

	var report types.RepairReport
	required := coord.ReplicationFactor()
	logger := log.WithComponent("ops")

	for _, meta := range keys {
		if meta.State != types.KeyActive {
			continue
		}

		// A replica only counts as "healthy" for repair purposes if it
		// still actually holds the blob — as in verify, it must return
		// the bytes from Get, not merely be reachable: a volume that has
		// lost this one key (segment loss, manual deletion, a reset
		// data directory) is exactly the case repair exists to fix.
		var healthy []string
		var sourceData []byte
		for _, volumeID := range meta.Replicas {
			client, ok := coord.Client(volumeID)
			if !ok {
				continue
			}
			data, err := client.Get(ctx, meta.Key)
			if err != nil {
				continue
			}
			healthy = append(healthy, volumeID)
			if sourceData == nil {
				sourceData = data
			}
		}

		if len(healthy) >= required {
			continue
		}
		report.KeysChecked++

		need := required - len(healthy)
		candidates := excludeAll(coord.HealthyVolumes(), healthy)
		if len(candidates) < need {
			need = len(candidates)
		}
		if need == 0 || sourceData == nil {
			continue
		}

		targets, err := placement.SelectVolumes(meta.Key, candidates, need)
		if err != nil {
			logger.Warn().Str("key", meta.Key).Err(err).Msg("repair: no replacement volumes available")
			continue
		}

		if dryRun {
			report.KeysRepaired++
			report.BytesCopied += meta.Size * uint64(len(targets))
			continue
		}

		data := sourceData
		var repaired []string
		for _, volumeID := range targets {
			client, ok := coord.Client(volumeID)
			if !ok {
				continue
			}
			uploadID := "repair-" + meta.Key + "-" + volumeID
			if err := client.Prepare(ctx, uploadID, meta.Key, meta.Size, meta.Blake3, data); err != nil {
				logger.Warn().Str("key", meta.Key).Str("volume_id", volumeID).Err(err).Msg("repair: prepare failed")
				continue
			}
			if err := client.Commit(ctx, uploadID, meta.Key); err != nil {
				logger.Warn().Str("key", meta.Key).Str("volume_id", volumeID).Err(err).Msg("repair: commit failed")
				continue
			}
			repaired = append(repaired, volumeID)
		}
		if len(repaired) == 0 {
			continue
		}

		meta.Replicas = append(append([]string{}, healthy...), repaired...)
		if err := coord.ApplyKeyMetadata(meta); err != nil {
			if !kverrors.Is(err, kverrors.KindNotLeader) {
				logger.Warn().Str("key", meta.Key).Err(err).Msg("repair: failed to commit updated replica set")
			}
			continue
		}
		report.KeysRepaired++
		report.BytesCopied += meta.Size * uint64(len(repaired))
	}
	return report, nil
}

// Compact broadcasts a foreground compaction request to every volume, or
// (when shard is non-nil) only to volumes owning that shard.
func Compact(ctx context.Context, coord *coordinator.Coordinator, shard *uint64) (types.CompactReport, error) {
	volumes, err := coord.Store().ListVolumes()
	if err != nil {
		return types.CompactReport{}, err
	}

	var report types.CompactReport
	logger := log.WithComponent("ops")

	for _, v := range volumes {
		if shard != nil && !ownsShard(v, *shard) {
			continue
		}
		client, ok := coord.Client(v.VolumeID)
		if !ok {
			report.Errors++
			continue
		}

		before, _ := client.Stats(ctx)
		if err := client.Compact(ctx); err != nil {
			logger.Warn().Str("volume_id", v.VolumeID).Err(err).Msg("compact: volume compaction failed")
			report.Errors++
			continue
		}
		after, statErr := client.Stats(ctx)

		report.VolumesCompacted++
		if before != nil && statErr == nil && after.Stats.FreeBytes > before.Stats.FreeBytes {
			report.BytesFreed += after.Stats.FreeBytes - before.Stats.FreeBytes
		}
	}
	return report, nil
}

func ownsShard(v types.VolumeMetadata, shard uint64) bool {
	for _, s := range v.Shards {
		if s == shard {
			return true
		}
	}
	return false
}

func excludeAll(from, exclude []string) []string {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]string, 0, len(from))
	for _, id := range from {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
