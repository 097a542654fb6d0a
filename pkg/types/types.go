// Package types defines the entities shared across the volume, coordinator,
// and consensus layers: keys, blobs, their on-volume locations, and the
// coordinator-side metadata describing them.
package types

import (
	"time"

	"github.com/whispem/minikv/pkg/kverrors"
)

// KeyMaxLen is the largest permitted key length, in bytes.
const KeyMaxLen = 1024

// DefaultMaxBlobSize is the default ceiling on a single blob's size (1 GiB).
const DefaultMaxBlobSize = 1 << 30

// DefaultSegmentSize is the size at which a volume rotates to a new segment
// file (64 MiB).
const DefaultSegmentSize = 64 << 20

// DefaultNumShards is the default shard-space cardinality.
const DefaultNumShards = 256

// DefaultReplicationFactor is the default number of volumes holding a copy
// of each key.
const DefaultReplicationFactor = 3

// VolumeState is the lifecycle state of a volume as seen by the coordinator.
type VolumeState string

const (
	VolumeAlive    VolumeState = "alive"
	VolumeSuspect  VolumeState = "suspect"
	VolumeDead     VolumeState = "dead"
	VolumeDraining VolumeState = "draining"
)

// KeyState is the lifecycle state of a coordinator-tracked key.
type KeyState string

const (
	KeyActive    KeyState = "active"
	KeyTombstone KeyState = "tombstone"
)

// BlobLocation identifies where a volume holds the bytes for a key.
type BlobLocation struct {
	SegmentID uint64 `json:"segment_id"`
	Offset    uint64 `json:"offset"`
	Size      uint64 `json:"size"`
	Blake3    string `json:"blake3"`
	ExpiresAt int64  `json:"expires_at"` // unix millis; 0 = no expiry
}

// HasExpiry reports whether the location carries a TTL.
func (l BlobLocation) HasExpiry() bool { return l.ExpiresAt != 0 }

// Expired reports whether the location's TTL has passed as of now.
func (l BlobLocation) Expired(now time.Time) bool {
	return l.HasExpiry() && l.ExpiresAt <= now.UnixMilli()
}

// KeyMetadata is the coordinator's directory entry for one key.
type KeyMetadata struct {
	Key       string   `json:"key"`
	Replicas  []string `json:"replicas"` // volume IDs
	Size      uint64   `json:"size"`
	Blake3    string   `json:"blake3"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
	State     KeyState `json:"state"`
}

// VolumeMetadata is the coordinator's directory entry for one volume.
type VolumeMetadata struct {
	VolumeID      string      `json:"volume_id"`
	Address       string      `json:"address"`
	GRPCAddress   string      `json:"grpc_address"`
	State         VolumeState `json:"state"`
	Shards        []uint64    `json:"shards"`
	TotalKeys     uint64      `json:"total_keys"`
	TotalBytes    uint64      `json:"total_bytes"`
	FreeBytes     uint64      `json:"free_bytes"`
	LastHeartbeat int64       `json:"last_heartbeat"`
}

// Stats summarizes a blob store's contents.
type Stats struct {
	TotalKeys   uint64 `json:"total_keys"`
	TotalBytes  uint64 `json:"total_bytes"`
	FreeBytes   uint64 `json:"free_bytes"`
	Segments    int    `json:"segments"`
	KeysWithTTL uint64 `json:"keys_with_ttl"`
}

// Report is the outcome of a verify cluster walk.
type Report struct {
	Total           int `json:"total"`
	Healthy         int `json:"healthy"`
	UnderReplicated int `json:"under_replicated"`
	Corrupted       int `json:"corrupted"`
	Orphaned        int `json:"orphaned"`
}

// RepairReport is the outcome of a repair cluster walk.
type RepairReport struct {
	KeysChecked  int    `json:"keys_checked"`
	KeysRepaired int    `json:"keys_repaired"`
	BytesCopied  uint64 `json:"bytes_copied"`
}

// CompactReport is the outcome of a compact cluster walk.
type CompactReport struct {
	VolumesCompacted int    `json:"volumes_compacted"`
	BytesFreed       uint64 `json:"bytes_freed"`
	Errors           int    `json:"errors"`
}

// ValidateKey enforces the key constraints: 1-1024 bytes, no control
// characters.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return kverrors.New(kverrors.KindInvalidConfig, "types.ValidateKey").WithKey(key)
	}
	if len(key) > KeyMaxLen {
		return kverrors.New(kverrors.KindInvalidConfig, "types.ValidateKey").WithKey(key)
	}
	for _, b := range []byte(key) {
		if b < 0x20 || b == 0x7f {
			return kverrors.New(kverrors.KindInvalidConfig, "types.ValidateKey").WithKey(key)
		}
	}
	return nil
}
