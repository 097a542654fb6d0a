// Package blobstore implements the log-structured, segmented, append-only
// blob container owned by exactly one volume: segment files, the bloom
// filter guarding negative lookups, and the atomic-swap compaction
// algorithm that reclaims space from overwritten and deleted records.
//
// A Store composes pkg/wal (durability of intent) and pkg/index (the
// in-memory key→location map): every put appends to the WAL before it
// touches a segment, and the index always reflects the newest write for
// a key.
package blobstore
