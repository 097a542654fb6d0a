// Package volume implements one volume node: a process that owns a single
// pkg/blobstore.Store and exposes it to the coordinator over the Volume
// RPC surface (prepare/commit/abort/pull/delete/ping/stats).
//
// A Node also holds the prepared-upload table that backs the 2PC leaf of
// the coordinator's PUT protocol: prepare buffers and verifies bytes
// in-memory without touching the blob store; commit materializes them;
// abort (or a bounded inactivity timeout) discards them.
package volume
