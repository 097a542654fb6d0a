// Package rpc carries the Volume RPC and the coordinator's non-Raft RPC
// (Join, Heartbeat) over gRPC. Service descriptors are hand-written
// instead of generated from .proto files, and messages are JSON-encoded
// through a custom grpc/encoding.Codec rather than protobuf wire format.
package rpc
