// Package metadata is the persistent directory a coordinator's consensus
// state machine applies committed mutations into: keys, volumes, and
// config column families, backed by go.etcd.io/bbolt.
package metadata
