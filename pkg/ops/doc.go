// Package ops implements the three cluster walks an operator runs to keep
// a cluster self-healing: verify, repair, and compact. Each walk reads
// the coordinator's metadata directory and drives the volumes it names,
// without introducing any new RPC beyond what pkg/rpc's Volume RPC
// surface already exposes.
package ops
