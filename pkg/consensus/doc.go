// Package consensus wraps github.com/hashicorp/raft to replicate the
// metadata state machine across coordinator peers: terms, roles, log
// entries, and snapshots are entirely delegated to the Raft library;
// this package supplies the FSM that applies committed entries into
// pkg/metadata and the Bootstrap/Join/membership wiring around it.
package consensus
