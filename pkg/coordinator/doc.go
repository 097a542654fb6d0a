// Package coordinator drives writes, deletes, and reads across volume
// replicas: it selects placement, runs the two-phase commit protocol for
// PUT, replicates mutations through pkg/consensus, and tracks volume
// liveness via heartbeats. Only the Raft leader accepts mutations;
// followers return a redirect error naming the current leader.
package coordinator
