package consensus

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/log"
	"github.com/whispem/minikv/pkg/metadata"
	"github.com/whispem/minikv/pkg/metrics"
)

// Config parameterizes one coordinator's Raft participation.
type Config struct {
	NodeID            string
	BindAddr          string
	DataDir           string
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	SnapshotThreshold uint64
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 300 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 10_000
	}
	return c
}

// Node wraps one coordinator's *raft.Raft instance and the metadata FSM it
// drives, wiring NewTCPTransport, NewFileSnapshotStore, and raftboltdb
// log+stable stores around it, with election/heartbeat timeouts tuned
// for this workload's replication traffic rather than raft.DefaultConfig's
// general-purpose defaults.
type Node struct {
	cfg   Config
	raft  *raft.Raft
	fsm   *FSM
	store *metadata.Store
}

// New creates the Raft building blocks (transport, snapshot store, log and
// stable stores) and the underlying raft.Raft, without bootstrapping or
// joining a cluster — callers call Bootstrap next, or have the current
// leader admit this node with AddVoter.
func New(cfg Config, store *metadata.Store) (*Node, error) {
	cfg = cfg.withDefaults()
	fsm := NewFSM(store)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = cfg.ElectionTimeout
	raftConfig.ElectionTimeout = cfg.ElectionTimeout
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = cfg.ElectionTimeout / 2
	raftConfig.SnapshotThreshold = cfg.SnapshotThreshold

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindInvalidConfig, "consensus.New", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "consensus.New", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "consensus.New", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "consensus.New", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "consensus.New", err)
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "consensus.New", err)
	}

	return &Node{cfg: cfg, raft: r, fsm: fsm, store: store}, nil
}

// Bootstrap starts a brand-new single-node cluster with this node as its
// only member.
func (n *Node) Bootstrap() error {
	future := n.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.cfg.NodeID), Address: raft.ServerAddress(n.cfg.BindAddr)},
		},
	})
	if err := future.Error(); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "consensus.Bootstrap", err)
	}
	return nil
}

// AddVoter adds a peer as a voting member. Only the leader may call this.
func (n *Node) AddVoter(nodeID, address string) error {
	if !n.IsLeader() {
		return kverrors.New(kverrors.KindNotLeader, "consensus.AddVoter")
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "consensus.AddVoter", err)
	}
	return nil
}

// RemoveServer removes a peer from the cluster configuration.
func (n *Node) RemoveServer(nodeID string) error {
	if !n.IsLeader() {
		return kverrors.New(kverrors.KindNotLeader, "consensus.RemoveServer")
	}
	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "consensus.RemoveServer", err)
	}
	return nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool {
	leader := n.raft.State() == raft.Leader
	if leader {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}
	return leader
}

// LeaderAddr returns the bind address of the current leader, or "" if
// unknown.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// AppliedIndex returns the index of the last Raft log entry applied to
// the FSM, for metrics.Collector's periodic sampling.
func (n *Node) AppliedIndex() uint64 {
	return n.raft.AppliedIndex()
}

// Apply replicates a command through the Raft log, blocking until it
// commits (or the timeout elapses) and returns the FSM's Apply result.
// A non-leader node returns KindNotLeader, naming the current leader where
// known.
func (n *Node) Apply(cmd Command, timeout time.Duration) error {
	if n.raft.State() != raft.Leader {
		return kverrors.New(kverrors.KindNotLeader, "consensus.Apply: leader is "+n.LeaderAddr())
	}

	timer := metrics.NewTimer()
	data, err := json.Marshal(cmd)
	if err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "consensus.Apply", err)
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		if err == raft.ErrLeadershipLost || err == raft.ErrNotLeader {
			return kverrors.Wrap(kverrors.KindNotLeader, "consensus.Apply", err)
		}
		return kverrors.Wrap(kverrors.KindConsensusTimeout, "consensus.Apply", err)
	}
	timer.ObserveDuration(metrics.RaftApplyDuration)
	metrics.RaftAppliedIndex.Set(float64(n.raft.AppliedIndex()))

	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok {
			return applyErr
		}
	}
	return nil
}

// ClusterServers returns the current Raft configuration's member list.
func (n *Node) ClusterServers() ([]raft.Server, error) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "consensus.ClusterServers", err)
	}
	return future.Configuration().Servers, nil
}

// Shutdown stops the Raft instance.
func (n *Node) Shutdown() error {
	logger := log.WithComponent("consensus")
	future := n.raft.Shutdown()
	if err := future.Error(); err != nil {
		logger.Error().Err(err).Msg("raft shutdown returned an error")
		return kverrors.Wrap(kverrors.KindInternal, "consensus.Shutdown", err)
	}
	return nil
}
