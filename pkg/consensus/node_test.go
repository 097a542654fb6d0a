package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whispem/minikv/pkg/metadata"
	"github.com/whispem/minikv/pkg/types"
)

func newTestNode(t *testing.T, nodeID, addr string) *Node {
	t.Helper()
	dir := t.TempDir()
	store, err := metadata.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n, err := New(Config{
		NodeID:            nodeID,
		BindAddr:          addr,
		DataDir:           dir,
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}, store)
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown() })
	return n
}

func waitForLeader(t *testing.T, n *Node) {
	t.Helper()
	require.Eventually(t, n.IsLeader, 2*time.Second, 10*time.Millisecond)
}

func TestBootstrapBecomesLeader(t *testing.T) {
	n := newTestNode(t, "node1", "127.0.0.1:17001")
	require.NoError(t, n.Bootstrap())
	waitForLeader(t, n)
	require.Equal(t, "127.0.0.1:17001", n.LeaderAddr())
}

func TestApplyPutKeyReplicatesToFSM(t *testing.T) {
	n := newTestNode(t, "node1", "127.0.0.1:17002")
	require.NoError(t, n.Bootstrap())
	waitForLeader(t, n)

	cmd := Command{
		Op:  OpPutKey,
		Key: types.KeyMetadata{Key: "hello", Replicas: []string{"v1"}, State: types.KeyActive},
	}
	require.NoError(t, n.Apply(cmd, time.Second))

	got, err := n.store.GetKey("hello")
	require.NoError(t, err)
	require.Equal(t, "hello", got.Key)
}

func TestApplyRejectedWhenNotLeader(t *testing.T) {
	n := newTestNode(t, "node1", "127.0.0.1:17003")
	// Never bootstrapped: this node has no cluster configuration and is
	// never a leader.
	err := n.Apply(Command{Op: OpPutKey, Key: types.KeyMetadata{Key: "x"}}, time.Second)
	require.Error(t, err)
}

func TestClusterServersReflectsBootstrap(t *testing.T) {
	n := newTestNode(t, "node1", "127.0.0.1:17004")
	require.NoError(t, n.Bootstrap())
	waitForLeader(t, n)

	servers, err := n.ClusterServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, "node1", string(servers[0].ID))
}
