package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whispem/minikv/pkg/consensus"
	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/metadata"
	"github.com/whispem/minikv/pkg/rpc"
	"github.com/whispem/minikv/pkg/types"
)

// fakeVolume is an in-memory volumeRPC used to exercise the 2PC protocol
// without a real gRPC connection.
type fakeVolume struct {
	mu        sync.Mutex
	data      map[string][]byte
	prepared  map[string][]byte
	failNext  bool
	commitErr error
}

func newFakeVolume() *fakeVolume {
	return &fakeVolume{data: make(map[string][]byte), prepared: make(map[string][]byte)}
}

func (f *fakeVolume) Prepare(ctx context.Context, uploadID, key string, size uint64, digest string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return kverrors.New(kverrors.KindPrepareFailed, "fake")
	}
	f.prepared[uploadID] = data
	return nil
}

func (f *fakeVolume) Commit(ctx context.Context, uploadID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	data, ok := f.prepared[uploadID]
	if !ok {
		return kverrors.New(kverrors.KindCommitFailed, "fake: unknown upload")
	}
	f.data[key] = data
	delete(f.prepared, uploadID)
	return nil
}

func (f *fakeVolume) Abort(ctx context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prepared, uploadID)
	return nil
}

func (f *fakeVolume) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeVolume) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[key]
	if !ok {
		return nil, kverrors.New(kverrors.KindNotFound, "fake")
	}
	return data, nil
}

func (f *fakeVolume) Pull(ctx context.Context, key, sourceURL string) error { return nil }

func (f *fakeVolume) Ping(ctx context.Context) (*rpc.PingReply, error) {
	return &rpc.PingReply{}, nil
}

func (f *fakeVolume) Stats(ctx context.Context) (*rpc.StatsReply, error) {
	return &rpc.StatsReply{}, nil
}

func (f *fakeVolume) Compact(ctx context.Context) error { return nil }

func newTestCoordinator(t *testing.T, volumeIDs ...string) (*Coordinator, map[string]*fakeVolume) {
	t.Helper()
	dir := t.TempDir()
	store, err := metadata.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	node, err := consensus.New(consensus.Config{
		NodeID:            "n1",
		BindAddr:          "127.0.0.1:0",
		DataDir:           dir,
		ElectionTimeout:   100 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	}, store)
	require.NoError(t, err)
	require.NoError(t, node.Bootstrap())
	require.Eventually(t, node.IsLeader, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { node.Shutdown() })

	c := New(Config{ReplicationFactor: len(volumeIDs)}, node, store)
	t.Cleanup(c.Close)

	fakes := make(map[string]*fakeVolume)
	c.mu.Lock()
	for _, id := range volumeIDs {
		f := newFakeVolume()
		fakes[id] = f
		c.clients[id] = f
	}
	c.mu.Unlock()

	for _, id := range volumeIDs {
		c.membership.Heartbeat(id, time.Now())
	}
	return c, fakes
}

func TestPutCommitGetRoundTrip(t *testing.T) {
	c, _ := newTestCoordinator(t, "v1", "v2", "v3")
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "hello", []byte("world")))

	data, err := c.Get(ctx, "hello")
	require.NoError(t, err)
	require.Equal(t, []byte("world"), data)
}

func TestPutAbortsAllOnPrepareFailure(t *testing.T) {
	c, fakes := newTestCoordinator(t, "v1", "v2", "v3")
	fakes["v2"].failNext = true

	err := c.Put(context.Background(), "hello", []byte("world"))
	require.Error(t, err)
	require.True(t, kverrors.Is(err, kverrors.KindPrepareFailed))

	for id, f := range fakes {
		f.mu.Lock()
		require.Empty(t, f.prepared, "volume %s should have no prepared uploads after abort", id)
		f.mu.Unlock()
	}
}

func TestDeleteRemovesFromReplicas(t *testing.T) {
	c, fakes := newTestCoordinator(t, "v1", "v2", "v3")
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "k", []byte("v")))

	require.NoError(t, c.Delete(ctx, "k"))
	require.Eventually(t, func() bool {
		for _, f := range fakes {
			f.mu.Lock()
			_, ok := f.data["k"]
			f.mu.Unlock()
			if ok {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	_, err := c.Get(ctx, "k")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	c, _ := newTestCoordinator(t, "v1")
	_, err := c.Get(context.Background(), "missing")
	require.True(t, kverrors.Is(err, kverrors.KindNotFound))
}

func TestMembershipSweepTransitions(t *testing.T) {
	m := NewMembership(10 * time.Millisecond)
	m.Heartbeat("v1", time.Now())

	changed := m.Sweep(time.Now().Add(25 * time.Millisecond))
	require.Equal(t, types.VolumeSuspect, changed["v1"])

	changed = m.Sweep(time.Now().Add(60 * time.Millisecond))
	require.Equal(t, types.VolumeDead, changed["v1"])
}
