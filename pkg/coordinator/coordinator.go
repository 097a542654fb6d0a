package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lukechampine.com/blake3"

	"github.com/whispem/minikv/pkg/consensus"
	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/log"
	"github.com/whispem/minikv/pkg/metadata"
	"github.com/whispem/minikv/pkg/metrics"
	"github.com/whispem/minikv/pkg/placement"
	"github.com/whispem/minikv/pkg/types"
)

// Config parameterizes one coordinator's orchestration behavior.
type Config struct {
	ReplicationFactor int
	NumShards         uint64
	HeartbeatInterval time.Duration
	PrepareTimeout    time.Duration
	CommitTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = types.DefaultReplicationFactor
	}
	if c.NumShards == 0 {
		c.NumShards = types.DefaultNumShards
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = 5 * time.Second
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 5 * time.Second
	}
	return c
}

// Coordinator drives the 2PC PUT protocol, the DELETE and GET protocols,
// and volume membership: every mutating call starts with an ensureLeader
// check before touching Raft.
type Coordinator struct {
	cfg        Config
	raft       *consensus.Node
	store      *metadata.Store
	membership *Membership

	mu      sync.Mutex
	clients map[string]volumeRPC

	uploadCounter uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, raft *consensus.Node, store *metadata.Store) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:        cfg,
		raft:       raft,
		store:      store,
		membership: NewMembership(cfg.HeartbeatInterval),
		clients:    make(map[string]volumeRPC),
		stopCh:     make(chan struct{}),
	}
	go c.runMembershipSweep()
	return c
}

// Connect registers (or replaces) the RPC client used to reach a volume.
// Tests may instead populate c.clients directly with a fake.
func (c *Coordinator) Connect(volumeID, grpcAddress string) error {
	client, err := dialVolume(grpcAddress)
	if err != nil {
		return kverrors.Wrap(kverrors.KindConnectionFailed, "coordinator.Connect", err)
	}
	c.mu.Lock()
	c.clients[volumeID] = client
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) ensureLeader() error {
	if !c.raft.IsLeader() {
		leader := c.raft.LeaderAddr()
		if leader == "" {
			return kverrors.New(kverrors.KindNotLeader, "coordinator: no leader elected yet")
		}
		return kverrors.New(kverrors.KindNotLeader, fmt.Sprintf("coordinator: not the leader, current leader is at %s", leader))
	}
	return nil
}

func (c *Coordinator) nextUploadID() string {
	n := atomic.AddUint64(&c.uploadCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), n)
}

func (c *Coordinator) client(volumeID string) (volumeRPC, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.clients[volumeID]
	return v, ok
}

// Client exposes a connected volume's RPC client to collaborators outside
// this package — specifically pkg/ops, whose verify/repair/compact walks
// drive individual volumes directly rather than through the PUT/DELETE/GET
// protocols above.
func (c *Coordinator) Client(volumeID string) (VolumeClient, bool) {
	return c.client(volumeID)
}

// Store exposes the coordinator's metadata directory for read-only cluster
// walks (pkg/ops).
func (c *Coordinator) Store() *metadata.Store {
	return c.store
}

// HealthyVolumes returns the IDs of every volume this coordinator
// currently considers Alive, for placement decisions made outside the PUT
// path (repair's replacement-replica selection).
func (c *Coordinator) HealthyVolumes() []string {
	return c.membership.HealthyVolumes()
}

// ReplicationFactor returns the configured replica count.
func (c *Coordinator) ReplicationFactor() int {
	return c.cfg.ReplicationFactor
}

// ApplyKeyMetadata Raft-commits an updated KeyMetadata entry, used by
// repair to record a newly healed replica set. Only the leader may call
// this.
func (c *Coordinator) ApplyKeyMetadata(meta types.KeyMetadata) error {
	if err := c.ensureLeader(); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UnixMilli()
	return c.raft.Apply(consensus.Command{Op: consensus.OpPutKey, Key: meta}, c.cfg.CommitTimeout)
}

// RegisterVolume Raft-commits a volume's registry entry, as driven by the
// Heartbeat RPC when a volume first registers with the cluster.
func (c *Coordinator) RegisterVolume(meta types.VolumeMetadata) error {
	if err := c.ensureLeader(); err != nil {
		return err
	}
	return c.raft.Apply(consensus.Command{Op: consensus.OpPutVolume, Volume: meta}, c.cfg.CommitTimeout)
}

// Put runs the PUT protocol: validate, select replicas, prepare-all,
// Raft-commit, commit-all.
func (c *Coordinator) Put(ctx context.Context, key string, value []byte) error {
	if err := c.ensureLeader(); err != nil {
		return err
	}
	if err := types.ValidateKey(key); err != nil {
		return err
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PutDuration)

	size := uint64(len(value))
	sum := blake3.Sum256(value)
	digest := hex.EncodeToString(sum[:])
	uploadID := c.nextUploadID()

	targets, err := placement.SelectVolumes(key, c.membership.HealthyVolumes(), c.cfg.ReplicationFactor)
	if err != nil {
		return err
	}

	// Prepare phase: issue to every target in parallel.
	prepareCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	type prepareResult struct {
		volumeID string
		err      error
	}
	results := make(chan prepareResult, len(targets))
	for _, volumeID := range targets {
		go func(volumeID string) {
			client, ok := c.client(volumeID)
			if !ok {
				results <- prepareResult{volumeID, kverrors.New(kverrors.KindConnectionFailed, "coordinator.Put: no client for volume").WithKey(key)}
				return
			}
			err := client.Prepare(prepareCtx, uploadID, key, size, digest, value)
			results <- prepareResult{volumeID, err}
		}(volumeID)
	}

	var failed *prepareResult
	for range targets {
		r := <-results
		if r.err != nil && failed == nil {
			failed = &r
		}
	}
	if failed != nil {
		c.abortAll(ctx, targets, uploadID)
		metrics.PrepareFailuresTotal.Inc()
		return kverrors.New(kverrors.KindPrepareFailed, fmt.Sprintf("coordinator.Put: volume %s", failed.volumeID)).WithKey(key)
	}

	// Commit phase: the Raft entry is the linearization point.
	commitCtx, commitCancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
	defer commitCancel()
	now := time.Now()
	cmd := consensus.Command{
		Op: consensus.OpPutKey,
		Key: types.KeyMetadata{
			Key:       key,
			Replicas:  targets,
			Size:      size,
			Blake3:    digest,
			CreatedAt: now.UnixMilli(),
			UpdatedAt: now.UnixMilli(),
			State:     types.KeyActive,
		},
	}
	if err := c.raft.Apply(cmd, c.cfg.CommitTimeout); err != nil {
		c.abortAll(ctx, targets, uploadID)
		return err
	}

	// Materialize on every target. A target commit failure is logged and
	// counted in metrics only: the target is not marked Suspect and stays
	// listed in the key's metadata until verify/repair reconcile it. The
	// overall PUT fails only if fewer than a majority confirm.
	var wg sync.WaitGroup
	var acked int32
	for _, volumeID := range targets {
		wg.Add(1)
		go func(volumeID string) {
			defer wg.Done()
			client, ok := c.client(volumeID)
			if !ok {
				return
			}
			if err := client.Commit(commitCtx, uploadID, key); err != nil {
				log.WithComponent("coordinator").Warn().Str("volume_id", volumeID).Str("key", key).Err(err).Msg("commit failed on replica")
				metrics.CommitFailuresTotal.Inc()
				return
			}
			atomic.AddInt32(&acked, 1)
		}(volumeID)
	}
	wg.Wait()

	if int(acked) < (len(targets)/2)+1 {
		return kverrors.New(kverrors.KindCommitFailed, "coordinator.Put: no majority of replicas confirmed commit").WithKey(key)
	}
	return nil
}

func (c *Coordinator) abortAll(ctx context.Context, targets []string, uploadID string) {
	for _, volumeID := range targets {
		client, ok := c.client(volumeID)
		if !ok {
			continue
		}
		go func(client volumeRPC) {
			_ = client.Abort(ctx, uploadID)
		}(client)
	}
}

// Delete runs the DELETE protocol: Raft-commit the tombstone first, then
// best-effort delete on every recorded replica.
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	if err := c.ensureLeader(); err != nil {
		return err
	}

	meta, err := c.store.GetKey(key)
	if err != nil {
		return err
	}

	if err := c.raft.Apply(consensus.Command{Op: consensus.OpDeleteKey, KeyName: key}, c.cfg.CommitTimeout); err != nil {
		return err
	}

	for _, volumeID := range meta.Replicas {
		client, ok := c.client(volumeID)
		if !ok {
			continue
		}
		go func(client volumeRPC) {
			_ = client.Delete(ctx, key)
		}(client)
	}
	return nil
}

// Get runs the GET protocol: look up the key's replicas and proxy the
// read from the first reachable one, preferring the HRW order.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, error) {
	meta, err := c.store.GetKey(key)
	if err != nil {
		return nil, err
	}
	if meta.State == types.KeyTombstone {
		return nil, kverrors.New(kverrors.KindNotFound, "coordinator.Get").WithKey(key)
	}

	ranked, err := placement.SelectVolumes(key, meta.Replicas, min(len(meta.Replicas), c.cfg.ReplicationFactor))
	if err != nil {
		ranked = meta.Replicas
	}

	var lastErr error
	for _, volumeID := range ranked {
		client, ok := c.client(volumeID)
		if !ok {
			continue
		}
		data, err := client.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = kverrors.New(kverrors.KindConnectionFailed, "coordinator.Get: no reachable replica").WithKey(key)
	}
	return nil, lastErr
}

// Heartbeat records a volume's liveness. It does not itself commit
// VolumeMetadata through Raft; runMembershipSweep does that when a state
// transition is detected, avoiding a Raft round trip on every heartbeat.
// The reported stats are not recorded: the sweep rewrites only State, so
// the stored counters stay those of the volume's first registration.
func (c *Coordinator) Heartbeat(volumeID string, stats HeartbeatStats) {
	c.membership.Heartbeat(volumeID, time.Now())
	_ = stats
}

// HeartbeatStats carries the counters a volume reports with each
// heartbeat.
type HeartbeatStats struct {
	Address     string
	GRPCAddress string
	Shards      []uint64
	TotalKeys   uint64
	TotalBytes  uint64
	FreeBytes   uint64
}

func (c *Coordinator) runMembershipSweep() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	logger := log.WithComponent("coordinator")
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			changed := c.membership.Sweep(now)
			if len(changed) == 0 || !c.raft.IsLeader() {
				continue
			}
			for volumeID, state := range changed {
				meta, err := c.store.GetVolume(volumeID)
				if err != nil {
					continue
				}
				meta.State = state
				if err := c.raft.Apply(consensus.Command{Op: consensus.OpPutVolume, Volume: meta}, c.cfg.CommitTimeout); err != nil {
					logger.Warn().Str("volume_id", volumeID).Err(err).Msg("failed to commit membership transition")
				}
			}
		}
	}
}

// Close stops the membership sweep loop.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// IsLeader satisfies metrics.Source.
func (c *Coordinator) IsLeader() bool {
	return c.raft.IsLeader()
}

// RaftAppliedIndex satisfies metrics.Source.
func (c *Coordinator) RaftAppliedIndex() uint64 {
	return c.raft.AppliedIndex()
}

// VolumeCountsByState satisfies metrics.Source, tallying the directory's
// volumes by their last-committed VolumeMetadata.State.
func (c *Coordinator) VolumeCountsByState() map[string]int {
	counts := make(map[string]int)
	volumes, err := c.store.ListVolumes()
	if err != nil {
		return counts
	}
	for _, v := range volumes {
		counts[string(v.State)]++
	}
	return counts
}
