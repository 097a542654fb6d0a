package volume

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whispem/minikv/pkg/blobstore"
	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/log"
	"github.com/whispem/minikv/pkg/types"
	"github.com/whispem/minikv/pkg/wal"
	"lukechampine.com/blake3"
)

// Config parameterizes a volume node.
type Config struct {
	BindAddr            string
	GRPCAddr            string
	DataPath            string
	WALPath             string
	Coordinators        []string
	MaxBlobSize         uint64
	CompactionInterval  time.Duration
	CompactionThreshold int
	HeartbeatInterval   time.Duration
	EnableBloom         bool
	EnableSnapshots     bool
	WALSync             wal.SyncPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxBlobSize == 0 {
		c.MaxBlobSize = types.DefaultMaxBlobSize
	}
	if c.CompactionInterval == 0 {
		c.CompactionInterval = 5 * time.Minute
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// Node owns one blob store and exposes it over the Volume RPC surface: a
// manager-of-one-backing-store holding local state and answering RPCs
// from the coordinator.
type Node struct {
	ID  string
	cfg Config

	store    *blobstore.Store
	prepared *preparedTable

	startedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewNode opens the backing blob store and starts the background reaper
// and compaction tasks.
func NewNode(cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	store, err := blobstore.Open(blobstore.Config{
		DataDir:     cfg.DataPath,
		WALDir:      cfg.WALPath,
		MaxBlobSize: cfg.MaxBlobSize,
		SyncPolicy:  cfg.WALSync,
		EnableBloom: cfg.EnableBloom,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:        uuid.NewString(),
		cfg:       cfg,
		store:     store,
		prepared:  newPreparedTable(),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
	go n.runBackgroundTasks()
	return n, nil
}

func (n *Node) runBackgroundTasks() {
	reapTicker := time.NewTicker(preparedUploadTTL / 2)
	compactTicker := time.NewTicker(n.cfg.CompactionInterval)
	defer reapTicker.Stop()
	defer compactTicker.Stop()

	logger := log.WithVolumeID(n.ID)
	for {
		select {
		case <-n.stopCh:
			return
		case now := <-reapTicker.C:
			if reaped := n.prepared.reapExpired(now); reaped > 0 {
				logger.Debug().Int("count", reaped).Msg("reaped expired prepared uploads")
			}
			n.store.CleanupExpired()
		case <-compactTicker.C:
			if err := n.store.Compact(); err != nil {
				logger.Error().Err(err).Msg("background compaction failed")
			}
		}
	}
}

// Close stops background tasks and closes the blob store.
func (n *Node) Close() error {
	n.stopOnce.Do(func() { close(n.stopCh) })
	return n.store.Close()
}

// Prepare reserves a pending upload buffer, verifying size and BLAKE3
// against the caller's expectations. It does not touch the blob store.
func (n *Node) Prepare(ctx context.Context, uploadID, key string, expectedSize uint64, expectedBlake3 string, data []byte) error {
	if err := types.ValidateKey(key); err != nil {
		return err
	}
	if uint64(len(data)) != expectedSize {
		return kverrors.New(kverrors.KindPrepareFailed, "volume.Prepare").WithKey(key)
	}
	digest := blake3.Sum256(data)
	if hex.EncodeToString(digest[:]) != expectedBlake3 {
		return kverrors.New(kverrors.KindPrepareFailed, "volume.Prepare").WithKey(key)
	}

	n.prepared.put(uploadID, &preparedUpload{
		key:            key,
		expectedSize:   expectedSize,
		expectedBlake3: expectedBlake3,
		data:           data,
		createdAt:      time.Now(),
	})
	return nil
}

// Commit materializes a previously prepared upload into the blob store.
func (n *Node) Commit(ctx context.Context, uploadID, key string) error {
	u, ok := n.prepared.take(uploadID)
	if !ok {
		return errUnknownUpload
	}
	if u.key != key {
		return kverrors.New(kverrors.KindCommitFailed, "volume.Commit").WithKey(key)
	}
	return n.store.Put(u.key, u.data, 0)
}

// Abort discards prepared state if present. Idempotent: aborting an
// unknown or already-resolved uploadID is not an error.
func (n *Node) Abort(ctx context.Context, uploadID string) error {
	n.prepared.remove(uploadID)
	return nil
}

// Delete removes key from the blob store.
func (n *Node) Delete(ctx context.Context, key string) error {
	return n.store.Delete(key)
}

// Pull fetches the blob for key from a peer volume's URL with an HTTP GET
// and installs it directly, with no prepare/commit step. Only MaxBlobSize
// is enforced; no expected size or BLAKE3 digest is passed in, so the
// fetched bytes are not verified.
func (n *Node) Pull(ctx context.Context, key, sourceURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return kverrors.Wrap(kverrors.KindConnectionFailed, "volume.Pull", err).WithKey(key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return kverrors.Wrap(kverrors.KindConnectionFailed, "volume.Pull", err).WithKey(key)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return kverrors.New(kverrors.KindConnectionFailed, "volume.Pull").WithKey(key)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(n.cfg.MaxBlobSize)+1))
	if err != nil {
		return kverrors.Wrap(kverrors.KindConnectionFailed, "volume.Pull", err).WithKey(key)
	}
	if uint64(len(data)) > n.cfg.MaxBlobSize {
		return kverrors.New(kverrors.KindInvalidConfig, "volume.Pull").WithKey(key)
	}
	return n.store.Put(key, data, 0)
}

// Get returns the stored bytes for key; it backs the Get RPC used by the
// coordinator's read path and the ops walks.
func (n *Node) Get(ctx context.Context, key string) ([]byte, error) {
	return n.store.Get(key)
}

// PingResult is the reply to a Ping RPC.
type PingResult struct {
	VolumeID   string `json:"volume_id"`
	UptimeSecs int64  `json:"uptime_secs"`
	TotalKeys  uint64 `json:"total_keys"`
	TotalBytes uint64 `json:"total_bytes"`
}

// Ping reports liveness and coarse size counters.
func (n *Node) Ping(ctx context.Context) PingResult {
	stats := n.store.Stats()
	return PingResult{
		VolumeID:   n.ID,
		UptimeSecs: int64(time.Since(n.startedAt).Seconds()),
		TotalKeys:  stats.TotalKeys,
		TotalBytes: stats.TotalBytes,
	}
}

// Stats returns the blob store's detailed counters.
func (n *Node) Stats(ctx context.Context) types.Stats {
	return n.store.Stats()
}

// Compact runs a foreground compaction on demand, for the coordinator's
// cluster-wide compact walk rather than waiting for the background
// compaction ticker.
func (n *Node) Compact(ctx context.Context) error {
	return n.store.Compact()
}
