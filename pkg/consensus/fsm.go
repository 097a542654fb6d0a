package consensus

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/metadata"
	"github.com/whispem/minikv/pkg/types"
)

// CommandOp names the mutation one Raft log entry carries.
type CommandOp string

const (
	OpPutKey    CommandOp = "PutKey"
	OpDeleteKey CommandOp = "DeleteKey"
	OpPutVolume CommandOp = "PutVolume"
	OpPutConfig CommandOp = "PutConfig"
)

// Command is the JSON-encoded payload of one Raft log entry.
type Command struct {
	Op      CommandOp           `json:"op"`
	Key     types.KeyMetadata   `json:"key,omitempty"`
	KeyName string              `json:"key_name,omitempty"`
	Volume  types.VolumeMetadata `json:"volume,omitempty"`
	Config  struct {
		Name  string `json:"name"`
		Value []byte `json:"value"`
	} `json:"config,omitempty"`
}

// FSM applies committed Raft log entries to the metadata store, handling
// this domain's four mutation kinds through a common Apply/Snapshot/Restore
// shape.
type FSM struct {
	mu    sync.RWMutex
	store *metadata.Store
}

// NewFSM wraps a metadata store for use as a raft.FSM.
func NewFSM(store *metadata.Store) *FSM {
	return &FSM{store: store}
}

// Apply dispatches one committed log entry to the metadata store.
func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "consensus.FSM.Apply", err)
	}

	switch cmd.Op {
	case OpPutKey:
		return f.store.PutKey(cmd.Key)
	case OpDeleteKey:
		return f.store.DeleteKey(cmd.KeyName)
	case OpPutVolume:
		return f.store.PutVolume(cmd.Volume)
	case OpPutConfig:
		return f.store.PutConfig(cmd.Config.Name, cmd.Config.Value)
	default:
		return kverrors.New(kverrors.KindInternal, "consensus.FSM.Apply: unknown op "+string(cmd.Op))
	}
}

// fsmSnapshot is the full state captured at a point in time, persisted by
// Raft's snapshot store and replayed via Restore on a joining or recovering
// peer. It covers all three metadata column families, so every mutation
// Apply understands (PutKey, PutVolume, PutConfig) round-trips through a
// snapshot instead of a subset of them being silently dropped.
type fsmSnapshot struct {
	Keys    []types.KeyMetadata    `json:"keys"`
	Volumes []types.VolumeMetadata `json:"volumes"`
	Config  map[string][]byte      `json:"config"`
}

// Snapshot captures the entire metadata store.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys, err := f.store.ListKeys()
	if err != nil {
		return nil, err
	}
	volumes, err := f.store.ListVolumes()
	if err != nil {
		return nil, err
	}
	config, err := f.store.ListConfig()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{Keys: keys, Volumes: volumes, Config: config}, nil
}

// Persist writes the snapshot to sink as JSON.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is a no-op: the snapshot holds no resources beyond its in-memory
// slices.
func (s *fsmSnapshot) Release() {}

// Restore replaces the metadata store's contents with a persisted snapshot:
// the keys/volumes/config buckets are cleared first, so a key or volume
// deleted in the snapshot's timeline does not resurrect by surviving
// untouched in the durable bbolt store underneath.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "consensus.FSM.Restore", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Clear(); err != nil {
		return err
	}
	for _, k := range snap.Keys {
		if err := f.store.PutKey(k); err != nil {
			return err
		}
	}
	for _, v := range snap.Volumes {
		if err := f.store.PutVolume(v); err != nil {
			return err
		}
	}
	for name, value := range snap.Config {
		if err := f.store.PutConfig(name, value); err != nil {
			return err
		}
	}
	return nil
}
