package metadata

import (
	"encoding/json"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/types"
)

var (
	bucketKeys    = []byte("keys")
	bucketVolumes = []byte("volumes")
	bucketConfig  = []byte("config")
)

// Store is the bbolt-backed persistent directory, applied to by the
// consensus FSM on every committed Raft log entry.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the metadata database at <dataDir>/metadata.db and
// ensures all three column families exist.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "metadata.Open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKeys, bucketVolumes, bucketConfig} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, kverrors.Wrap(kverrors.KindInternal, "metadata.Open", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutKey upserts a key's directory entry.
func (s *Store) PutKey(meta types.KeyMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKeys).Put([]byte(meta.Key), data)
	})
}

// GetKey returns a key's directory entry, or KindNotFound if absent.
func (s *Store) GetKey(key string) (types.KeyMetadata, error) {
	var meta types.KeyMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeys).Get([]byte(key))
		if data == nil {
			return kverrors.New(kverrors.KindNotFound, "metadata.GetKey").WithKey(key)
		}
		return json.Unmarshal(data, &meta)
	})
	return meta, err
}

// DeleteKey removes a key's directory entry. Not an error if already absent.
func (s *Store) DeleteKey(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte(key))
	})
}

// ListKeys returns every tracked key's metadata.
func (s *Store) ListKeys() ([]types.KeyMetadata, error) {
	var out []types.KeyMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, data []byte) error {
			var meta types.KeyMetadata
			if err := json.Unmarshal(data, &meta); err != nil {
				return err
			}
			out = append(out, meta)
			return nil
		})
	})
	return out, err
}

// PutVolume upserts a volume's registry entry.
func (s *Store) PutVolume(meta types.VolumeMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketVolumes).Put([]byte(meta.VolumeID), data)
	})
}

// GetVolume returns a volume's registry entry, or KindNotFound if absent.
func (s *Store) GetVolume(volumeID string) (types.VolumeMetadata, error) {
	var meta types.VolumeMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get([]byte(volumeID))
		if data == nil {
			return kverrors.New(kverrors.KindNotFound, "metadata.GetVolume")
		}
		return json.Unmarshal(data, &meta)
	})
	return meta, err
}

// DeleteVolume removes a volume's registry entry.
func (s *Store) DeleteVolume(volumeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete([]byte(volumeID))
	})
}

// ListVolumes returns every registered volume's metadata.
func (s *Store) ListVolumes() ([]types.VolumeMetadata, error) {
	var out []types.VolumeMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(_, data []byte) error {
			var meta types.VolumeMetadata
			if err := json.Unmarshal(data, &meta); err != nil {
				return err
			}
			out = append(out, meta)
			return nil
		})
	})
	return out, err
}

// PutConfig sets an arbitrary cluster-wide config value (cluster id, shard
// map version, and the like).
func (s *Store) PutConfig(name string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).Put([]byte(name), value)
	})
}

// GetConfig returns a config value, or KindNotFound if absent.
func (s *Store) GetConfig(name string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfig).Get([]byte(name))
		if data == nil {
			return kverrors.New(kverrors.KindNotFound, "metadata.GetConfig")
		}
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}

// ListConfig returns every config entry, for the consensus FSM's snapshot.
func (s *Store) ListConfig() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

// Clear empties the keys, volumes, and config buckets, for the consensus
// FSM's Restore to start from a blank directory before replaying a
// snapshot's contents.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKeys, bucketVolumes, bucketConfig} {
			if err := tx.DeleteBucket(b); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}
