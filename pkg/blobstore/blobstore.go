package blobstore

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/whispem/minikv/pkg/index"
	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/metrics"
	"github.com/whispem/minikv/pkg/types"
	"github.com/whispem/minikv/pkg/wal"
	"lukechampine.com/blake3"
)

// Config parameterizes one Store. Zero-value fields fall back to the
// volume's default configuration.
type Config struct {
	DataDir     string
	WALDir      string
	MaxBlobSize uint64
	SegmentSize uint64
	SyncPolicy  wal.SyncPolicy
	EnableBloom bool
}

func (c Config) withDefaults() Config {
	if c.MaxBlobSize == 0 {
		c.MaxBlobSize = types.DefaultMaxBlobSize
	}
	if c.SegmentSize == 0 {
		c.SegmentSize = types.DefaultSegmentSize
	}
	return c
}

// Store is the log-structured blob container owned by one volume.
// {index, bloom, wal, current-segment cursor} form a single consistency
// domain guarded by mu; reads take the index's own RWMutex and otherwise
// proceed lock-free against immutable segment bytes.
type Store struct {
	cfg Config

	mu             sync.Mutex
	wal            *wal.WAL
	index          *index.Index
	bloom          *bloom
	currentSegment uint64
	currentOffset  uint64
}

var segFilePattern = regexp.MustCompile(`^seg_(\d+)\.blob$`)

// Open loads (or rebuilds) a volume's blob store from data_dir/wal_dir.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	segmentsDir := segmentsDirName(cfg.DataDir)
	if err := os.MkdirAll(segmentsDir, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "blobstore.Open", err)
	}
	if err := os.MkdirAll(cfg.WALDir, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "blobstore.Open", err)
	}

	recoverCompactionArtifacts(cfg.DataDir)

	snapshotPath := filepath.Join(cfg.DataDir, "index.snap")
	idx, err := index.LoadFromFile(snapshotPath)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		idx = index.New()
		if err := rebuildIndexFromSegments(idx, segmentsDir); err != nil {
			return nil, err
		}
	}

	var bf *bloom
	if cfg.EnableBloom {
		bloomPath := filepath.Join(cfg.DataDir, "bloom.filter")
		bf = loadBloomFromFile(bloomPath)
		if bf == nil {
			bf, err = newBloom()
			if err != nil {
				return nil, err
			}
			idx.Iter(func(key string, _ types.BlobLocation) {
				bf.Add(key)
			})
		}
	}

	walPath := filepath.Join(cfg.WALDir, "wal.log")
	w, err := wal.Open(walPath, cfg.SyncPolicy)
	if err != nil {
		return nil, err
	}

	// Deletes replayed from the WAL are applied; PUT records are not,
	// since any successfully-written segment bytes were already picked
	// up by the snapshot/segment scan above.
	nextSeq, err := wal.Replay(walPath, func(rec wal.Record) error {
		if rec.Op == wal.OpDelete {
			idx.Remove(rec.Key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.SetNextSequence(nextSeq)

	segment, offset, err := findCurrentPosition(segmentsDir)
	if err != nil {
		return nil, err
	}

	return &Store{
		cfg:            cfg,
		wal:            w,
		index:          idx,
		bloom:          bf,
		currentSegment: segment,
		currentOffset:  offset,
	}, nil
}

// Put writes key→value, rotating segments as needed and recording a TTL
// when ttl > 0, in order: WAL append, segment write, bloom update, index
// update.
func (s *Store) Put(key string, value []byte, ttl time.Duration) error {
	if err := types.ValidateKey(key); err != nil {
		return err
	}
	if uint64(len(value)) > s.cfg.MaxBlobSize {
		return kverrors.New(kverrors.KindInvalidConfig, "blobstore.Put").WithKey(key)
	}

	timer := metrics.NewTimer()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.wal.AppendPut(key, value); err != nil {
		return err
	}
	timer.ObserveDuration(metrics.WALAppendDuration)

	loc, err := s.writeCurrent(key, value)
	if err != nil {
		return err
	}
	if ttl > 0 {
		loc.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}

	if s.bloom != nil {
		s.bloom.Add(key)
	}
	s.index.Insert(key, loc)
	return nil
}

// writeCurrent rotates the segment if needed and appends one record,
// advancing s.currentSegment/currentOffset. Caller holds s.mu.
func (s *Store) writeCurrent(key string, value []byte) (types.BlobLocation, error) {
	if s.currentOffset >= s.cfg.SegmentSize {
		s.currentSegment++
		s.currentOffset = 0
	}
	loc, newOffset, err := writeRecordToSegment(
		segmentsDirName(s.cfg.DataDir), s.currentSegment, s.currentOffset,
		key, value, s.cfg.SyncPolicy == wal.SyncAlways,
	)
	if err != nil {
		return types.BlobLocation{}, err
	}
	s.currentOffset = newOffset
	return loc, nil
}

// Get returns the value for key, consulting the bloom filter first, then
// the index, then reading and verifying the segment record.
func (s *Store) Get(key string) ([]byte, error) {
	if s.bloom != nil && !s.bloom.MayContain(key) {
		metrics.BloomHitsTotal.WithLabelValues("definitely_absent").Inc()
		return nil, kverrors.New(kverrors.KindNotFound, "blobstore.Get").WithKey(key)
	}
	if s.bloom != nil {
		metrics.BloomHitsTotal.WithLabelValues("maybe_present").Inc()
	}

	loc, ok := s.index.GetIfValid(key, time.Now())
	if !ok {
		return nil, kverrors.New(kverrors.KindNotFound, "blobstore.Get").WithKey(key)
	}
	return s.readAt(loc, key)
}

func (s *Store) readAt(loc types.BlobLocation, key string) ([]byte, error) {
	path := segmentFileName(segmentsDirName(s.cfg.DataDir), loc.SegmentID)
	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindCorrupted, "blobstore.readAt", err).WithKey(key)
	}
	defer f.Close()

	rec, err := readRecordAt(f, int64(loc.Offset))
	if err != nil {
		return nil, err
	}
	value, err := rec.decodedValue()
	if err != nil {
		return nil, err
	}

	digest := blake3.Sum256(value)
	if hex.EncodeToString(digest[:]) != loc.Blake3 {
		return nil, kverrors.New(kverrors.KindChecksumMismatch, "blobstore.readAt").WithKey(key)
	}
	return value, nil
}

// Delete removes key. Segment space is reclaimed at the next compaction.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.wal.AppendDelete(key); err != nil {
		return err
	}
	s.index.Remove(key)
	return nil
}

// CleanupExpired drops every index entry whose TTL has passed, returning
// the count removed. Callers (the volume node) invoke this periodically;
// it does not itself write a WAL delete, mirroring compaction's treatment
// of dead entries as reclaimed lazily rather than tombstoned.
func (s *Store) CleanupExpired() int {
	return s.index.CleanupExpired(time.Now())
}

// SaveSnapshot serializes the index and bloom filter to disk.
func (s *Store) SaveSnapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSnapshotLocked()
}

func (s *Store) saveSnapshotLocked() error {
	if err := s.index.SaveToFile(filepath.Join(s.cfg.DataDir, "index.snap")); err != nil {
		return err
	}
	if s.bloom != nil {
		if err := s.bloom.saveToFile(filepath.Join(s.cfg.DataDir, "bloom.filter")); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the store's contents.
func (s *Store) Stats() types.Stats {
	now := time.Now()
	var totalBytes, withTTL uint64
	s.index.Iter(func(_ string, loc types.BlobLocation) {
		totalBytes += loc.Size
		if loc.HasExpiry() {
			withTTL++
		}
	})

	s.mu.Lock()
	segments := int(s.currentSegment) + 1
	s.mu.Unlock()

	metrics.VolumeKeysTotal.Set(float64(s.index.Len()))
	metrics.VolumeBytesTotal.Set(float64(totalBytes))
	metrics.SegmentsTotal.Set(float64(segments))

	_ = now
	return types.Stats{
		TotalKeys:   uint64(s.index.Len()),
		TotalBytes:  totalBytes,
		FreeBytes:   freeBytes(s.cfg.DataDir),
		Segments:    segments,
		KeysWithTTL: withTTL,
	}
}

// Close flushes and closes the underlying WAL handle.
func (s *Store) Close() error {
	return s.wal.Close()
}

func rebuildIndexFromSegments(idx *index.Index, segmentsDir string) error {
	entries, err := os.ReadDir(segmentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kverrors.Wrap(kverrors.KindInternal, "blobstore.rebuildIndexFromSegments", err)
	}
	for _, e := range entries {
		m := segFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		segment, _ := strconv.ParseUint(m[1], 10, 64)
		if err := scanSegment(idx, segmentsDir, segment); err != nil {
			return err
		}
	}
	return nil
}

// scanSegment linearly replays one segment file, inserting (or overwriting,
// for later records of the same key) index entries. It stops silently at
// the first short read or bad magic, treating the remainder as an
// unwritten tail — the same tolerance pkg/wal applies.
func scanSegment(idx *index.Index, segmentsDir string, segment uint64) error {
	path := segmentFileName(segmentsDir, segment)
	f, err := os.Open(path)
	if err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "blobstore.scanSegment", err)
	}
	defer f.Close()

	var offset int64
	for {
		rec, err := readRecordAt(f, offset)
		if err != nil {
			break
		}
		value, err := rec.decodedValue()
		if err != nil {
			break
		}
		digest := blake3.Sum256(value)
		idx.Insert(rec.key, types.BlobLocation{
			SegmentID: segment,
			Offset:    uint64(offset),
			Size:      uint64(len(value)),
			Blake3:    hex.EncodeToString(digest[:]),
		})
		storedLen := uint64(len(rec.value))
		offset += int64(recordLen(len(rec.key), storedLen))
	}
	return nil
}

func findCurrentPosition(segmentsDir string) (uint64, uint64, error) {
	entries, err := os.ReadDir(segmentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, kverrors.Wrap(kverrors.KindInternal, "blobstore.findCurrentPosition", err)
	}

	var maxSegment uint64
	var found bool
	for _, e := range entries {
		m := segFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		segment, _ := strconv.ParseUint(m[1], 10, 64)
		if !found || segment > maxSegment {
			maxSegment = segment
			found = true
		}
	}
	if !found {
		return 0, 0, nil
	}

	info, err := os.Stat(segmentFileName(segmentsDir, maxSegment))
	if err != nil {
		return 0, 0, kverrors.Wrap(kverrors.KindInternal, "blobstore.findCurrentPosition", err)
	}
	return maxSegment, uint64(info.Size()), nil
}
