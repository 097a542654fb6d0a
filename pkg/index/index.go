// Package index maintains the in-memory key→location map for one volume's
// blob store, plus its persistent snapshot format.
//
// Snapshot framing (little-endian):
//
//	MAGIC(8="KVINDEX3") | count(u64)
//	For each entry:
//	    key_len(u32) | key_bytes | shard(u64) | offset(u64) | size(u64)
//	  | hash_len(u32) | hash_bytes | expires_at(u64; 0 = none)
//
// A prior version tag ("KVINDEX2") with no TTL field is also readable.
package index

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/types"
)

const (
	magicV3 = "KVINDEX3"
	magicV2 = "KVINDEX2"
)

// Index is a concurrency-safe key→location map.
type Index struct {
	mu    sync.RWMutex
	items map[string]types.BlobLocation
}

// New returns an empty Index.
func New() *Index {
	return &Index{items: make(map[string]types.BlobLocation)}
}

// Get returns the location for k, regardless of expiry.
func (ix *Index) Get(k string) (types.BlobLocation, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	loc, ok := ix.items[k]
	return loc, ok
}

// GetIfValid returns the location for k, filtering out entries whose TTL
// has already passed.
func (ix *Index) GetIfValid(k string, now time.Time) (types.BlobLocation, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	loc, ok := ix.items[k]
	if !ok || loc.Expired(now) {
		return types.BlobLocation{}, false
	}
	return loc, true
}

// Insert sets the location for k, superseding any prior entry (spec
// invariant I4: at most one location per key, the newest write).
func (ix *Index) Insert(k string, loc types.BlobLocation) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.items[k] = loc
}

// Remove deletes k from the index. A no-op if absent.
func (ix *Index) Remove(k string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.items, k)
}

// Len returns the number of entries, including expired ones not yet
// reaped.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

// Keys returns a snapshot slice of all keys currently present.
func (ix *Index) Keys() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	keys := make([]string, 0, len(ix.items))
	for k := range ix.items {
		keys = append(keys, k)
	}
	return keys
}

// Iter calls fn for every (key, location) pair. fn must not mutate the
// Index.
func (ix *Index) Iter(fn func(key string, loc types.BlobLocation)) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for k, loc := range ix.items {
		fn(k, loc)
	}
}

// CleanupExpired removes every entry whose TTL has passed as of now,
// returning the count removed.
func (ix *Index) CleanupExpired(now time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for k, loc := range ix.items {
		if loc.Expired(now) {
			delete(ix.items, k)
			n++
		}
	}
	return n
}

// Snapshot writes the index to w in KVINDEX3 format.
func (ix *Index) Snapshot(w io.Writer) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magicV3); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "index.Snapshot", err)
	}
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(ix.items)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "index.Snapshot", err)
	}

	for k, loc := range ix.items {
		if err := writeEntry(bw, k, loc); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeEntry(w *bufio.Writer, key string, loc types.BlobLocation) error {
	keyBytes := []byte(key)
	hashBytes := []byte(loc.Blake3)

	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], uint32(len(keyBytes)))
	if _, err := w.Write(u32[:]); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "index.writeEntry", err)
	}
	if _, err := w.Write(keyBytes); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "index.writeEntry", err)
	}

	binary.LittleEndian.PutUint64(u64[:], loc.SegmentID)
	w.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], loc.Offset)
	w.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], loc.Size)
	w.Write(u64[:])

	binary.LittleEndian.PutUint32(u32[:], uint32(len(hashBytes)))
	w.Write(u32[:])
	w.Write(hashBytes)

	expires := uint64(0)
	if loc.ExpiresAt > 0 {
		expires = uint64(loc.ExpiresAt)
	}
	binary.LittleEndian.PutUint64(u64[:], expires)
	_, err := w.Write(u64[:])
	if err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "index.writeEntry", err)
	}
	return nil
}

// Load reads a snapshot (KVINDEX3 or the legacy KVINDEX2, which carries no
// TTL field) from r into a fresh Index.
func Load(r io.Reader) (*Index, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, 8)
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, kverrors.Wrap(kverrors.KindCorrupted, "index.Load", err)
	}
	version := string(magic)
	if version != magicV3 && version != magicV2 {
		return nil, kverrors.New(kverrors.KindCorrupted, "index.Load: unknown magic "+version)
	}
	hasTTL := version == magicV3

	var countBuf [8]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return nil, kverrors.Wrap(kverrors.KindCorrupted, "index.Load", err)
	}
	count := binary.LittleEndian.Uint64(countBuf[:])

	ix := New()
	for i := uint64(0); i < count; i++ {
		key, loc, err := readEntry(br, hasTTL)
		if err != nil {
			return nil, err
		}
		ix.items[key] = loc
	}
	return ix, nil
}

func readEntry(r *bufio.Reader, hasTTL bool) (string, types.BlobLocation, error) {
	var u32 [4]byte
	var u64 [8]byte

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return "", types.BlobLocation{}, kverrors.Wrap(kverrors.KindCorrupted, "index.readEntry", err)
	}
	keyLen := binary.LittleEndian.Uint32(u32[:])
	keyBytes := make([]byte, keyLen)
	if _, err := io.ReadFull(r, keyBytes); err != nil {
		return "", types.BlobLocation{}, kverrors.Wrap(kverrors.KindCorrupted, "index.readEntry", err)
	}

	var loc types.BlobLocation
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return "", loc, kverrors.Wrap(kverrors.KindCorrupted, "index.readEntry", err)
	}
	loc.SegmentID = binary.LittleEndian.Uint64(u64[:])
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return "", loc, kverrors.Wrap(kverrors.KindCorrupted, "index.readEntry", err)
	}
	loc.Offset = binary.LittleEndian.Uint64(u64[:])
	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return "", loc, kverrors.Wrap(kverrors.KindCorrupted, "index.readEntry", err)
	}
	loc.Size = binary.LittleEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return "", loc, kverrors.Wrap(kverrors.KindCorrupted, "index.readEntry", err)
	}
	hashLen := binary.LittleEndian.Uint32(u32[:])
	hashBytes := make([]byte, hashLen)
	if _, err := io.ReadFull(r, hashBytes); err != nil {
		return "", loc, kverrors.Wrap(kverrors.KindCorrupted, "index.readEntry", err)
	}
	loc.Blake3 = string(hashBytes)

	if hasTTL {
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return "", loc, kverrors.Wrap(kverrors.KindCorrupted, "index.readEntry", err)
		}
		expires := binary.LittleEndian.Uint64(u64[:])
		if expires != 0 {
			loc.ExpiresAt = int64(expires)
		}
	}

	return string(keyBytes), loc, nil
}

// SaveToFile is a convenience wrapper writing a snapshot to a path
// atomically (write to a temp file, then rename).
func (ix *Index) SaveToFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "index.SaveToFile", err)
	}
	if err := ix.Snapshot(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return kverrors.Wrap(kverrors.KindInternal, "index.SaveToFile", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "index.SaveToFile", err)
	}
	return nil
}

// LoadFromFile loads a snapshot from path, or returns (nil, nil) if the
// file does not exist.
func LoadFromFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kverrors.Wrap(kverrors.KindInternal, "index.LoadFromFile", err)
	}
	defer f.Close()
	return Load(f)
}
