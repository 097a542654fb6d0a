package blobstore

import (
	"encoding/binary"
	"os"

	"github.com/holiman/bloomfilter/v2"
	"github.com/whispem/minikv/pkg/kverrors"
	"lukechampine.com/blake3"
)

// bloomCapacity and bloomFPRate are the bloom filter's target sizing:
// capacity 100,000 keys at a 1% false-positive rate.
const (
	bloomCapacity = 100_000
	bloomFPRate   = 0.01
)

// keyDigest adapts a BLAKE3 key digest to the hash.Hash64 interface that
// github.com/holiman/bloomfilter/v2 expects. The filter's Add/Contains only
// ever call Sum64, deriving its k index positions by splitting the 64 bits
// internally, so Write/Reset are unused stubs.
type keyDigest uint64

func (keyDigest) Write(p []byte) (int, error) { return len(p), nil }
func (keyDigest) Reset()                      {}
func (keyDigest) Size() int                   { return 8 }
func (keyDigest) BlockSize() int              { return 8 }
func (d keyDigest) Sum(b []byte) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(d))
	return append(b, buf[:]...)
}
func (d keyDigest) Sum64() uint64 { return uint64(d) }

func digestOf(key string) keyDigest {
	sum := blake3.Sum256([]byte(key))
	return keyDigest(binary.LittleEndian.Uint64(sum[:8]))
}

// bloom wraps the holiman filter with the domain-specific Add/MayContain
// vocabulary used by Store, and (de)serializes it to bloom.filter.
type bloom struct {
	f *bloomfilter.Filter
}

func newBloom() (*bloom, error) {
	f, err := bloomfilter.NewOptimal(bloomCapacity, bloomFPRate)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindInternal, "blobstore.newBloom", err)
	}
	return &bloom{f: f}, nil
}

// Add sets the bits for key. Per spec, deletes never clear bits: false
// negatives must never occur, so bits are only ever added.
func (b *bloom) Add(key string) {
	b.f.Add(digestOf(key))
}

// MayContain reports whether key might be present. False means definitely
// absent; true means the index must still be consulted.
func (b *bloom) MayContain(key string) bool {
	return b.f.Contains(digestOf(key))
}

func (b *bloom) saveToFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return kverrors.Wrap(kverrors.KindInternal, "blobstore.bloom.saveToFile", err)
	}
	if _, err := b.f.WriteTo(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return kverrors.Wrap(kverrors.KindInternal, "blobstore.bloom.saveToFile", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return kverrors.Wrap(kverrors.KindInternal, "blobstore.bloom.saveToFile", err)
	}
	return os.Rename(tmp, path)
}

// loadBloomFromFile loads a persisted filter, or returns nil if the file is
// absent or unreadable; the caller rebuilds from the index instead.
func loadBloomFromFile(path string) *bloom {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	loaded, _, err := bloomfilter.ReadFrom(f)
	if err != nil {
		return nil
	}
	return &bloom{f: loaded}
}
