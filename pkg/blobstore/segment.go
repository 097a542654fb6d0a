package blobstore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/whispem/minikv/pkg/kverrors"
	"github.com/whispem/minikv/pkg/types"
	"lukechampine.com/blake3"
)

// blobHeaderLen is MAGIC(4) + key_len(u32) + stored_val_len(u64) +
// original_val_len(u64).
const blobHeaderLen = 4 + 4 + 8 + 8

var (
	magicBlob = [4]byte{'B', 'L', 'O', 'B'}
	magicBloc = [4]byte{'B', 'L', 'O', 'C'}
)

func segmentsDirName(dataDir string) string {
	return filepath.Join(dataDir, "segments")
}

func segmentFileName(segmentsDir string, segment uint64) string {
	return filepath.Join(segmentsDir, fmt.Sprintf("seg_%04d.blob", segment))
}

// blobRecord is a decoded on-disk blob frame.
type blobRecord struct {
	compressed bool
	key        string
	value      []byte // as stored: possibly LZ4-compressed
	originalLen uint64
}

// encodeBlobRecord frames key/value, compressing the value with LZ4 when
// doing so is a net win (github.com/pierrec/lz4/v4). The CRC32 (IEEE)
// covers every length field, the key, and the stored value.
func encodeBlobRecord(key string, value []byte) []byte {
	keyBytes := []byte(key)
	storedValue := value
	magic := magicBlob

	if compressed, ok := tryCompress(value); ok {
		storedValue = compressed
		magic = magicBloc
	}

	header := make([]byte, blobHeaderLen)
	copy(header[0:4], magic[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(keyBytes)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(storedValue)))
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(value)))

	out := make([]byte, 0, blobHeaderLen+len(keyBytes)+len(storedValue)+4)
	out = append(out, header...)
	out = append(out, keyBytes...)
	out = append(out, storedValue...)

	crc := crc32.ChecksumIEEE(out[4:]) // fields after MAGIC, per spec
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)
	return out
}

// recordLen returns the total on-disk size of a record as produced by
// encodeBlobRecord, for advancing the segment write cursor.
func recordLen(keyLen int, storedValLen uint64) uint64 {
	return uint64(blobHeaderLen) + uint64(keyLen) + storedValLen + 4
}

func tryCompress(value []byte) ([]byte, bool) {
	if len(value) == 0 {
		return nil, false
	}
	bound := lz4.CompressBlockBound(len(value))
	dst := make([]byte, bound)
	var c lz4.Compressor
	n, err := c.CompressBlock(value, dst)
	if err != nil || n == 0 || n >= len(value) {
		return nil, false
	}
	return dst[:n], true
}

func decompress(stored []byte, originalLen uint64) ([]byte, error) {
	dst := make([]byte, originalLen)
	n, err := lz4.UncompressBlock(stored, dst)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindCorrupted, "blobstore.decompress", err)
	}
	return dst[:n], nil
}

// readRecordAt reads and CRC-verifies one record at offset within the
// segment file f. It does not verify the BLAKE3 content digest; callers
// compare against the index-tracked digest themselves.
func readRecordAt(f *os.File, offset int64) (*blobRecord, error) {
	header := make([]byte, blobHeaderLen)
	if _, err := f.ReadAt(header, offset); err != nil {
		return nil, kverrors.Wrap(kverrors.KindCorrupted, "blobstore.readRecordAt", err)
	}
	if header[0] != magicBlob[0] || header[1] != magicBlob[1] || header[2] != magicBlob[2] {
		return nil, kverrors.New(kverrors.KindCorrupted, "blobstore.readRecordAt: bad magic prefix")
	}
	compressed := header[3] == magicBloc[3]
	if !compressed && header[3] != magicBlob[3] {
		return nil, kverrors.New(kverrors.KindCorrupted, "blobstore.readRecordAt: bad magic")
	}

	keyLen := binary.LittleEndian.Uint32(header[4:8])
	storedLen := binary.LittleEndian.Uint64(header[8:16])
	originalLen := binary.LittleEndian.Uint64(header[16:24])

	body := make([]byte, uint64(keyLen)+storedLen)
	if _, err := f.ReadAt(body, offset+blobHeaderLen); err != nil {
		return nil, kverrors.Wrap(kverrors.KindCorrupted, "blobstore.readRecordAt", err)
	}

	crcBuf := make([]byte, 4)
	if _, err := f.ReadAt(crcBuf, offset+blobHeaderLen+int64(len(body))); err != nil {
		return nil, kverrors.Wrap(kverrors.KindCorrupted, "blobstore.readRecordAt", err)
	}
	stored := binary.LittleEndian.Uint32(crcBuf)

	crcData := make([]byte, 0, 20+len(body))
	crcData = append(crcData, header[4:]...)
	crcData = append(crcData, body...)
	if computed := crc32.ChecksumIEEE(crcData); computed != stored {
		return nil, kverrors.New(kverrors.KindChecksumMismatch, "blobstore.readRecordAt")
	}

	return &blobRecord{
		compressed:  compressed,
		key:         string(body[:keyLen]),
		value:       body[keyLen:],
		originalLen: originalLen,
	}, nil
}

// decodedValue returns the record's original (decompressed) payload.
func (r *blobRecord) decodedValue() ([]byte, error) {
	if !r.compressed {
		return r.value, nil
	}
	return decompress(r.value, r.originalLen)
}

// writeRecordToSegment appends key/value to the segment tree rooted at
// segmentsDir, starting at (segment, offset), creating segment files and
// directories as needed, without rotation (callers rotate before calling
// once offset has reached the segment size). It returns the resulting
// BlobLocation (content digest over the original, uncompressed value) and
// the offset immediately after the record.
func writeRecordToSegment(segmentsDir string, segment, offset uint64, key string, value []byte, fsync bool) (types.BlobLocation, uint64, error) {
	if err := os.MkdirAll(segmentsDir, 0o755); err != nil {
		return types.BlobLocation{}, 0, kverrors.Wrap(kverrors.KindInternal, "blobstore.writeRecordToSegment", err)
	}
	path := segmentFileName(segmentsDir, segment)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return types.BlobLocation{}, 0, kverrors.Wrap(kverrors.KindInternal, "blobstore.writeRecordToSegment", err)
	}
	defer f.Close()

	buf := encodeBlobRecord(key, value)
	if _, err := f.WriteAt(buf, int64(offset)); err != nil {
		return types.BlobLocation{}, 0, kverrors.Wrap(kverrors.KindInternal, "blobstore.writeRecordToSegment", err)
	}
	if fsync {
		if err := f.Sync(); err != nil {
			return types.BlobLocation{}, 0, kverrors.Wrap(kverrors.KindInternal, "blobstore.writeRecordToSegment", err)
		}
	}

	digest := blake3.Sum256(value)
	loc := types.BlobLocation{
		SegmentID: segment,
		Offset:    offset,
		Size:      uint64(len(value)),
		Blake3:    hex.EncodeToString(digest[:]),
	}
	return loc, offset + uint64(len(buf)), nil
}
