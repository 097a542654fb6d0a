// Package wal implements the volume's write-ahead log: a single append-only
// file recording every mutating intent (put or delete) before it is
// reflected in the blob store's segments or acknowledged to the caller.
//
// Record framing (little-endian):
//
//	MAGIC(4="WAL1") | sequence(u64) | op(u8) | key_len(u32) | val_len(u32)
//	               | key_bytes[key_len] | val_bytes[val_len if op=Put else 0]
//	               | crc32(u32)
//
// The CRC covers every field after MAGIC up to and including the payload.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/whispem/minikv/pkg/kverrors"
)

// Magic is the fixed 4-byte record prefix.
var Magic = [4]byte{'W', 'A', 'L', '1'}

// Op identifies the kind of mutating intent a record carries.
type Op uint8

const (
	OpPut    Op = 1
	OpDelete Op = 2
)

// SyncPolicy controls when an append forces an fsync.
type SyncPolicy int

const (
	// SyncAlways fsyncs after every append. Required for durability
	// invariant I1.
	SyncAlways SyncPolicy = iota
	// SyncInterval batches fsyncs on a timer owned by the caller; Sync
	// must be invoked explicitly.
	SyncInterval
	// SyncNever never fsyncs; only os-level buffering protects the data.
	SyncNever
)

// Record is one decoded WAL entry, yielded to a replay visitor.
type Record struct {
	Sequence uint64
	Op       Op
	Key      string
	Value    []byte
}

// WAL is a single append-only log file for one volume.
type WAL struct {
	mu       sync.Mutex
	f        *os.File
	w        *bufio.Writer
	path     string
	sync     SyncPolicy
	sequence uint64
}

// Open opens (creating if necessary) the WAL file at path with the given
// sync policy. The caller is responsible for replaying existing records via
// Replay before resuming appends, to pick up the correct next sequence
// number; Open itself does not scan the file.
func Open(path string, policy SyncPolicy) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindWAL, "wal.Open", err)
	}
	return &WAL{f: f, w: bufio.NewWriter(f), path: path, sync: policy}, nil
}

// SetNextSequence primes the sequence counter after a replay has determined
// the highest sequence number already present in the file.
func (w *WAL) SetNextSequence(next uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sequence = next
}

// AppendPut appends a PUT intent and returns its assigned sequence number.
func (w *WAL) AppendPut(key string, value []byte) (uint64, error) {
	return w.append(OpPut, key, value)
}

// AppendDelete appends a DELETE intent and returns its assigned sequence
// number.
func (w *WAL) AppendDelete(key string) (uint64, error) {
	return w.append(OpDelete, key, nil)
}

func (w *WAL) append(op Op, key string, value []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.sequence
	w.sequence++

	buf := encodeRecord(seq, op, key, value)
	if _, err := w.w.Write(buf); err != nil {
		return 0, kverrors.Wrap(kverrors.KindWAL, "wal.append", err)
	}
	if err := w.w.Flush(); err != nil {
		return 0, kverrors.Wrap(kverrors.KindWAL, "wal.append", err)
	}
	if w.sync == SyncAlways {
		if err := w.f.Sync(); err != nil {
			return 0, kverrors.Wrap(kverrors.KindWAL, "wal.append", err)
		}
	}
	return seq, nil
}

// Sync forces a durability barrier regardless of policy. Used by callers
// running SyncInterval on their own timer.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return kverrors.Wrap(kverrors.KindWAL, "wal.Sync", err)
	}
	return w.f.Sync()
}

// Truncate empties the log after a successful compaction+snapshot and
// resets the sequence counter to 0.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.f.Truncate(0); err != nil {
		return kverrors.Wrap(kverrors.KindWAL, "wal.Truncate", err)
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return kverrors.Wrap(kverrors.KindWAL, "wal.Truncate", err)
	}
	w.w = bufio.NewWriter(w.f)
	w.sequence = 0
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.f.Close()
}

func encodeRecord(seq uint64, op Op, key string, value []byte) []byte {
	keyBytes := []byte(key)
	valLen := 0
	if op == OpPut {
		valLen = len(value)
	}

	size := 4 + 8 + 1 + 4 + 4 + len(keyBytes) + valLen + 4
	buf := make([]byte, size)
	pos := 0
	copy(buf[pos:], Magic[:])
	pos += 4
	binary.LittleEndian.PutUint64(buf[pos:], seq)
	pos += 8
	buf[pos] = byte(op)
	pos++
	binary.LittleEndian.PutUint32(buf[pos:], uint32(len(keyBytes)))
	pos += 4
	binary.LittleEndian.PutUint32(buf[pos:], uint32(valLen))
	pos += 4
	copy(buf[pos:], keyBytes)
	pos += len(keyBytes)
	if op == OpPut {
		copy(buf[pos:], value)
		pos += valLen
	}

	crc := crc32.ChecksumIEEE(buf[4:pos])
	binary.LittleEndian.PutUint32(buf[pos:], crc)
	return buf
}

// Visitor is called once per decoded record during Replay, in ascending
// sequence order.
type Visitor func(Record) error

// Replay reads records sequentially from path, invoking visit for each. On
// a torn tail — a short read, bad magic, or CRC failure — it stops without
// error, treating the tail as an unwritten in-progress write.
// Replay returns the next sequence number the log should continue from.
func Replay(path string, visit Visitor) (nextSeq uint64, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		if os.IsNotExist(openErr) {
			return 0, nil
		}
		return 0, kverrors.Wrap(kverrors.KindWAL, "wal.Replay", openErr)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header [21]byte // magic(4)+seq(8)+op(1)+keylen(4)+vallen(4)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			break // short read: torn tail, stop without error
		}
		if header[0] != Magic[0] || header[1] != Magic[1] || header[2] != Magic[2] || header[3] != Magic[3] {
			break // bad magic: torn tail
		}
		seq := binary.LittleEndian.Uint64(header[4:12])
		op := Op(header[12])
		keyLen := binary.LittleEndian.Uint32(header[13:17])
		valLen := binary.LittleEndian.Uint32(header[17:21])

		payload := make([]byte, int(keyLen)+int(valLen))
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		var crcBuf [4]byte
		if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
			break
		}

		crc := crc32.NewIEEE()
		crc.Write(header[4:])
		crc.Write(payload)
		if crc.Sum32() != binary.LittleEndian.Uint32(crcBuf[:]) {
			break // CRC failure: torn tail
		}

		key := string(payload[:keyLen])
		var value []byte
		if op == OpPut {
			value = payload[keyLen:]
		}

		if err := visit(Record{Sequence: seq, Op: op, Key: key, Value: value}); err != nil {
			return seq + 1, err
		}
		nextSeq = seq + 1
	}
	return nextSeq, nil
}
