// Package wal implements the write-ahead log: an append-only sequence of
// rotating files that makes every mutation durable before it becomes
// visible in the memtable.
//
// Frame layout (little endian):
//
//	[4 bytes] CRC32 of payload
//	[4 bytes] payload length
//	payload:  [8 seq][1 op][4 key len][key][4 value len][value]
//
// A corrupt or truncated trailing frame is the accepted crash signature:
// replay drops it silently and trusts everything before it.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/pragmatic-zac/sprucedb/pkg/dberrors"
	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

// Op enumerates logged operations.
type Op uint8

const (
	OpPut Op = iota + 1
	OpDelete
)

const (
	// MaxKeyBytes caps key size, matching the segment format cap.
	MaxKeyBytes = 64 * 1024
	// MaxValueBytes caps value size.
	MaxValueBytes = 1 << 20

	frameHeaderSize = 8
	// seq (8) + op (1) + two length prefixes (8)
	payloadFixedSize = 17
	maxPayloadBytes  = payloadFixedSize + MaxKeyBytes + MaxValueBytes
)

// Entry is a single logged mutation.
type Entry struct {
	SeqN  types.SeqN
	Op    Op
	Key   []byte
	Value []byte
}

type logFile struct {
	index  uint64
	path   string
	maxSeq types.SeqN
	// maxSeq is trusted only after the file has been fully written by
	// this process or fully replayed.
	known bool
}

// WAL is a rotating write-ahead log. Append is serialized by the engine's
// single-writer lock; the internal mutex additionally guards rotation and
// truncation against replay.
type WAL struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	writer *bufio.Writer
	index  uint64
	maxSeq types.SeqN
	sealed []logFile
}

// Open prepares the log directory, registers any pre-existing files for
// replay and starts a fresh active file with the next rotation index.
func Open(dir string) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("open wal: empty dir: %w", dberrors.ErrInvalidArgument)
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	sealed, lastIndex, err := scanDir(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:    dir,
		index:  lastIndex + 1,
		sealed: sealed,
	}
	if err := w.openActive(); err != nil {
		return nil, err
	}

	return w, nil
}

func scanDir(dir string) ([]logFile, uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read wal directory: %w", err)
	}

	var files []logFile
	var lastIndex uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var idx uint64
		if _, err := fmt.Sscanf(e.Name(), "wal-%d.log", &idx); err != nil {
			continue
		}
		files = append(files, logFile{index: idx, path: filepath.Join(dir, e.Name())})
		if idx > lastIndex {
			lastIndex = idx
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })

	return files, lastIndex, nil
}

func (w *WAL) openActive() error {
	path := filepath.Join(w.dir, fmt.Sprintf("wal-%06d.log", w.index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open wal file: %w", err)
	}

	w.file = file
	w.writer = bufio.NewWriter(file)
	w.maxSeq = 0
	return nil
}

// Append writes one entry and returns only after it is flushed and synced
// to disk. A failure aborts the in-flight write and surfaces immediately.
func (w *WAL) Append(e Entry) error {
	if err := validate(e); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return dberrors.ErrClosed
	}

	if err := writeFrame(w.writer, e); err != nil {
		return fmt.Errorf("write wal frame: %w", mapDiskErr(err))
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal: %w", mapDiskErr(err))
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", mapDiskErr(err))
	}

	if e.SeqN > w.maxSeq {
		w.maxSeq = e.SeqN
	}

	return nil
}

func validate(e Entry) error {
	if len(e.Key) == 0 {
		return fmt.Errorf("empty key: %w", dberrors.ErrInvalidArgument)
	}
	if e.Op != OpPut && e.Op != OpDelete {
		return fmt.Errorf("unknown op %d: %w", e.Op, dberrors.ErrInvalidArgument)
	}
	if len(e.Key) > MaxKeyBytes || len(e.Value) > MaxValueBytes {
		return dberrors.ErrTooLargeEntry
	}
	return nil
}

func mapDiskErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", dberrors.ErrNoSpace, err)
	}
	return err
}

// Replay streams every entry with sequence number greater than
// fromExclusive, across all files in rotation order, into fn. Replay
// stops silently at the first corrupt or truncated frame: everything
// before it is trusted, everything after it is unrecoverable by design.
func (w *WAL) Replay(fromExclusive types.SeqN, fn func(Entry) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush wal before replay: %w", err)
		}
	}

	for i := range w.sealed {
		ok, maxSeq, err := replayFile(w.sealed[i].path, fromExclusive, fn)
		if err != nil {
			return err
		}
		w.sealed[i].maxSeq = maxSeq
		w.sealed[i].known = true
		if !ok {
			return nil
		}
	}

	_, maxSeq, err := replayFile(w.file.Name(), fromExclusive, fn)
	if err != nil {
		return err
	}
	if maxSeq > w.maxSeq {
		w.maxSeq = maxSeq
	}

	return nil
}

// replayFile reads one log file. It returns ok=false when it hit a corrupt
// frame, meaning replay must not continue into later files.
func replayFile(path string, fromExclusive types.SeqN, fn func(Entry) error) (ok bool, maxSeq types.SeqN, err error) {
	file, err := os.Open(path)
	if err != nil {
		return false, 0, fmt.Errorf("open wal for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close wal read file", "path", path, "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64

	for {
		e, n, rerr := readFrame(reader)
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return true, maxSeq, nil
			}
			if errors.Is(rerr, dberrors.ErrCorruption) {
				slog.Warn("dropping wal tail at corrupt frame",
					"path", path, "offset", offset, "error", rerr)
				return false, maxSeq, nil
			}
			return false, 0, fmt.Errorf("read wal frame: %w", rerr)
		}
		offset += int64(n)

		if e.SeqN > maxSeq {
			maxSeq = e.SeqN
		}
		if e.SeqN <= fromExclusive {
			continue
		}
		if err := fn(e); err != nil {
			return false, 0, fmt.Errorf("wal replay callback: %w", err)
		}
	}
}

// Rotate seals the active file and opens the next one. The engine calls
// it when a memtable is frozen, so each sealed file covers exactly the
// entries of one flushed memtable generation.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return dberrors.ErrClosed
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush wal on rotate: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal on rotate: %w", err)
	}
	sealedPath := w.file.Name()
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close wal on rotate: %w", err)
	}

	w.sealed = append(w.sealed, logFile{
		index:  w.index,
		path:   sealedPath,
		maxSeq: w.maxSeq,
		known:  true,
	})

	w.index++
	return w.openActive()
}

// Truncate deletes sealed files whose contents are fully covered by
// segments, i.e. max sequence <= upTo. The active file is never touched.
// Never runs concurrently with Append: both take the WAL mutex and the
// engine orders truncation after the corresponding flush.
func (w *WAL) Truncate(upTo types.SeqN) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.sealed[:0]
	for _, f := range w.sealed {
		if f.known && f.maxSeq <= upTo {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove wal file %s: %w", f.path, err)
			}
			continue
		}
		kept = append(kept, f)
	}
	w.sealed = kept

	return nil
}

// Close flushes and releases the active file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush wal on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("sync wal on close: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close wal file: %w", err)
		}
		w.file = nil
	}

	return nil
}

func writeFrame(writer *bufio.Writer, e Entry) error {
	payload := make([]byte, payloadFixedSize+len(e.Key)+len(e.Value))

	binary.LittleEndian.PutUint64(payload[0:8], e.SeqN)
	payload[8] = byte(e.Op)
	binary.LittleEndian.PutUint32(payload[9:13], uint32(len(e.Key)))
	n := 13 + copy(payload[13:], e.Key)
	binary.LittleEndian.PutUint32(payload[n:n+4], uint32(len(e.Value)))
	copy(payload[n+4:], e.Value)

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))

	if _, err := writer.Write(header[:]); err != nil {
		return err
	}
	_, err := writer.Write(payload)
	return err
}

// readFrame returns io.EOF at a clean file end and an error wrapping
// dberrors.ErrCorruption for anything torn or mangled.
func readFrame(reader *bufio.Reader) (Entry, int, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, 0, io.EOF
		}
		return Entry{}, 0, dberrors.NewCorruption("wal", -1, "torn frame header")
	}

	crc := binary.LittleEndian.Uint32(header[0:4])
	payloadLen := binary.LittleEndian.Uint32(header[4:8])
	if payloadLen < payloadFixedSize || payloadLen > maxPayloadBytes {
		return Entry{}, 0, dberrors.NewCorruption("wal", -1, "implausible frame length")
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return Entry{}, 0, dberrors.NewCorruption("wal", -1, "torn frame payload")
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return Entry{}, 0, dberrors.NewCorruption("wal", -1, "frame checksum mismatch")
	}

	e := Entry{
		SeqN: binary.LittleEndian.Uint64(payload[0:8]),
		Op:   Op(payload[8]),
	}
	// bounds math in uint64: a corrupt length field must never wrap into
	// a panic-inducing slice expression
	keyLen := binary.LittleEndian.Uint32(payload[9:13])
	if e.Op != OpPut && e.Op != OpDelete ||
		keyLen > MaxKeyBytes ||
		13+uint64(keyLen)+4 > uint64(len(payload)) {
		return Entry{}, 0, dberrors.NewCorruption("wal", -1, "malformed frame payload")
	}
	valOffset := 13 + int(keyLen)
	valLen := binary.LittleEndian.Uint32(payload[valOffset : valOffset+4])
	if uint64(valOffset)+4+uint64(valLen) != uint64(len(payload)) {
		return Entry{}, 0, dberrors.NewCorruption("wal", -1, "malformed frame payload")
	}

	e.Key = payload[13:valOffset:valOffset]
	e.Value = payload[valOffset+4:]

	return e, frameHeaderSize + int(payloadLen), nil
}
