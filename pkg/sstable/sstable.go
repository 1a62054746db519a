package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pragmatic-zac/sprucedb/pkg/compression"
	"github.com/pragmatic-zac/sprucedb/pkg/dberrors"
	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

// SSTable is an open, immutable segment. The file is safe for unlimited
// concurrent reads. Lifetime is reference counted: the store holds one
// reference for as long as the segment is live, every reader takes one for
// the duration of its access, and the file is deleted only after the
// segment is marked obsolete AND the count drains to zero.
type SSTable struct {
	id    uint64
	path  string
	file  *os.File
	codec compression.Codec
	index []IndexEntry
	bloom *Bloom
	size  int64
	count uint32

	refs     atomic.Int32
	obsolete atomic.Bool
	removed  atomic.Bool
}

// Open validates the footer, loads the sparse index and bloom filter into
// memory and returns the segment with one (owner) reference held.
func Open(id uint64, path string) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	s, err := load(id, path, file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

func load(id uint64, path string, file *os.File) (*SSTable, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	if stat.Size() < footerSize {
		return nil, dberrors.NewCorruption(path, 0, "file too small for footer")
	}

	footerBuf := make([]byte, footerSize)
	if _, err := file.ReadAt(footerBuf, stat.Size()-footerSize); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}
	f, err := unmarshalFooter(footerBuf, crc32.ChecksumIEEE)
	if err != nil {
		return nil, dberrors.NewCorruption(path, stat.Size()-footerSize, err.Error())
	}

	codec, err := compression.ByID(f.codecID)
	if err != nil {
		return nil, dberrors.NewCorruption(path, stat.Size()-footerSize, err.Error())
	}

	indexRaw, err := readChecksummedBlock(file, path, int64(f.indexOffset), int(f.indexLen))
	if err != nil {
		return nil, err
	}
	index, err := unmarshalIndex(indexRaw)
	if err != nil {
		return nil, dberrors.NewCorruption(path, int64(f.indexOffset), err.Error())
	}

	bloomRaw, err := readChecksummedBlock(file, path, int64(f.bloomOffset), int(f.bloomLen))
	if err != nil {
		return nil, err
	}
	bloom, err := UnmarshalBloom(bloomRaw)
	if err != nil {
		return nil, dberrors.NewCorruption(path, int64(f.bloomOffset), err.Error())
	}

	s := &SSTable{
		id:    id,
		path:  path,
		file:  file,
		codec: codec,
		index: index,
		bloom: bloom,
		size:  stat.Size(),
		count: f.entryCount,
	}
	s.refs.Store(1)
	return s, nil
}

func readChecksummedBlock(file *os.File, path string, offset int64, length int) ([]byte, error) {
	if length < 4 {
		return nil, dberrors.NewCorruption(path, offset, "block too short")
	}
	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read block: %w", err)
	}
	crc := binary.LittleEndian.Uint32(buf[:4])
	if crc32.ChecksumIEEE(buf[4:]) != crc {
		return nil, dberrors.NewCorruption(path, offset, "block checksum mismatch")
	}
	return buf[4:], nil
}

func (s *SSTable) ID() uint64             { return s.id }
func (s *SSTable) Path() string           { return s.path }
func (s *SSTable) ApproximateSize() int64 { return s.size }
func (s *SSTable) EntryCount() uint32     { return s.count }

// MayContain consults the bloom filter only; false means the key is
// definitely absent.
func (s *SSTable) MayContain(key types.Key) bool {
	return s.bloom.MayContain(key)
}

// Get returns the entry stored for key, including tombstones; the engine
// decides what a tombstone means.
func (s *SSTable) Get(key types.Key) (types.Entry, bool, error) {
	if !s.bloom.MayContain(key) {
		return types.Entry{}, false, nil
	}

	blockIdx := s.blockFor(key)
	if blockIdx < 0 {
		return types.Entry{}, false, nil
	}

	entries, err := s.readBlock(blockIdx)
	if err != nil {
		return types.Entry{}, false, err
	}

	// entries within a block are sorted by key
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].Key, key) >= 0
	})
	if i < len(entries) && bytes.Equal(entries[i].Key, key) {
		return entries[i], true, nil
	}
	return types.Entry{}, false, nil
}

// blockFor returns the index of the last block whose first key is <= key,
// or -1 when key sorts before the whole file.
func (s *SSTable) blockFor(key types.Key) int {
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].Key, key) > 0
	})
	return i - 1
}

func (s *SSTable) readBlock(i int) ([]types.Entry, error) {
	ie := s.index[i]

	buf := make([]byte, ie.Length)
	if _, err := s.file.ReadAt(buf, ie.Offset); err != nil {
		return nil, fmt.Errorf("read data block: %w", err)
	}

	storedLen := binary.LittleEndian.Uint32(buf[0:4])
	rawLen := binary.LittleEndian.Uint32(buf[4:8])
	crc := binary.LittleEndian.Uint32(buf[8:12])
	if int(storedLen)+blockHeaderSize != len(buf) {
		return nil, dberrors.NewCorruption(s.path, ie.Offset, "block length mismatch")
	}

	stored := buf[blockHeaderSize:]
	if crc32.ChecksumIEEE(stored) != crc {
		return nil, dberrors.NewCorruption(s.path, ie.Offset, "block checksum mismatch")
	}

	raw := stored
	if storedLen != rawLen {
		var err error
		raw, err = s.codec.Decompress(stored, int(rawLen))
		if err != nil {
			return nil, dberrors.NewCorruption(s.path, ie.Offset, err.Error())
		}
	}

	entries, err := parseEntries(raw)
	if err != nil {
		return nil, dberrors.NewCorruption(s.path, ie.Offset, err.Error())
	}
	return entries, nil
}

// Ref takes a reader reference. Pair with Unref.
func (s *SSTable) Ref() {
	s.refs.Add(1)
}

// Unref drops a reference; the last drop of an obsolete segment removes
// the file.
func (s *SSTable) Unref() {
	if s.refs.Add(-1) == 0 && s.obsolete.Load() {
		s.remove()
	}
}

// MarkObsolete flags the segment as superseded by compaction. The owner
// must still Unref afterwards; the file disappears once every in-flight
// reader has released it.
func (s *SSTable) MarkObsolete() {
	s.obsolete.Store(true)
}

// Removed reports whether the underlying file has been deleted.
func (s *SSTable) Removed() bool {
	return s.removed.Load()
}

func (s *SSTable) remove() {
	if !s.removed.CompareAndSwap(false, true) {
		return
	}
	if err := s.file.Close(); err != nil {
		slog.Warn("failed to close obsolete segment", "path", s.path, "error", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove obsolete segment", "path", s.path, "error", err)
		return
	}
	slog.Debug("reclaimed obsolete segment", "id", s.id, "path", s.path)
}

// Close releases the owner's file handle on clean shutdown. Only the
// store calls it, after background work has stopped.
func (s *SSTable) Close() error {
	if s.removed.Swap(true) {
		return nil
	}
	return s.file.Close()
}

// Iterator walks a segment block by block in key order. It holds one
// reference on the segment until Close.
type Iterator struct {
	t       *SSTable
	block   int
	entries []types.Entry
	pos     int
	err     error
	release sync.Once
}

// NewIterator returns an iterator positioned before the first entry; call
// First or Seek before use.
func (s *SSTable) NewIterator() *Iterator {
	s.Ref()
	return &Iterator{t: s, block: -1}
}

func (it *Iterator) First() {
	it.block = -1
	it.entries = nil
	it.pos = 0
	it.nextBlock()
}

// Seek positions the iterator at the first entry with key >= target.
func (it *Iterator) Seek(target types.Key) {
	blockIdx := it.t.blockFor(target)
	if blockIdx < 0 {
		blockIdx = 0
	}
	if blockIdx >= len(it.t.index) {
		it.entries = nil
		return
	}

	it.block = blockIdx
	it.loadBlock()
	for it.Valid() && bytes.Compare(it.Entry().Key, target) < 0 {
		it.Next()
	}
}

func (it *Iterator) Valid() bool {
	return it.err == nil && it.pos < len(it.entries)
}

func (it *Iterator) Next() {
	if it.err != nil {
		return
	}
	it.pos++
	if it.pos >= len(it.entries) {
		it.nextBlock()
	}
}

func (it *Iterator) Entry() types.Entry {
	return it.entries[it.pos]
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) nextBlock() {
	it.block++
	it.loadBlock()
}

func (it *Iterator) loadBlock() {
	it.pos = 0
	if it.block >= len(it.t.index) {
		it.entries = nil
		return
	}
	entries, err := it.t.readBlock(it.block)
	if err != nil {
		it.err = err
		it.entries = nil
		return
	}
	it.entries = entries
}

// Close releases the segment reference. Safe to call more than once and
// on early exit from a scan.
func (it *Iterator) Close() error {
	it.release.Do(it.t.Unref)
	return it.err
}
