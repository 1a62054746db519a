package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pragmatic-zac/sprucedb/pkg/compression"
	"github.com/pragmatic-zac/sprucedb/pkg/dberrors"
	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

// WriterOptions configure a segment under construction.
type WriterOptions struct {
	Codec        compression.Codec
	BlockSize    int
	ExpectedKeys int
	BloomFPRate  float64
}

func (o *WriterOptions) fillDefaults() {
	if o.Codec == nil {
		o.Codec = compression.None{}
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4 * 1024
	}
	if o.ExpectedKeys <= 0 {
		o.ExpectedKeys = 1024
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = 0.01
	}
}

// Writer streams entries in strict ascending key order into a new segment
// file. The file is built under a temporary name and renamed on Finish, so
// a crash mid-write never leaves a readable half-segment behind; the
// caller's manifest commit is what makes the segment visible.
type Writer struct {
	path    string
	tmpPath string
	file    *os.File
	opts    WriterOptions

	buf      []byte
	firstKey []byte
	lastKey  []byte
	index    []IndexEntry
	bloom    *Bloom
	offset   int64
	count    uint32
	dataCRC  uint32
}

func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	opts.fillDefaults()

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}

	return &Writer{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		opts:    opts,
		buf:     make([]byte, 0, opts.BlockSize+512),
		bloom:   NewBloom(opts.ExpectedKeys, opts.BloomFPRate),
	}, nil
}

// Add appends one entry. Keys must arrive strictly ascending and unique;
// the memtable snapshot and the k-way merge both guarantee that, so a
// violation here is a programming error worth failing loudly on.
func (w *Writer) Add(e types.Entry) error {
	if len(e.Key) == 0 {
		return fmt.Errorf("empty key: %w", dberrors.ErrInvalidArgument)
	}
	if len(e.Key) > MaxKeyBytes || len(e.Value) > MaxValueBytes {
		return dberrors.ErrTooLargeEntry
	}
	if w.lastKey != nil && bytes.Compare(w.lastKey, e.Key) >= 0 {
		return fmt.Errorf("keys out of order: %q after %q: %w",
			e.Key, w.lastKey, dberrors.ErrInvalidArgument)
	}

	if len(w.buf) == 0 {
		w.firstKey = append([]byte(nil), e.Key...)
	}
	w.buf = appendEntry(w.buf, e)
	w.lastKey = append(w.lastKey[:0], e.Key...)
	w.bloom.Add(e.Key)
	w.count++

	if len(w.buf) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}

	stored, err := w.opts.Codec.Compress(w.buf)
	if err != nil {
		return fmt.Errorf("compress block: %w", err)
	}
	if len(stored) >= len(w.buf) {
		// incompressible block, store raw
		stored = w.buf
	}

	header := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(stored)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(w.buf)))
	binary.LittleEndian.PutUint32(header[8:12], crc32.ChecksumIEEE(stored))

	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("write block header: %w", mapDiskErr(err))
	}
	if _, err := w.file.Write(stored); err != nil {
		return fmt.Errorf("write block: %w", mapDiskErr(err))
	}

	w.dataCRC = crc32.Update(w.dataCRC, crc32.IEEETable, header)
	w.dataCRC = crc32.Update(w.dataCRC, crc32.IEEETable, stored)

	length := uint32(blockHeaderSize + len(stored))
	w.index = append(w.index, IndexEntry{
		Key:    w.firstKey,
		Offset: w.offset,
		Length: length,
	})
	w.offset += int64(length)

	w.buf = w.buf[:0]
	w.firstKey = nil
	return nil
}

// Finish flushes the last block, writes the index, bloom and footer
// blocks, syncs, and atomically renames the file into place. It returns
// the final file size.
func (w *Writer) Finish() (int64, error) {
	if w.file == nil {
		return 0, fmt.Errorf("writer already finished: %w", dberrors.ErrInvalidArgument)
	}
	if err := w.flushBlock(); err != nil {
		return 0, err
	}

	indexOffset := w.offset
	indexBlock := withCRC(marshalIndex(w.index))
	if _, err := w.file.Write(indexBlock); err != nil {
		return 0, fmt.Errorf("write index block: %w", mapDiskErr(err))
	}
	w.offset += int64(len(indexBlock))

	bloomBytes, err := w.bloom.MarshalBinary()
	if err != nil {
		return 0, err
	}
	bloomOffset := w.offset
	bloomBlock := withCRC(bloomBytes)
	if _, err := w.file.Write(bloomBlock); err != nil {
		return 0, fmt.Errorf("write bloom block: %w", mapDiskErr(err))
	}
	w.offset += int64(len(bloomBlock))

	f := footer{
		indexOffset: uint64(indexOffset),
		indexLen:    uint64(len(indexBlock)),
		bloomOffset: uint64(bloomOffset),
		bloomLen:    uint64(len(bloomBlock)),
		entryCount:  w.count,
		codecID:     w.opts.Codec.ID(),
		dataCRC:     w.dataCRC,
	}
	if _, err := w.file.Write(f.marshal(crc32.ChecksumIEEE)); err != nil {
		return 0, fmt.Errorf("write footer: %w", mapDiskErr(err))
	}
	w.offset += footerSize

	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync segment: %w", mapDiskErr(err))
	}
	if err := w.file.Close(); err != nil {
		return 0, fmt.Errorf("close segment: %w", err)
	}
	w.file = nil

	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return 0, fmt.Errorf("rename segment into place: %w", err)
	}
	if err := syncDir(filepath.Dir(w.path)); err != nil {
		return 0, err
	}

	return w.offset, nil
}

// Discard removes the partial file after a failure.
func (w *Writer) Discard() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial segment: %w", err)
	}
	return nil
}

// EntryCount reports entries added so far.
func (w *Writer) EntryCount() uint32 { return w.count }

func withCRC(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], crc32.ChecksumIEEE(payload))
	copy(buf[4:], payload)
	return buf
}

func mapDiskErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", dberrors.ErrNoSpace, err)
	}
	return err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
