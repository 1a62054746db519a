// Package sstable implements immutable sorted segment files, their sparse
// index and bloom filter, the manifest that names the live set, and the
// k-way merge used by compaction.
//
// File layout:
//
//	[data blocks]  [sparse index block]  [bloom block]  [footer]
//
// Each data block holds entries for a contiguous key range:
//
//	[4 compressed len][4 raw len][4 CRC32 of stored bytes][payload]
//
// A block whose compressed length equals its raw length is stored
// uncompressed regardless of the file codec. Index and bloom blocks carry
// their own CRC32 prefix. The fixed-size footer locates both blocks and
// ends with the "SPDB" magic.
package sstable

import (
	"encoding/binary"
	"fmt"

	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

const (
	magic         = "SPDB"
	formatVersion = 1

	// MaxKeyBytes and MaxValueBytes match the WAL caps.
	MaxKeyBytes   = 64 * 1024
	MaxValueBytes = 1 << 20

	blockHeaderSize = 12

	// footer layout, little endian:
	//   0  index offset   u64
	//   8  index length   u64
	//  16  bloom offset   u64
	//  24  bloom length   u64
	//  32  entry count    u32
	//  36  codec id       u8
	//  37  format version u8
	//  38  reserved       u16
	//  40  data CRC32     u32
	//  44  footer CRC32   u32 (over bytes 0..44)
	//  48  magic          4 bytes
	footerSize = 52

	// per-entry fixed cost: seq (8) + flags (1) + two length prefixes (8)
	entryFixedSize = 17

	tombstoneFlag = 1
)

type footer struct {
	indexOffset uint64
	indexLen    uint64
	bloomOffset uint64
	bloomLen    uint64
	entryCount  uint32
	codecID     uint8
	dataCRC     uint32
}

func (f *footer) marshal(crc32fn func([]byte) uint32) []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.indexOffset)
	binary.LittleEndian.PutUint64(buf[8:16], f.indexLen)
	binary.LittleEndian.PutUint64(buf[16:24], f.bloomOffset)
	binary.LittleEndian.PutUint64(buf[24:32], f.bloomLen)
	binary.LittleEndian.PutUint32(buf[32:36], f.entryCount)
	buf[36] = f.codecID
	buf[37] = formatVersion
	binary.LittleEndian.PutUint32(buf[40:44], f.dataCRC)
	binary.LittleEndian.PutUint32(buf[44:48], crc32fn(buf[:44]))
	copy(buf[48:], magic)
	return buf
}

func unmarshalFooter(buf []byte, crc32fn func([]byte) uint32) (footer, error) {
	var f footer
	if len(buf) != footerSize {
		return f, fmt.Errorf("footer must be %d bytes, got %d", footerSize, len(buf))
	}
	if string(buf[48:52]) != magic {
		return f, fmt.Errorf("bad magic")
	}
	if crc32fn(buf[:44]) != binary.LittleEndian.Uint32(buf[44:48]) {
		return f, fmt.Errorf("footer checksum mismatch")
	}
	if buf[37] != formatVersion {
		return f, fmt.Errorf("unsupported format version %d", buf[37])
	}

	f.indexOffset = binary.LittleEndian.Uint64(buf[0:8])
	f.indexLen = binary.LittleEndian.Uint64(buf[8:16])
	f.bloomOffset = binary.LittleEndian.Uint64(buf[16:24])
	f.bloomLen = binary.LittleEndian.Uint64(buf[24:32])
	f.entryCount = binary.LittleEndian.Uint32(buf[32:36])
	f.codecID = buf[36]
	f.dataCRC = binary.LittleEndian.Uint32(buf[40:44])
	return f, nil
}

func appendEntry(buf []byte, e types.Entry) []byte {
	var scratch [8]byte

	binary.LittleEndian.PutUint64(scratch[:], e.SeqN)
	buf = append(buf, scratch[:]...)

	var flags byte
	if e.Tombstone {
		flags = tombstoneFlag
	}
	buf = append(buf, flags)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Key)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, e.Key...)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(e.Value)))
	buf = append(buf, scratch[:4]...)
	buf = append(buf, e.Value...)

	return buf
}

func parseEntries(raw []byte) ([]types.Entry, error) {
	var entries []types.Entry
	for off := 0; off < len(raw); {
		if len(raw)-off < entryFixedSize-4 {
			return nil, fmt.Errorf("truncated entry at block offset %d", off)
		}
		seq := binary.LittleEndian.Uint64(raw[off : off+8])
		flags := raw[off+8]
		keyLen := int(binary.LittleEndian.Uint32(raw[off+9 : off+13]))
		off += 13

		if keyLen > MaxKeyBytes || off+keyLen+4 > len(raw) {
			return nil, fmt.Errorf("malformed key at block offset %d", off)
		}
		key := raw[off : off+keyLen : off+keyLen]
		off += keyLen

		valLen := int(binary.LittleEndian.Uint32(raw[off : off+4]))
		off += 4
		if valLen > MaxValueBytes || off+valLen > len(raw) {
			return nil, fmt.Errorf("malformed value at block offset %d", off)
		}
		value := raw[off : off+valLen : off+valLen]
		off += valLen

		entries = append(entries, types.Entry{
			Key:       key,
			Value:     value,
			SeqN:      seq,
			Tombstone: flags&tombstoneFlag != 0,
		})
	}
	return entries, nil
}

// IndexEntry maps the first key of a data block to its byte range.
type IndexEntry struct {
	Key    []byte
	Offset int64
	Length uint32
}

func marshalIndex(index []IndexEntry) []byte {
	var scratch [8]byte
	buf := make([]byte, 0, 16*len(index)+4)

	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(index)))
	buf = append(buf, scratch[:4]...)

	for _, ie := range index {
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(ie.Key)))
		buf = append(buf, scratch[:4]...)
		buf = append(buf, ie.Key...)
		binary.LittleEndian.PutUint64(scratch[:], uint64(ie.Offset))
		buf = append(buf, scratch[:]...)
		binary.LittleEndian.PutUint32(scratch[:4], ie.Length)
		buf = append(buf, scratch[:4]...)
	}
	return buf
}

func unmarshalIndex(buf []byte) ([]IndexEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("index block too short")
	}
	count := int(binary.LittleEndian.Uint32(buf[:4]))
	off := 4

	index := make([]IndexEntry, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("truncated index entry %d", i)
		}
		keyLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+keyLen+12 > len(buf) {
			return nil, fmt.Errorf("truncated index entry %d", i)
		}
		key := buf[off : off+keyLen : off+keyLen]
		off += keyLen
		offset := int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		length := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		off += 12

		index = append(index, IndexEntry{Key: key, Offset: offset, Length: length})
	}
	return index, nil
}
