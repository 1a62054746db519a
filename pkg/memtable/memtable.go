// Package memtable provides the in-memory ordered write buffer. It is a
// thin layer over a concurrent skip list map: readers run lock-free while
// the engine's single-writer lock serializes mutation.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

type orderedMap = skipmap.FuncMap[[]byte, types.Entry]

// Memtable buffers the most recent mutations in key order. Tombstones live
// here like any other entry until a flush carries them into a segment.
type Memtable struct {
	underlying *orderedMap
	size       atomic.Int64
}

func New() *Memtable {
	return &Memtable{
		underlying: skipmap.NewFunc[[]byte, types.Entry](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Upsert records a put or tombstone. An entry older than the one already
// held for the key is ignored, so replaying the WAL in any order converges
// on the same state.
func (mt *Memtable) Upsert(e types.Entry) {
	if prev, ok := mt.underlying.Load(e.Key); ok {
		if prev.SeqN >= e.SeqN {
			return
		}
		mt.underlying.Store(e.Key, e)
		mt.size.Add(e.Size() - prev.Size())
		return
	}

	mt.underlying.Store(e.Key, e)
	mt.size.Add(e.Size())
}

// Get returns the entry currently visible for key. Callers must treat a
// tombstone entry as a miss.
func (mt *Memtable) Get(key types.Key) (types.Entry, bool) {
	return mt.underlying.Load(key)
}

// ApproximateSize reports the byte footprint used to trigger a flush.
func (mt *Memtable) ApproximateSize() int64 {
	return mt.size.Load()
}

func (mt *Memtable) Len() int {
	return mt.underlying.Len()
}

// Sorted snapshots all entries in ascending key order. Flush and scans
// operate on the returned slice, never on the live map.
func (mt *Memtable) Sorted() []types.Entry {
	result := make([]types.Entry, 0, mt.underlying.Len())
	mt.underlying.Range(func(_ []byte, e types.Entry) bool {
		result = append(result, e)
		return true
	})
	return result
}
