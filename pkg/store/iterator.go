package store

import (
	"bytes"
	"container/heap"
	"sort"
	"sync"

	"github.com/pragmatic-zac/sprucedb/pkg/dberrors"
	"github.com/pragmatic-zac/sprucedb/pkg/memtable"
	"github.com/pragmatic-zac/sprucedb/pkg/sstable"
	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

// Scan returns an iterator over keys in [start, end), merged across the
// memtable, frozen memtables and every live segment. nil start means the
// beginning, nil end means no upper bound. The iterator pins the segments
// it reads; Close releases them and is safe on early exit.
func (s *Store) Scan(start, end types.Key) (*Iterator, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if start != nil && end != nil && bytes.Compare(start, end) >= 0 {
		return &Iterator{}, nil
	}

	s.mu.RLock()
	cursors := []cursor{newMemCursor(s.mt, start)}
	for _, f := range s.frozen {
		cursors = append(cursors, newMemCursor(f, start))
	}
	for _, tier := range s.tiers {
		for _, t := range tier {
			cursors = append(cursors, newSegCursor(t, start))
		}
	}
	s.mu.RUnlock()

	it := &Iterator{end: end}
	for _, c := range cursors {
		if err := c.err(); err != nil {
			closeCursors(cursors)
			return nil, err
		}
		if c.valid() {
			it.h = append(it.h, c)
		} else {
			_ = c.release()
		}
	}
	heap.Init(&it.h)
	return it, nil
}

// Iterator yields live entries in ascending key order, one per key,
// tombstones suppressed.
type Iterator struct {
	h       cursorHeap
	end     types.Key
	cur     types.Entry
	started bool
	failed  error
	done    sync.Once
}

// Next advances to the next live entry. It returns false at the end of the
// range or on error; check Err afterwards.
func (it *Iterator) Next() bool {
	var lastKey types.Key
	if it.started {
		lastKey = it.cur.Key
	}
	it.started = true

	for len(it.h) > 0 {
		c := it.h[0]
		e := c.entry()

		c.advance()
		if err := c.err(); err != nil {
			it.fail(err)
			return false
		}
		if c.valid() {
			heap.Fix(&it.h, 0)
		} else {
			heap.Pop(&it.h)
			_ = c.release()
		}

		if it.end != nil && bytes.Compare(e.Key, it.end) >= 0 {
			// cursors are ordered, nothing in range remains
			it.drain()
			return false
		}
		// the first entry per key carries the highest sequence number
		if lastKey != nil && bytes.Equal(lastKey, e.Key) {
			continue
		}
		lastKey = e.Key
		if e.Tombstone {
			continue
		}

		it.cur = e
		return true
	}
	return false
}

func (it *Iterator) Key() types.Key     { return it.cur.Key }
func (it *Iterator) Value() types.Value { return it.cur.Value }

// Err reports the first failure encountered while iterating.
func (it *Iterator) Err() error { return it.failed }

// Close releases every pinned segment. Idempotent.
func (it *Iterator) Close() error {
	it.done.Do(it.drain)
	return it.failed
}

func (it *Iterator) fail(err error) {
	if it.failed == nil {
		it.failed = err
	}
	it.drain()
}

func (it *Iterator) drain() {
	for _, c := range it.h {
		_ = c.release()
	}
	it.h = nil
}

// cursor is one ordered source feeding the merge heap.
type cursor interface {
	valid() bool
	entry() types.Entry
	advance()
	err() error
	release() error
}

type cursorHeap []cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	a, b := h[i].entry(), h[j].entry()
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return a.SeqN > b.SeqN
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

func closeCursors(cursors []cursor) {
	for _, c := range cursors {
		_ = c.release()
	}
}

// memCursor walks a point-in-time snapshot of one memtable.
type memCursor struct {
	items []types.Entry
	pos   int
}

func newMemCursor(mt *memtable.Memtable, start types.Key) *memCursor {
	items := mt.Sorted()
	pos := 0
	if start != nil {
		pos = sort.Search(len(items), func(i int) bool {
			return bytes.Compare(items[i].Key, start) >= 0
		})
	}
	return &memCursor{items: items, pos: pos}
}

func (c *memCursor) valid() bool        { return c.pos < len(c.items) }
func (c *memCursor) entry() types.Entry { return c.items[c.pos] }
func (c *memCursor) advance()           { c.pos++ }
func (c *memCursor) err() error         { return nil }
func (c *memCursor) release() error     { return nil }

// segCursor walks one segment, holding its reference until released.
type segCursor struct {
	it *sstable.Iterator
}

func newSegCursor(t *sstable.SSTable, start types.Key) *segCursor {
	it := t.NewIterator()
	if start != nil {
		it.Seek(start)
	} else {
		it.First()
	}
	return &segCursor{it: it}
}

func (c *segCursor) valid() bool        { return c.it.Valid() }
func (c *segCursor) entry() types.Entry { return c.it.Entry() }
func (c *segCursor) advance()           { c.it.Next() }
func (c *segCursor) err() error         { return c.it.Err() }
func (c *segCursor) release() error     { return c.it.Close() }
