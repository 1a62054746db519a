package sstable

import (
	"bytes"
	"container/heap"
	"fmt"
)

// Merger streams the union of several segments in key order, keeping only
// the newest entry per key. Inputs must be ordered newest first so that
// ties on key resolve to the highest sequence number.
type Merger struct {
	tables         []*SSTable
	dropTombstones bool
	pace           func(n int)
}

// NewMerger prepares a merge over tables. When dropTombstones is set,
// deletion markers are omitted from the output; that is only safe when no
// older segment outside this merge may still hold the key. pace, if non
// nil, is called with each entry's byte size before it is written.
func NewMerger(tables []*SSTable, dropTombstones bool, pace func(n int)) *Merger {
	return &Merger{tables: tables, dropTombstones: dropTombstones, pace: pace}
}

// WriteTo drains the merge into w. The caller still owns w and must call
// Finish or Discard on it.
func (m *Merger) WriteTo(w *Writer) error {
	h := make(mergeHeap, 0, len(m.tables))
	defer func() {
		for _, c := range h {
			_ = c.it.Close()
		}
	}()

	for rank, t := range m.tables {
		it := t.NewIterator()
		it.First()
		if err := it.Err(); err != nil {
			_ = it.Close()
			return fmt.Errorf("merge input %d: %w", t.ID(), err)
		}
		if !it.Valid() {
			_ = it.Close()
			continue
		}
		h = append(h, &mergeCursor{it: it, rank: rank})
	}
	heap.Init(&h)

	var lastKey []byte
	for len(h) > 0 {
		c := h[0]
		e := c.it.Entry()

		c.it.Next()
		if err := c.it.Err(); err != nil {
			return fmt.Errorf("merge advance: %w", err)
		}
		if c.it.Valid() {
			heap.Fix(&h, 0)
		} else {
			_ = c.it.Close()
			heap.Pop(&h)
		}

		// the first occurrence of a key came from the newest input;
		// later ones are shadowed
		if lastKey != nil && bytes.Equal(lastKey, e.Key) {
			continue
		}
		lastKey = append(lastKey[:0], e.Key...)

		if e.Tombstone && m.dropTombstones {
			continue
		}
		if m.pace != nil {
			m.pace(int(e.Size()))
		}
		if err := w.Add(e); err != nil {
			return err
		}
	}
	return nil
}

type mergeCursor struct {
	it   *Iterator
	rank int
}

type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].it.Entry().Key, h[j].it.Entry().Key); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*mergeCursor)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}
