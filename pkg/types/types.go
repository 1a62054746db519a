package types

// Key is a byte slice key, ordered lexicographically.
type Key = []byte

// Value is an opaque byte slice value.
type Value = []byte

// SeqN is a monotonically increasing sequence number that totally orders
// all mutations across the memtable and on-disk segments.
type SeqN = uint64

// Entry is the canonical record flowing between the memtable, the WAL
// replay path and segment files. A tombstone entry carries a nil value.
type Entry struct {
	Key       Key
	Value     Value
	SeqN      SeqN
	Tombstone bool
}

// entry overhead: seq (8) + tombstone flag (1) + two length prefixes (8)
const entryOverhead = 17

// Size reports the approximate byte footprint of the entry, used for
// memtable flush accounting.
func (e *Entry) Size() int64 {
	return int64(len(e.Key)) + int64(len(e.Value)) + entryOverhead
}
