package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

func TestMemtable_LastWriterWins(t *testing.T) {
	mt := New()

	mt.Upsert(types.Entry{Key: []byte("a"), Value: []byte("old"), SeqN: 1})
	mt.Upsert(types.Entry{Key: []byte("a"), Value: []byte("new"), SeqN: 2})

	e, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("new"), e.Value)
	require.Equal(t, uint64(2), e.SeqN)
	require.Equal(t, 1, mt.Len())
}

func TestMemtable_StaleUpsertIgnored(t *testing.T) {
	mt := New()

	mt.Upsert(types.Entry{Key: []byte("a"), Value: []byte("new"), SeqN: 5})
	mt.Upsert(types.Entry{Key: []byte("a"), Value: []byte("old"), SeqN: 3})

	e, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("new"), e.Value)
	require.Equal(t, uint64(5), e.SeqN)
}

func TestMemtable_TombstoneShadowsValue(t *testing.T) {
	mt := New()

	mt.Upsert(types.Entry{Key: []byte("a"), Value: []byte("1"), SeqN: 1})
	mt.Upsert(types.Entry{Key: []byte("a"), SeqN: 2, Tombstone: true})

	e, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	require.True(t, e.Tombstone)
}

func TestMemtable_SortedSnapshot(t *testing.T) {
	mt := New()
	keys := []string{"pear", "apple", "zebra", "fig", "banana"}
	for i, k := range keys {
		mt.Upsert(types.Entry{Key: []byte(k), Value: []byte("v"), SeqN: uint64(i + 1)})
	}

	items := mt.Sorted()
	require.Len(t, items, len(keys))
	for i := 1; i < len(items); i++ {
		require.Less(t, string(items[i-1].Key), string(items[i].Key))
	}
}

func TestMemtable_SizeAccounting(t *testing.T) {
	mt := New()
	require.Zero(t, mt.ApproximateSize())

	mt.Upsert(types.Entry{Key: []byte("key"), Value: []byte("value"), SeqN: 1})
	first := mt.ApproximateSize()
	require.Positive(t, first)

	// overwriting with a bigger value grows the footprint, not doubles it
	mt.Upsert(types.Entry{Key: []byte("key"), Value: []byte("a longer value"), SeqN: 2})
	second := mt.ApproximateSize()
	require.Greater(t, second, first)
	require.Less(t, second, 2*first)

	for i := 0; i < 100; i++ {
		mt.Upsert(types.Entry{
			Key:   []byte(fmt.Sprintf("key-%03d", i)),
			Value: []byte("payload"),
			SeqN:  uint64(10 + i),
		})
	}
	require.Equal(t, 101, mt.Len())
	require.Greater(t, mt.ApproximateSize(), second)
}
