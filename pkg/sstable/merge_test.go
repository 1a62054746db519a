package sstable

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

func mergeTables(t *testing.T, tables []*SSTable, dropTombstones bool) []types.Entry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "merged.sst")

	w, err := NewWriter(path, WriterOptions{BlockSize: 256})
	require.NoError(t, err)

	m := NewMerger(tables, dropTombstones, nil)
	require.NoError(t, m.WriteTo(w))
	_, err = w.Finish()
	require.NoError(t, err)

	out, err := Open(99, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = out.Close() })

	var got []types.Entry
	it := out.NewIterator()
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		got = append(got, it.Entry())
	}
	require.NoError(t, it.Err())
	return got
}

func TestMerger_NewestEntryWinsPerKey(t *testing.T) {
	older := buildSegment(t, 1, []types.Entry{
		{Key: []byte("a"), Value: []byte("a-old"), SeqN: 1},
		{Key: []byte("b"), Value: []byte("b-old"), SeqN: 2},
		{Key: []byte("c"), Value: []byte("c-only"), SeqN: 3},
	}, WriterOptions{})
	newer := buildSegment(t, 2, []types.Entry{
		{Key: []byte("a"), Value: []byte("a-new"), SeqN: 10},
		{Key: []byte("d"), Value: []byte("d-only"), SeqN: 11},
	}, WriterOptions{})

	// inputs ordered newest first
	got := mergeTables(t, []*SSTable{newer, older}, false)

	require.Len(t, got, 4)
	require.Equal(t, []byte("a"), got[0].Key)
	require.Equal(t, []byte("a-new"), got[0].Value)
	require.Equal(t, uint64(10), got[0].SeqN)
	require.Equal(t, []byte("b-old"), got[1].Value)
	require.Equal(t, []byte("c-only"), got[2].Value)
	require.Equal(t, []byte("d-only"), got[3].Value)
}

func TestMerger_TombstonesKeptWhenOlderDataMayExist(t *testing.T) {
	older := buildSegment(t, 1, []types.Entry{
		{Key: []byte("a"), Value: []byte("1"), SeqN: 1},
	}, WriterOptions{})
	newer := buildSegment(t, 2, []types.Entry{
		{Key: []byte("a"), SeqN: 5, Tombstone: true},
	}, WriterOptions{})

	got := mergeTables(t, []*SSTable{newer, older}, false)
	require.Len(t, got, 1)
	require.True(t, got[0].Tombstone)
	require.Equal(t, uint64(5), got[0].SeqN)
}

func TestMerger_TombstonesDroppedAtOldestTier(t *testing.T) {
	older := buildSegment(t, 1, []types.Entry{
		{Key: []byte("a"), Value: []byte("1"), SeqN: 1},
		{Key: []byte("b"), Value: []byte("2"), SeqN: 2},
	}, WriterOptions{})
	newer := buildSegment(t, 2, []types.Entry{
		{Key: []byte("a"), SeqN: 5, Tombstone: true},
	}, WriterOptions{})

	got := mergeTables(t, []*SSTable{newer, older}, true)
	require.Len(t, got, 1)
	require.Equal(t, []byte("b"), got[0].Key)
}

func TestMerger_ManyInputsStayOrdered(t *testing.T) {
	var tables []*SSTable
	// four generations, each overwriting every third key of the previous
	for gen := 3; gen >= 0; gen-- {
		var entries []types.Entry
		for i := gen; i < 120; i += 3 {
			entries = append(entries, types.Entry{
				Key:   []byte(fmt.Sprintf("key-%03d", i)),
				Value: []byte(fmt.Sprintf("gen-%d", gen)),
				SeqN:  uint64(gen*1000 + i),
			})
		}
		tables = append(tables, buildSegment(t, uint64(10+gen), entries, WriterOptions{BlockSize: 128}))
	}

	got := mergeTables(t, tables, false)

	for i := 1; i < len(got); i++ {
		require.Less(t, string(got[i-1].Key), string(got[i].Key))
	}
	// every key resolved to its newest generation
	for _, e := range got {
		var i int
		_, err := fmt.Sscanf(string(e.Key), "key-%d", &i)
		require.NoError(t, err)
		wantGen := 3
		for ; wantGen >= 0; wantGen-- {
			if i >= wantGen && (i-wantGen)%3 == 0 {
				break
			}
		}
		require.Equal(t, fmt.Sprintf("gen-%d", wantGen), string(e.Value))
	}
}

func TestMerger_PaceSeesEveryWrittenByte(t *testing.T) {
	table := buildSegment(t, 1, sequentialEntries(50), WriterOptions{BlockSize: 256})

	var paced int
	path := filepath.Join(t.TempDir(), "merged.sst")
	w, err := NewWriter(path, WriterOptions{})
	require.NoError(t, err)

	m := NewMerger([]*SSTable{table}, false, func(n int) { paced += n })
	require.NoError(t, m.WriteTo(w))
	_, err = w.Finish()
	require.NoError(t, err)

	var want int
	for _, e := range sequentialEntries(50) {
		want += int(e.Size())
	}
	require.Equal(t, want, paced)
}
