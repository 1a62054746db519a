package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pragmatic-zac/sprucedb/pkg/compression"
	"github.com/pragmatic-zac/sprucedb/pkg/dberrors"
	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

// buildSegment writes entries (already key-ascending) and opens the result.
func buildSegment(t *testing.T, id uint64, entries []types.Entry, opts WriterOptions) *SSTable {
	t.Helper()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("seg-%06d.sst", id))

	w, err := NewWriter(path, opts)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	table, err := Open(id, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = table.Close() })
	return table
}

func sequentialEntries(n int) []types.Entry {
	entries := make([]types.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, types.Entry{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Value: []byte(fmt.Sprintf("value for key %d", i)),
			SeqN:  uint64(i + 1),
		})
	}
	return entries
}

func TestSSTable_WriteOpenLookup(t *testing.T) {
	entries := sequentialEntries(500)
	entries[42].Tombstone = true
	entries[42].Value = nil

	// small blocks force a multi-block file and a real sparse index
	table := buildSegment(t, 1, entries, WriterOptions{BlockSize: 256})
	require.Equal(t, uint32(500), table.EntryCount())

	for _, want := range []int{0, 1, 250, 498, 499} {
		e, ok, err := table.Get(entries[want].Key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, entries[want].Value, e.Value)
		require.Equal(t, entries[want].SeqN, e.SeqN)
	}

	// tombstones come back marked, the engine decides what they mean
	e, ok, err := table.Get(entries[42].Key)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, e.Tombstone)

	_, ok, err = table.Get([]byte("key-99999"))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = table.Get([]byte("aaa"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSSTable_CompressedRoundTrip(t *testing.T) {
	for _, name := range []string{"zstd", "lz4"} {
		t.Run(name, func(t *testing.T) {
			codec, err := compression.ByName(name)
			require.NoError(t, err)

			entries := sequentialEntries(300)
			table := buildSegment(t, 2, entries, WriterOptions{
				Codec:     codec,
				BlockSize: 512,
			})

			for _, want := range entries {
				e, ok, err := table.Get(want.Key)
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, want.Value, e.Value)
			}
		})
	}
}

func TestWriter_RejectsOutOfOrderKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.sst")
	w, err := NewWriter(path, WriterOptions{})
	require.NoError(t, err)
	defer w.Discard()

	require.NoError(t, w.Add(types.Entry{Key: []byte("b"), Value: []byte("1"), SeqN: 1}))

	err = w.Add(types.Entry{Key: []byte("a"), Value: []byte("2"), SeqN: 2})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	err = w.Add(types.Entry{Key: []byte("b"), Value: []byte("3"), SeqN: 3})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestWriter_DiscardLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.sst")

	w, err := NewWriter(path, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Add(types.Entry{Key: []byte("a"), Value: []byte("1"), SeqN: 1}))
	require.NoError(t, w.Discard())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestSSTable_OpenRejectsCorruptFooter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.sst")
	w, err := NewWriter(path, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Add(types.Entry{Key: []byte("a"), Value: []byte("1"), SeqN: 1}))
	_, err = w.Finish()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF // break the magic
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, err = Open(1, path)
	require.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestSSTable_GetDetectsCorruptBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.sst")
	w, err := NewWriter(path, WriterOptions{BlockSize: 128})
	require.NoError(t, err)
	entries := sequentialEntries(50)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	// flip one byte inside the first data block's payload
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[20] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0600))

	table, err := Open(1, path)
	require.NoError(t, err) // footer, index and bloom are intact
	defer table.Close()

	_, _, err = table.Get(entries[0].Key)
	require.ErrorIs(t, err, dberrors.ErrCorruption)
}

func TestIterator_FullScanInOrder(t *testing.T) {
	entries := sequentialEntries(400)
	table := buildSegment(t, 3, entries, WriterOptions{BlockSize: 256})

	it := table.NewIterator()
	defer it.Close()

	it.First()
	for i := 0; it.Valid(); i++ {
		require.Equal(t, entries[i].Key, it.Entry().Key)
		require.Equal(t, entries[i].Value, it.Entry().Value)
		it.Next()
	}
	require.NoError(t, it.Err())
}

func TestIterator_Seek(t *testing.T) {
	entries := sequentialEntries(400)
	table := buildSegment(t, 4, entries, WriterOptions{BlockSize: 256})

	it := table.NewIterator()
	defer it.Close()

	it.Seek([]byte("key-00123"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("key-00123"), it.Entry().Key)

	// between keys: lands on the next one
	it.Seek([]byte("key-00123x"))
	require.True(t, it.Valid())
	require.Equal(t, []byte("key-00124"), it.Entry().Key)

	// beyond the last key: exhausted
	it.Seek([]byte("zzz"))
	require.False(t, it.Valid())
	require.NoError(t, it.Err())
}

func TestSSTable_ObsoleteFileLingersUntilReadersFinish(t *testing.T) {
	entries := sequentialEntries(100)
	path := filepath.Join(t.TempDir(), "seg.sst")

	w, err := NewWriter(path, WriterOptions{BlockSize: 256})
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Add(e))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	table, err := Open(7, path)
	require.NoError(t, err)

	it := table.NewIterator()
	it.First()

	table.MarkObsolete()
	table.Unref() // owner lets go, iterator still holds a reference
	require.False(t, table.Removed())
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	// the iterator keeps working on the obsolete segment
	count := 0
	for ; it.Valid(); it.Next() {
		count++
	}
	require.Equal(t, len(entries), count)

	require.NoError(t, it.Close())
	require.True(t, table.Removed())
	_, statErr = os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}
