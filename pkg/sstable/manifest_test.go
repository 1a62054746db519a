package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManifest_StartsEmpty(t *testing.T) {
	m, err := OpenManifest(filepath.Join(t.TempDir(), "MANIFEST"))
	require.NoError(t, err)

	state := m.State()
	require.Zero(t, state.LastSegmentID)
	require.Zero(t, state.LastFlushedSeq)
	require.Empty(t, state.Segments)
}

func TestManifest_CommitLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := OpenManifest(path)
	require.NoError(t, err)

	require.NoError(t, m.Commit(Edit{
		Added: []SegmentInfo{
			{ID: 1, File: "seg-000001.sst", Tier: 0, Size: 1024, Entries: 10},
			{ID: 2, File: "seg-000002.sst", Tier: 0, Size: 2048, Entries: 20},
		},
		LastFlushedSeq: 30,
		LastSegmentID:  2,
	}))

	reopened, err := OpenManifest(path)
	require.NoError(t, err)

	state := reopened.State()
	require.Equal(t, uint64(2), state.LastSegmentID)
	require.Equal(t, uint64(30), state.LastFlushedSeq)
	require.Len(t, state.Segments, 2)
	require.Equal(t, "seg-000001.sst", state.Segments[0].File)
}

func TestManifest_CompactionEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "MANIFEST")
	m, err := OpenManifest(path)
	require.NoError(t, err)

	require.NoError(t, m.Commit(Edit{
		Added: []SegmentInfo{
			{ID: 1, File: "seg-000001.sst", Tier: 0},
			{ID: 2, File: "seg-000002.sst", Tier: 0},
		},
		LastFlushedSeq: 10,
		LastSegmentID:  2,
	}))
	require.NoError(t, m.Commit(Edit{
		Added:         []SegmentInfo{{ID: 3, File: "seg-000003.sst", Tier: 1}},
		RemovedIDs:    []uint64{1, 2},
		LastSegmentID: 3,
	}))

	state := m.State()
	require.Len(t, state.Segments, 1)
	require.Equal(t, uint64(3), state.Segments[0].ID)
	require.Equal(t, 1, state.Segments[0].Tier)
	// counters never move backwards
	require.Equal(t, uint64(10), state.LastFlushedSeq)
	require.Equal(t, uint64(3), state.LastSegmentID)
}

func TestManifest_StateIsACopy(t *testing.T) {
	m, err := OpenManifest(filepath.Join(t.TempDir(), "MANIFEST"))
	require.NoError(t, err)

	require.NoError(t, m.Commit(Edit{
		Added:         []SegmentInfo{{ID: 1, File: "seg-000001.sst"}},
		LastSegmentID: 1,
	}))

	state := m.State()
	state.Segments[0].ID = 99

	require.Equal(t, uint64(1), m.State().Segments[0].ID)
}

func TestManifest_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	m, err := OpenManifest(filepath.Join(dir, "MANIFEST"))
	require.NoError(t, err)

	require.NoError(t, m.Commit(Edit{LastFlushedSeq: 1}))
	require.NoError(t, m.Commit(Edit{LastFlushedSeq: 2}))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "MANIFEST", files[0].Name())
}
