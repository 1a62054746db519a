package sstable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SegmentInfo is the manifest's record of one live segment.
type SegmentInfo struct {
	ID      uint64 `json:"id"`
	File    string `json:"file"`
	Tier    int    `json:"tier"`
	Size    int64  `json:"size"`
	Entries uint32 `json:"entries"`
}

// State is the full persisted manifest: the authoritative list of live
// segments plus the counters recovery needs.
type State struct {
	LastSegmentID  uint64        `json:"last_segment_id"`
	LastFlushedSeq uint64        `json:"last_flushed_seq"`
	Segments       []SegmentInfo `json:"segments"`
}

// Edit is one atomic manifest transition. Flush adds a segment and bumps
// LastFlushedSeq; compaction adds the output and removes the inputs.
type Edit struct {
	Added          []SegmentInfo
	RemovedIDs     []uint64
	LastFlushedSeq uint64
	LastSegmentID  uint64
}

// Manifest persists the segment set as JSON, rewritten whole on every
// commit via tmp-file rename. A segment file not named here does not
// exist as far as recovery is concerned.
type Manifest struct {
	mu    sync.Mutex
	path  string
	state State
}

// OpenManifest loads the manifest at path, or starts empty when the file
// does not exist yet.
func OpenManifest(path string) (*Manifest, error) {
	m := &Manifest{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// State returns a copy safe to read without holding the manifest lock.
func (m *Manifest) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := m.state
	cp.Segments = append([]SegmentInfo(nil), m.state.Segments...)
	return cp
}

// Commit applies the edit and persists the new state before returning.
// The old manifest stays intact until the rename, so a crash during
// commit leaves either the old state or the new one, never a mix.
func (m *Manifest) Commit(edit Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state
	if len(edit.RemovedIDs) > 0 {
		removed := make(map[uint64]bool, len(edit.RemovedIDs))
		for _, id := range edit.RemovedIDs {
			removed[id] = true
		}
		kept := make([]SegmentInfo, 0, len(m.state.Segments))
		for _, seg := range m.state.Segments {
			if !removed[seg.ID] {
				kept = append(kept, seg)
			}
		}
		next.Segments = kept
	} else {
		next.Segments = append([]SegmentInfo(nil), m.state.Segments...)
	}
	next.Segments = append(next.Segments, edit.Added...)

	if edit.LastFlushedSeq > next.LastFlushedSeq {
		next.LastFlushedSeq = edit.LastFlushedSeq
	}
	if edit.LastSegmentID > next.LastSegmentID {
		next.LastSegmentID = edit.LastSegmentID
	}

	if err := m.save(next); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *Manifest) save(state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write manifest: %w", mapDiskErr(err))
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return syncDir(filepath.Dir(m.path))
}
