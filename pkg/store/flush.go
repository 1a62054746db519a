package store

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"github.com/pragmatic-zac/sprucedb/pkg/memtable"
	"github.com/pragmatic-zac/sprucedb/pkg/metrics"
	"github.com/pragmatic-zac/sprucedb/pkg/sstable"
	"github.com/pragmatic-zac/sprucedb/pkg/types"
)

func segmentFileName(id uint64) string {
	return fmt.Sprintf("seg-%06d.sst", id)
}

const flushBackoffBase = 50 * time.Millisecond

// handleFlush is the flusher listener handler. Tasks arrive in freeze
// order, so segments land in tier 0 oldest first.
func (s *Store) handleFlush(task flushTask) error {
	err := s.flushWithRetry(task.mt)
	if task.done != nil {
		task.done <- err
	}
	return err
}

// flushWithRetry re-attempts a failed flush with jittered backoff. An
// abandoned flush loses no data: the entries stay durable in the WAL
// (truncation happens only after a successful flush) and readable in the
// frozen memtable, so the next open replays them.
func (s *Store) flushWithRetry(mt *memtable.Memtable) error {
	for attempt := 0; ; attempt++ {
		err := s.flushFrozen(mt)
		if err == nil {
			return nil
		}
		if attempt >= s.cfg.Storage.FlushMaxRetries {
			s.log.Error("flush abandoned, data remains in wal and memory",
				"attempts", attempt+1, "error", err)
			return err
		}

		s.metrics.Inc(metrics.FlushRetries, 1)
		backoff := flushBackoffBase << attempt
		backoff += time.Duration(fastrand.Int63n(int64(backoff)))
		s.log.Warn("flush failed, retrying",
			"attempt", attempt+1, "backoff", backoff, "error", err)
		time.Sleep(backoff)
	}
}

// flushFrozen writes one frozen memtable as a tier-0 segment. The manifest
// commit is the visibility point: before it the segment file is garbage,
// after it the WAL records it covers are redundant and get truncated.
func (s *Store) flushFrozen(mt *memtable.Memtable) error {
	items := mt.Sorted()
	if len(items) == 0 {
		s.dropFrozen(mt)
		return nil
	}

	var maxSeq types.SeqN
	for i := range items {
		if items[i].SeqN > maxSeq {
			maxSeq = items[i].SeqN
		}
	}

	id := s.segID.Next()
	path := filepath.Join(s.segmentDir, segmentFileName(id))

	w, err := sstable.NewWriter(path, sstable.WriterOptions{
		Codec:        s.codec,
		BlockSize:    s.cfg.Storage.BlockSizeBytes,
		ExpectedKeys: len(items),
		BloomFPRate:  s.cfg.Storage.BloomFPRate,
	})
	if err != nil {
		return err
	}
	for _, e := range items {
		if err := w.Add(e); err != nil {
			_ = w.Discard()
			return fmt.Errorf("flush segment %d: %w", id, err)
		}
	}
	size, err := w.Finish()
	if err != nil {
		_ = w.Discard()
		return fmt.Errorf("finish segment %d: %w", id, err)
	}

	table, err := sstable.Open(id, path)
	if err != nil {
		return fmt.Errorf("reopen flushed segment %d: %w", id, err)
	}

	err = s.manifest.Commit(sstable.Edit{
		Added: []sstable.SegmentInfo{{
			ID:      id,
			File:    segmentFileName(id),
			Tier:    0,
			Size:    size,
			Entries: table.EntryCount(),
		}},
		LastFlushedSeq: maxSeq,
		LastSegmentID:  id,
	})
	if err != nil {
		table.MarkObsolete()
		table.Unref()
		return fmt.Errorf("commit segment %d: %w", id, err)
	}

	s.mu.Lock()
	if len(s.tiers) == 0 {
		s.tiers = append(s.tiers, nil)
	}
	s.tiers[0] = append(s.tiers[0], table)
	s.removeFrozenLocked(mt)
	s.mu.Unlock()

	if err := s.wal.Truncate(maxSeq); err != nil {
		// segments already cover the data; stale wal files only cost
		// replay time on the next open
		s.log.Warn("wal truncation failed", "error", err)
	}

	s.metrics.Inc(metrics.Flushes, 1)
	s.log.Info("flushed memtable",
		"segment", id, "entries", len(items), "bytes", size, "max_seq", maxSeq)

	s.maybeCompact(0)
	return nil
}

func (s *Store) dropFrozen(mt *memtable.Memtable) {
	s.mu.Lock()
	s.removeFrozenLocked(mt)
	s.mu.Unlock()
}

func (s *Store) removeFrozenLocked(mt *memtable.Memtable) {
	for i, f := range s.frozen {
		if f == mt {
			s.frozen = append(s.frozen[:i], s.frozen[i+1:]...)
			return
		}
	}
}
