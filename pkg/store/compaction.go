package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"github.com/pragmatic-zac/sprucedb/pkg/metrics"
	"github.com/pragmatic-zac/sprucedb/pkg/sstable"
)

const compactionBackoffBase = 50 * time.Millisecond

// maybeCompact enqueues a compaction check for tier. A full channel is
// fine to skip: the next flush into the tier re-triggers it.
func (s *Store) maybeCompact(tier int) {
	s.mu.RLock()
	full := tier < len(s.tiers) && len(s.tiers[tier]) >= s.cfg.Compaction.Fanout
	s.mu.RUnlock()
	if !full {
		return
	}

	select {
	case s.compactCh <- tier:
	default:
	}
}

// scheduleCompaction is the compactor listener handler. The errgroup
// bounds how many tier merges run at once; Go blocks at the limit, which
// backpressures the trigger channel rather than the write path.
func (s *Store) scheduleCompaction(tier int) error {
	s.compactions.Go(func() error {
		s.compactWithRetry(tier)
		return nil
	})
	return nil
}

func (s *Store) compactWithRetry(tier int) {
	for attempt := 0; ; attempt++ {
		err := s.compactTier(tier)
		if err == nil {
			return
		}
		if attempt >= s.cfg.Compaction.MaxRetries {
			s.log.Error("compaction abandoned",
				"tier", tier, "attempts", attempt+1, "error", err)
			return
		}

		s.metrics.Inc(metrics.CompactionRetries, 1)
		backoff := compactionBackoffBase << attempt
		backoff += time.Duration(fastrand.Int63n(int64(backoff)))
		s.log.Warn("compaction failed, retrying",
			"tier", tier, "attempt", attempt+1, "backoff", backoff, "error", err)
		time.Sleep(backoff)
	}
}

// compactTier merges every segment currently in tier into one segment in
// tier+1. Inputs stay visible to readers until the manifest commit; the
// files themselves linger until the last in-flight reader lets go.
func (s *Store) compactTier(tier int) error {
	s.mu.Lock()
	if s.compacting[tier] ||
		tier >= len(s.tiers) || len(s.tiers[tier]) < s.cfg.Compaction.Fanout {
		s.mu.Unlock()
		return nil
	}
	s.compacting[tier] = true
	inputs := append([]*sstable.SSTable(nil), s.tiers[tier]...)
	for _, t := range inputs {
		t.Ref()
	}
	dropTombstones := s.oldestDataLocked(tier)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.compacting, tier)
		s.mu.Unlock()
		unrefAll(inputs)
	}()

	// merge inputs newest first so key ties resolve to the newest entry
	newestFirst := make([]*sstable.SSTable, 0, len(inputs))
	var expected int
	for i := len(inputs) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, inputs[i])
		expected += int(inputs[i].EntryCount())
	}

	id := s.segID.Next()
	path := filepath.Join(s.segmentDir, segmentFileName(id))
	w, err := sstable.NewWriter(path, sstable.WriterOptions{
		Codec:        s.codec,
		BlockSize:    s.cfg.Storage.BlockSizeBytes,
		ExpectedKeys: expected,
		BloomFPRate:  s.cfg.Storage.BloomFPRate,
	})
	if err != nil {
		return err
	}

	merger := sstable.NewMerger(newestFirst, dropTombstones, s.pace)
	if err := merger.WriteTo(w); err != nil {
		_ = w.Discard()
		return fmt.Errorf("merge tier %d: %w", tier, err)
	}

	removedIDs := make([]uint64, len(inputs))
	for i, t := range inputs {
		removedIDs[i] = t.ID()
	}

	// every entry was a shadowed duplicate or a dropped tombstone
	if w.EntryCount() == 0 {
		_ = w.Discard()
		if err := s.manifest.Commit(sstable.Edit{RemovedIDs: removedIDs}); err != nil {
			return fmt.Errorf("commit empty compaction of tier %d: %w", tier, err)
		}
		s.retireInputs(tier, inputs, nil)
		s.finishCompaction(tier, 0, 0)
		return nil
	}

	size, err := w.Finish()
	if err != nil {
		_ = w.Discard()
		return fmt.Errorf("finish compacted segment %d: %w", id, err)
	}
	out, err := sstable.Open(id, path)
	if err != nil {
		return fmt.Errorf("reopen compacted segment %d: %w", id, err)
	}

	err = s.manifest.Commit(sstable.Edit{
		Added: []sstable.SegmentInfo{{
			ID:      id,
			File:    segmentFileName(id),
			Tier:    tier + 1,
			Size:    size,
			Entries: out.EntryCount(),
		}},
		RemovedIDs:    removedIDs,
		LastSegmentID: id,
	})
	if err != nil {
		out.MarkObsolete()
		out.Unref()
		return fmt.Errorf("commit compaction of tier %d: %w", tier, err)
	}

	s.retireInputs(tier, inputs, out)
	s.finishCompaction(tier, id, size)
	return nil
}

// retireInputs swaps the registry: the inputs leave their tier, out (when
// non nil) joins the next one, and the inputs begin their refcount drain.
func (s *Store) retireInputs(tier int, inputs []*sstable.SSTable, out *sstable.SSTable) {
	retired := make(map[uint64]bool, len(inputs))
	for _, t := range inputs {
		retired[t.ID()] = true
	}

	s.mu.Lock()
	kept := s.tiers[tier][:0]
	for _, t := range s.tiers[tier] {
		if !retired[t.ID()] {
			kept = append(kept, t)
		}
	}
	s.tiers[tier] = kept

	if out != nil {
		for len(s.tiers) <= tier+1 {
			s.tiers = append(s.tiers, nil)
		}
		s.tiers[tier+1] = append(s.tiers[tier+1], out)
	}
	s.retired = append(s.retired, inputs...)
	s.mu.Unlock()

	for _, t := range inputs {
		s.obsolete.Add(t.ID())
		t.MarkObsolete()
		t.Unref() // the registry's owner reference
	}
}

func (s *Store) finishCompaction(tier int, outID uint64, outSize int64) {
	s.metrics.Inc(metrics.Compactions, 1)
	s.log.Info("compacted tier",
		"tier", tier, "output_segment", outID, "output_bytes", outSize)

	s.sweepRetired()
	s.maybeCompact(tier + 1)
}

// sweepRetired forgets retired segments whose files are gone.
func (s *Store) sweepRetired() {
	s.mu.Lock()
	kept := s.retired[:0]
	for _, t := range s.retired {
		if t.Removed() {
			s.obsolete.Remove(t.ID())
			continue
		}
		kept = append(kept, t)
	}
	s.retired = kept
	s.mu.Unlock()
}

// oldestDataLocked reports whether tier is the oldest non-empty tier, in
// which case compaction may drop tombstones for good. Caller holds mu.
func (s *Store) oldestDataLocked(tier int) bool {
	for t := tier + 1; t < len(s.tiers); t++ {
		if len(s.tiers[t]) > 0 {
			return false
		}
	}
	return true
}

// pace throttles compaction writes so foreground IO keeps headroom.
func (s *Store) pace(n int) {
	if s.limiter == nil {
		return
	}
	if n > s.limiter.Burst() {
		n = s.limiter.Burst()
	}
	_ = s.limiter.WaitN(context.Background(), n)
}
