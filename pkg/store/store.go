// Package store is the storage engine: it owns the write path through the
// WAL and memtable, the read path across memtables and segment tiers, and
// the background flusher and compactor.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipset"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pragmatic-zac/sprucedb/pkg/clock"
	"github.com/pragmatic-zac/sprucedb/pkg/compression"
	"github.com/pragmatic-zac/sprucedb/pkg/config"
	"github.com/pragmatic-zac/sprucedb/pkg/dberrors"
	"github.com/pragmatic-zac/sprucedb/pkg/listener"
	"github.com/pragmatic-zac/sprucedb/pkg/memtable"
	"github.com/pragmatic-zac/sprucedb/pkg/metrics"
	"github.com/pragmatic-zac/sprucedb/pkg/sstable"
	"github.com/pragmatic-zac/sprucedb/pkg/types"
	"github.com/pragmatic-zac/sprucedb/pkg/wal"
)

const (
	walDirName     = "wal"
	segmentDirName = "sstables"
	manifestName   = "MANIFEST"

	flushQueueDepth   = 8
	compactQueueDepth = 16
)

// flushTask is one frozen memtable headed for disk. done, when non nil,
// receives the flush result so Flush can be synchronous.
type flushTask struct {
	mt   *memtable.Memtable
	done chan error
}

// Store is a durable LSM key-value store. All methods are safe for
// concurrent use; writes are serialized internally.
type Store struct {
	cfg     config.Config
	log     *slog.Logger
	metrics metrics.Collector
	codec   compression.Codec

	segmentDir string

	// writeMu serializes Put/Delete so WAL append and memtable apply
	// form one atomic step in sequence-number order.
	writeMu sync.Mutex

	// mu guards the registry below. Held only for pointer swaps, never
	// across IO.
	mu      sync.RWMutex
	mt      *memtable.Memtable
	frozen  []*memtable.Memtable
	tiers   [][]*sstable.SSTable
	retired []*sstable.SSTable

	wal      *wal.WAL
	manifest *sstable.Manifest

	seq   *clock.AtomicClock
	segID *clock.AtomicClock

	flushCh chan flushTask
	flusher *listener.Listener[flushTask]

	compactCh  chan int
	compactor  *listener.Listener[int]
	compacting map[int]bool

	compactions *errgroup.Group
	limiter     *rate.Limiter
	obsolete    *skipset.Uint64Set

	closed atomic.Bool
}

// Option tweaks a Store at Open time.
type Option func(*Store)

// WithLogger replaces the default slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMetrics replaces the default no-op collector.
func WithMetrics(c metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// Open recovers a store from cfg.Storage.DataDir, creating it when absent:
// the manifest names the live segments, the sequence clock is seeded from
// its last flushed marker, and WAL records newer than that marker are
// replayed into a fresh memtable. Opening the same directory after a crash
// converges on the same state.
func Open(cfg config.Config, opts ...Option) (*Store, error) {
	cfg.FillDefaults()

	codec, err := compression.ByName(cfg.Storage.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	s := &Store{
		cfg:        cfg,
		log:        slog.Default(),
		metrics:    metrics.Nop,
		codec:      codec,
		segmentDir: filepath.Join(cfg.Storage.DataDir, segmentDirName),
		mt:         memtable.New(),
		compacting: make(map[int]bool),
		obsolete:   skipset.NewUint64(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(s.segmentDir, 0750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	if err := s.recover(); err != nil {
		return nil, err
	}

	s.flushCh = make(chan flushTask, flushQueueDepth)
	s.flusher = listener.New("flusher", s.flushCh, s.handleFlush)
	s.flusher.Start(context.Background())

	s.compactCh = make(chan int, compactQueueDepth)
	s.compactor = listener.New("compactor", s.compactCh, s.scheduleCompaction)
	s.compactor.Start(context.Background())

	s.compactions = new(errgroup.Group)
	s.compactions.SetLimit(cfg.Compaction.MaxConcurrent)
	if cfg.Compaction.RateLimitBytes > 0 {
		s.limiter = rate.NewLimiter(
			rate.Limit(cfg.Compaction.RateLimitBytes), cfg.Compaction.RateLimitBytes)
	}

	// recovery may have left full tiers behind
	s.mu.RLock()
	tierCount := len(s.tiers)
	s.mu.RUnlock()
	for tier := 0; tier < tierCount; tier++ {
		s.maybeCompact(tier)
	}

	s.log.Info("store opened",
		"dir", cfg.Storage.DataDir,
		"segments", s.segmentCount(),
		"last_seq", s.seq.Val(),
	)
	return s, nil
}

func (s *Store) recover() error {
	manifest, err := sstable.OpenManifest(
		filepath.Join(s.cfg.Storage.DataDir, manifestName))
	if err != nil {
		return err
	}
	s.manifest = manifest
	state := manifest.State()

	infos := append([]sstable.SegmentInfo(nil), state.Segments...)
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Tier != infos[j].Tier {
			return infos[i].Tier < infos[j].Tier
		}
		return infos[i].ID < infos[j].ID
	})

	lastSegID := state.LastSegmentID
	for _, info := range infos {
		table, err := sstable.Open(info.ID, filepath.Join(s.segmentDir, info.File))
		if err != nil {
			s.releaseTables()
			return fmt.Errorf("recover segment %d: %w", info.ID, err)
		}
		for len(s.tiers) <= info.Tier {
			s.tiers = append(s.tiers, nil)
		}
		s.tiers[info.Tier] = append(s.tiers[info.Tier], table)
		if info.ID > lastSegID {
			lastSegID = info.ID
		}
	}
	s.segID = clock.NewAtomic(lastSegID)
	s.seq = clock.NewAtomic(state.LastFlushedSeq)

	s.sweepOrphans(infos)

	s.wal, err = wal.Open(filepath.Join(s.cfg.Storage.DataDir, walDirName))
	if err != nil {
		s.releaseTables()
		return err
	}

	replayed := 0
	err = s.wal.Replay(state.LastFlushedSeq, func(e wal.Entry) error {
		s.mt.Upsert(types.Entry{
			Key:       e.Key,
			Value:     e.Value,
			SeqN:      e.SeqN,
			Tombstone: e.Op == wal.OpDelete,
		})
		s.seq.Set(e.SeqN)
		replayed++
		return nil
	})
	if err != nil {
		_ = s.wal.Close()
		s.releaseTables()
		return fmt.Errorf("wal replay: %w", err)
	}
	if replayed > 0 {
		s.log.Info("replayed wal", "entries", replayed, "last_seq", s.seq.Val())
	}
	return nil
}

// sweepOrphans removes segment files the manifest does not name: leftovers
// of a crash between a segment rename and its manifest commit, or an
// abandoned .tmp from a crash mid-write. The manifest is the only source
// of truth, so such files can never become visible again.
func (s *Store) sweepOrphans(live []sstable.SegmentInfo) {
	named := make(map[string]bool, len(live))
	for _, info := range live {
		named[info.File] = true
	}

	entries, err := os.ReadDir(s.segmentDir)
	if err != nil {
		s.log.Warn("orphan sweep skipped", "error", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || named[name] {
			continue
		}
		if !strings.HasSuffix(name, ".sst") && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(s.segmentDir, name)); err != nil {
			s.log.Warn("failed to remove orphan segment file", "file", name, "error", err)
			continue
		}
		s.log.Info("removed orphan segment file", "file", name)
	}
}

// Put stores value under key. It returns once the write is durable in the
// WAL and visible in the memtable.
func (s *Store) Put(key types.Key, value types.Value) error {
	if err := s.apply(key, value, wal.OpPut); err != nil {
		return err
	}
	s.metrics.Inc(metrics.Puts, 1)
	return nil
}

// Delete records a tombstone for key. Deleting an absent key is not an
// error; the marker simply shadows nothing.
func (s *Store) Delete(key types.Key) error {
	if err := s.apply(key, nil, wal.OpDelete); err != nil {
		return err
	}
	s.metrics.Inc(metrics.Deletes, 1)
	return nil
}

func (s *Store) apply(key types.Key, value types.Value, op wal.Op) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	// copy before anything retains the caller's slices
	key = append([]byte(nil), key...)
	if value != nil {
		value = append([]byte(nil), value...)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	seqN := s.seq.Next()
	if err := s.wal.Append(wal.Entry{SeqN: seqN, Op: op, Key: key, Value: value}); err != nil {
		return err
	}

	s.mt.Upsert(types.Entry{
		Key:       key,
		Value:     value,
		SeqN:      seqN,
		Tombstone: op == wal.OpDelete,
	})

	if s.mt.ApproximateSize() >= s.cfg.Storage.MemtableFlushBytes {
		return s.rotateMemtable(nil)
	}
	return nil
}

// rotateMemtable freezes the active memtable, swaps in a fresh one,
// rotates the WAL so the sealed file covers exactly the frozen contents,
// and hands the frozen table to the flusher. Caller holds writeMu.
func (s *Store) rotateMemtable(done chan error) error {
	if s.mt.Len() == 0 {
		if done != nil {
			done <- nil
		}
		return nil
	}

	s.mu.Lock()
	old := s.mt
	s.mt = memtable.New()
	s.frozen = append(s.frozen, old)
	s.mu.Unlock()

	if err := s.wal.Rotate(); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}
	s.metrics.Inc(metrics.WALRotations, 1)

	s.flushCh <- flushTask{mt: old, done: done}
	return nil
}

// Get returns the newest value for key. A tombstone or an absent key both
// report found=false.
func (s *Store) Get(key types.Key) (types.Value, bool, error) {
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}
	if len(key) == 0 {
		return nil, false, fmt.Errorf("empty key: %w", dberrors.ErrInvalidArgument)
	}
	s.metrics.Inc(metrics.Gets, 1)

	s.mu.RLock()
	mt := s.mt
	frozen := append([]*memtable.Memtable(nil), s.frozen...)
	tables := s.refTablesLocked()
	s.mu.RUnlock()
	defer unrefAll(tables)

	if e, ok := mt.Get(key); ok {
		return s.resolve(e)
	}
	// frozen tables are appended in freeze order, newest last
	for i := len(frozen) - 1; i >= 0; i-- {
		if e, ok := frozen[i].Get(key); ok {
			return s.resolve(e)
		}
	}

	for _, t := range tables {
		if !t.MayContain(key) {
			s.metrics.Inc(metrics.BloomNegatives, 1)
			continue
		}
		e, ok, err := t.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return s.resolve(e)
		}
	}

	s.metrics.Inc(metrics.GetMisses, 1)
	return nil, false, nil
}

func (s *Store) resolve(e types.Entry) (types.Value, bool, error) {
	if e.Tombstone {
		s.metrics.Inc(metrics.GetMisses, 1)
		return nil, false, nil
	}
	return e.Value, true, nil
}

// refTablesLocked flattens the tiers into lookup order, newest data first,
// taking one reference per table. Caller holds mu.
func (s *Store) refTablesLocked() []*sstable.SSTable {
	var tables []*sstable.SSTable
	for _, tier := range s.tiers {
		// within a tier, later segments hold newer data
		for i := len(tier) - 1; i >= 0; i-- {
			tier[i].Ref()
			tables = append(tables, tier[i])
		}
	}
	return tables
}

func unrefAll(tables []*sstable.SSTable) {
	for _, t := range tables {
		t.Unref()
	}
}

// Flush forces the current memtable contents into a segment and waits for
// the result. A no-op on an empty memtable.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	done := make(chan error, 1)

	s.writeMu.Lock()
	err := s.rotateMemtable(done)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	return <-done
}

// Metrics exposes the collector the store records into.
func (s *Store) Metrics() metrics.Collector {
	return s.metrics
}

// ObsoleteSegmentIDs lists segments superseded by compaction whose files
// have not been reclaimed yet because in-flight readers still pin them.
func (s *Store) ObsoleteSegmentIDs() []uint64 {
	ids := make([]uint64, 0, s.obsolete.Len())
	s.obsolete.Range(func(id uint64) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

func (s *Store) segmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, tier := range s.tiers {
		n += len(tier)
	}
	return n
}

// Close flushes outstanding memtable contents, waits for background work,
// and releases every file handle. The store is unusable afterwards; a
// second Close is a no-op.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	// wait out any in-flight write, and block the rest via the closed flag
	s.writeMu.Lock()
	finalErr := s.rotateMemtable(nil)
	s.writeMu.Unlock()
	if finalErr != nil {
		s.log.Error("final flush enqueue failed", "error", finalErr)
	}

	// Stop drains queued tasks before returning, so every frozen
	// memtable reaches disk
	s.flusher.Stop()
	s.compactor.Stop()
	if err := s.compactions.Wait(); err != nil {
		s.log.Error("compaction failed during shutdown", "error", err)
	}
	s.sweepRetired()

	errs := []error{finalErr}
	errs = append(errs, s.wal.Close())

	s.mu.Lock()
	for _, tier := range s.tiers {
		for _, t := range tier {
			errs = append(errs, t.Close())
		}
	}
	s.tiers = nil
	leaked := len(s.retired)
	s.mu.Unlock()

	if leaked > 0 {
		s.log.Warn("segments still referenced at close",
			"count", leaked, "ids", s.ObsoleteSegmentIDs())
	}

	s.log.Info("store closed", "dir", s.cfg.Storage.DataDir)
	return errors.Join(errs...)
}

func (s *Store) releaseTables() {
	for _, tier := range s.tiers {
		for _, t := range tier {
			_ = t.Close()
		}
	}
	s.tiers = nil
}
