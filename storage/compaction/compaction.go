package compaction

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"guardian/config"
	"guardian/storage"
	"guardian/storage/index"
	"guardian/storage/segment"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/fileutil"
	"go.uber.org/atomic"
)

// Host is the store a Service compacts. The segment manager and index it
// hands out form the current root, which only a Swap replaces.
type Host interface {
	Dir() string
	Root() (*segment.Manager, *index.Index)
	// Exclusive runs fn inside the writer critical section.
	Exclusive(fn func(seg *segment.Manager, idx *index.Index) error) error
	// Swap runs commit inside the writer critical section with readers
	// drained. When commit succeeds the host closes the current root,
	// calls Install and reopens.
	Swap(commit func(seg *segment.Manager, idx *index.Index) error) error
}

const batchSize = 1024

// Service verifies index entries against the segments and rewrites both
// once enough of the index is garbage. One run is in flight at a time.
type Service struct {
	logger  log.Logger
	host    Host
	opts    config.CompactionOptions
	metrics *Metrics

	runMu sync.Mutex

	mu    sync.RWMutex
	state State

	processed *atomic.Uint64
	removed   *atomic.Uint64
	// reclaimed maps keys tombstoned by minor passes since the last major
	// pass to the index log position of that tombstone. Only touched while
	// runMu is held.
	reclaimed map[string]int64

	ctx     context.Context
	cancel  context.CancelFunc
	started *atomic.Bool
	stopc   chan chan struct{}
}

func New(logger log.Logger, host Host, opts config.CompactionOptions, metrics *Metrics) *Service {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		logger:    logger,
		host:      host,
		opts:      opts,
		metrics:   metrics,
		processed: atomic.NewUint64(0),
		removed:   atomic.NewUint64(0),
		reclaimed: map[string]int64{},
		ctx:       ctx,
		cancel:    cancel,
		started:   atomic.NewBool(false),
		stopc:     make(chan chan struct{}),
	}
}

// Start launches the scheduled loop. It is a no-op when the interval is 0
// or the loop is already running.
func (s *Service) Start() {
	if s.opts.Interval <= 0 || !s.started.CompareAndSwap(false, true) {
		return
	}

	go s.run()
}

func (s *Service) run() {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A tick that finds a run in flight is skipped.
			if !s.runMu.TryLock() {
				continue
			}
			if err := s.compact(s.ctx); err != nil {
				level.Error(s.logger).Log("msg", "scheduled compaction failed", "err", err)
			}
			s.runMu.Unlock()
		case donec := <-s.stopc:
			close(donec)
			return
		}
	}
}

// Stop cancels an in-flight run, ends the scheduled loop and waits for both.
func (s *Service) Stop() {
	s.cancel()

	if s.started.CompareAndSwap(true, false) {
		donec := make(chan struct{})
		s.stopc <- donec
		<-donec
	}

	s.runMu.Lock()
	s.runMu.Unlock()
}

// Trigger runs a compaction now, waiting for an in-flight run to finish first.
func (s *Service) Trigger(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.ctx.Err() != nil {
		return storage.E(storage.KindCompact, "compaction.trigger", storage.ErrClosed)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.compact(ctx)
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := s.state
	state.Processed = s.processed.Load()
	state.Removed = s.removed.Load()

	return state
}

func (s *Service) setStatus(status Status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Status = status
	s.state.Reason = reason
	if status == StatusIdle || status == StatusError {
		s.state.LastRun = time.Now()
	}
}

func (s *Service) compact(ctx context.Context) error {
	start := time.Now()
	s.metrics.runs.Inc()

	defer func() {
		s.metrics.duration.Observe(time.Since(start).Seconds())
	}()

	s.setStatus(StatusMinor, "")

	processed, removed, err := s.minor(ctx)
	if err != nil {
		return s.fail(err)
	}

	_, idx, err := s.root("compaction")
	if err != nil {
		return s.fail(err)
	}
	garbage, live := idx.Tombstones(), idx.Len()

	ratio := 0.0
	if garbage+live > 0 {
		ratio = float64(garbage) / float64(garbage+live)
	}

	level.Info(s.logger).Log("msg", "minor compaction finished", "processed", processed, "removed", removed, "ratio", ratio, "threshold", s.opts.Threshold)

	if ratio < s.opts.Threshold {
		s.setStatus(StatusIdle, "")
		return nil
	}

	s.setStatus(StatusMajor, "")

	if err := s.major(ctx); err != nil {
		return s.fail(err)
	}

	s.metrics.majors.Inc()
	s.setStatus(StatusIdle, "")

	level.Info(s.logger).Log("msg", "major compaction committed", "duration", time.Since(start))

	return nil
}

func (s *Service) fail(err error) error {
	s.metrics.failures.Inc()
	s.setStatus(StatusError, err.Error())

	if storage.KindOf(err) == storage.KindUnknown {
		err = storage.E(storage.KindCompact, "compaction", err)
	}

	return err
}

func (s *Service) count(processed, removed uint64, reason string) {
	s.processed.Add(processed)
	s.metrics.processed.Add(float64(processed))

	if removed > 0 {
		s.removed.Add(removed)
		s.metrics.removed.WithLabelValues(reason).Add(float64(removed))
	}
}

func (s *Service) root(op string) (*segment.Manager, *index.Index, error) {
	seg, idx := s.host.Root()
	if seg == nil || idx == nil {
		return nil, nil, storage.Errorf(storage.KindCompact, op, "no root to compact")
	}
	return seg, idx, nil
}

// reclaimable reports whether a read failure means the record is gone, as
// opposed to an environment failure that must abort the pass.
func reclaimable(err error) bool {
	switch storage.KindOf(err) {
	case storage.KindMissing, storage.KindFormat, storage.KindSerialize:
		return true
	default:
		return false
	}
}

// verify reads the payload at loc and checks it decodes.
func verify(seg *segment.Manager, loc storage.Location) ([]byte, error) {
	payload, err := seg.ReadBytes(loc)
	if err != nil {
		return nil, err
	}

	if _, err := seg.Decode(payload); err != nil {
		return nil, err
	}

	return payload, nil
}

// minor tombstones every key whose record can no longer be read. A key that
// was rewritten since the snapshot is left alone.
func (s *Service) minor(ctx context.Context) (processed, removed uint64, err error) {
	seg, idx, err := s.root("compaction.minor")
	if err != nil {
		return 0, 0, err
	}

	for key, loc := range idx.Snapshot().All() {
		if err := ctx.Err(); err != nil {
			return processed, removed, storage.E(storage.KindCompact, "compaction.minor", err)
		}

		processed++
		s.count(1, 0, "")

		_, readErr := verify(seg, loc)
		if readErr == nil {
			continue
		}

		if !reclaimable(readErr) {
			return processed, removed, storage.E(storage.KindCompact, "compaction.minor", errors.Wrapf(readErr, "read %s", loc))
		}

		var (
			ok  bool
			end int64
		)
		if err := s.host.Exclusive(func(_ *segment.Manager, idx *index.Index) (err error) {
			if ok, err = idx.Remove(key, loc); err != nil || !ok {
				return err
			}
			end, _ = idx.TombstoneAt(key)
			return nil
		}); err != nil {
			return processed, removed, storage.E(storage.KindCompact, "compaction.minor", err)
		}

		if ok {
			reason := storage.KindOf(readErr).String()

			level.Warn(s.logger).Log("msg", "reclaiming unreadable record", "key", hex.EncodeToString(key), "location", loc, "reason", reason, "err", readErr)

			removed++
			s.count(0, 1, reason)
			s.reclaimed[string(key)] = end
		}
	}

	return processed, removed, nil
}

// major copies every readable live record into a staging root and commits
// it with a single rename. Writes that land while the copy runs are caught
// up from the index log inside the swap.
func (s *Service) major(ctx context.Context) (err error) {
	const op = "compaction.major"

	base := s.host.Dir()
	staging := filepath.Join(base, StagingDir)
	ready := filepath.Join(base, ReadyDir)

	if _, err := os.Stat(ready); err == nil {
		return storage.Errorf(storage.KindCompact, op, "uninstalled compaction output at %s", ready)
	}

	if err := os.RemoveAll(staging); err != nil {
		return storage.IOError(op, err)
	}

	seg, idx, err := s.root(op)
	if err != nil {
		return err
	}
	snap := idx.Snapshot()

	// Tombstones a minor pass wrote were counted when removed. A key that was
	// revived and deleted again since then carries a newer tombstone.
	tombstoned := uint64(idx.Tombstones())
	for key, end := range s.reclaimed {
		if at, ok := idx.TombstoneAt([]byte(key)); ok && at == end && tombstoned > 0 {
			tombstoned--
		}
	}

	segOpts := seg.Options()
	segOpts.StartID = seg.NextID()
	segOpts.SyncWrites = false

	newSeg, err := segment.Open(s.logger, filepath.Join(staging, SegmentsDir), segOpts, seg.Codec(), nil)
	if err != nil {
		return err
	}

	idxOpts := idx.Options()
	idxOpts.SyncWrites = false

	newIdx, err := index.Open(s.logger, filepath.Join(staging, IndexDir), idxOpts, nil)
	if err != nil {
		newSeg.Close()
		os.RemoveAll(staging)
		return err
	}

	closed := false
	defer func() {
		if !closed {
			newSeg.Close()
			newIdx.Close()
		}
		if err != nil {
			os.RemoveAll(staging)
		}
	}()

	c := &copier{service: s, src: seg, dst: newSeg, idx: newIdx}

	for key, loc := range snap.All() {
		if err := ctx.Err(); err != nil {
			return storage.E(storage.KindCompact, op, err)
		}

		if err := c.put(key, loc); err != nil {
			return err
		}
	}

	if err := c.flush(); err != nil {
		return err
	}

	err = s.host.Swap(func(seg *segment.Manager, idx *index.Index) error {
		tail, err := idx.Tail(snap.Offset())
		if err != nil {
			return err
		}

		c.src = seg
		for _, e := range tail {
			if e.Op == index.OpPut {
				err = c.put(e.Key, e.Location)
			} else {
				err = c.delete(e.Key)
			}
			if err != nil {
				return err
			}
		}

		if err := c.flush(); err != nil {
			return err
		}

		closed = true

		var result *multierror.Error
		if err := newSeg.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := newIdx.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := result.ErrorOrNil(); err != nil {
			return storage.E(storage.KindCompact, op, err)
		}

		level.Debug(s.logger).Log("msg", "committing compaction", "caughtUp", len(tail), "dir", staging)

		if err := syncDirs(newSeg.Dir(), newIdx.Dir(), staging); err != nil {
			return storage.IOError(op, err)
		}

		if err := fileutil.Rename(staging, ready); err != nil {
			return storage.IOError(op, err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	// Keys whose last entry was a tombstone are not carried over.
	s.count(tombstoned, tombstoned, "tombstone")
	s.reclaimed = map[string]int64{}

	return nil
}

// copier moves records from the live root into the staging root, batching
// index puts.
type copier struct {
	service *Service
	src     *segment.Manager
	dst     *segment.Manager
	idx     *index.Index
	batch   []index.Entry
}

func (c *copier) put(key []byte, loc storage.Location) error {
	payload, err := verify(c.src, loc)
	if err != nil {
		if !reclaimable(err) {
			return storage.E(storage.KindCompact, "compaction.copy", errors.Wrapf(err, "read %s", loc))
		}

		reason := storage.KindOf(err).String()
		level.Warn(c.service.logger).Log("msg", "dropping unreadable record", "key", hex.EncodeToString(key), "location", loc, "reason", reason, "err", err)
		c.service.count(1, 1, reason)

		// An older copy of the key may already be staged.
		return c.delete(key)
	}

	c.service.count(1, 0, "")

	newLoc, err := c.dst.AppendBytes(payload)
	if err != nil {
		return err
	}

	c.batch = append(c.batch, index.Put(key, newLoc))
	if len(c.batch) >= batchSize {
		return c.flush()
	}

	return nil
}

func (c *copier) delete(key []byte) error {
	if err := c.flush(); err != nil {
		return err
	}

	if _, ok := c.idx.Get(key); !ok {
		return nil
	}

	return c.idx.Delete(key)
}

func (c *copier) flush() error {
	if len(c.batch) == 0 {
		return nil
	}

	err := c.idx.Batch(c.batch)
	c.batch = c.batch[:0]

	return err
}
