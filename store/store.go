// Package store composes the segment manager, the index and the compaction
// service into a single-writer key-value store rooted at one directory.
package store

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"guardian/config"
	"guardian/storage"
	"guardian/storage/compaction"
	"guardian/storage/index"
	"guardian/storage/segment"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

const lockFile = "LOCK"

var errNoRoot = errors.New("store root unavailable after failed compaction install, reopen to recover")

type Stats struct {
	RecordCount  int
	SegmentCount int
}

// Store is safe for concurrent use. Writes are serialized by one critical
// section covering both the segment append and the index update; reads only
// share the root lock, which a compaction swap holds exclusively for the
// duration of its commit.
type Store struct {
	logger log.Logger
	dir    string
	cfg    config.Config
	codec  storage.Codec
	lock   fileutil.Releaser

	segmentMetrics *segment.Metrics
	indexMetrics   *index.Metrics

	wmu sync.Mutex

	rmu    sync.RWMutex
	seg    *segment.Manager
	idx    *index.Index
	closed bool

	compactor *compaction.Service
}

func Open(logger log.Logger, registerer prometheus.Registerer, dir string, codec storage.Codec, cfg config.Config) (*Store, error) {
	const op = "store.open"

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, storage.IOError(op, err)
	}

	lock, _, err := fileutil.Flock(filepath.Join(dir, lockFile))
	if err != nil {
		return nil, storage.E(storage.KindStorage, op, errors.Wrapf(err, "lock %s", dir))
	}

	s := &Store{
		logger:         log.With(logger, "component", "store"),
		dir:            dir,
		cfg:            cfg,
		codec:          codec,
		lock:           lock,
		segmentMetrics: segment.NewMetrics(registerer),
		indexMetrics:   index.NewMetrics(registerer),
	}

	if err := compaction.Recover(dir); err != nil {
		lock.Release()
		return nil, err
	}

	if err := s.openRoot(cfg.Segment.StartID); err != nil {
		lock.Release()
		return nil, err
	}

	s.compactor = compaction.New(log.With(logger, "component", "compaction"), s, cfg.Compaction, compaction.NewMetrics(registerer))
	s.compactor.Start()

	level.Info(s.logger).Log("msg", "store opened", "dir", dir, "records", s.idx.Len())

	return s, nil
}

func (s *Store) openRoot(startID uint64) error {
	opts := s.cfg.Segment
	opts.StartID = startID

	seg, err := segment.Open(log.With(s.logger, "component", "segment"), filepath.Join(s.dir, compaction.SegmentsDir), opts, s.codec, s.segmentMetrics)
	if err != nil {
		return err
	}

	idx, err := index.Open(log.With(s.logger, "component", "index"), filepath.Join(s.dir, compaction.IndexDir), s.cfg.Index, s.indexMetrics)
	if err != nil {
		seg.Close()
		return err
	}

	s.seg, s.idx = seg, idx

	return nil
}

func (s *Store) closeRoot() error {
	if s.seg == nil {
		return nil
	}

	var result *multierror.Error

	if err := s.seg.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := s.idx.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	s.seg, s.idx = nil, nil

	return result.ErrorOrNil()
}

// ready must be called with rmu held.
func (s *Store) ready(op string) error {
	if s.closed {
		return storage.E(storage.KindStorage, op, storage.ErrClosed)
	}

	if s.seg == nil {
		return storage.E(storage.KindStorage, op, errNoRoot)
	}

	return nil
}

// Save appends rec and points its key at the new copy.
func (s *Store) Save(rec storage.Record) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.rmu.RLock()
	defer s.rmu.RUnlock()

	if err := s.ready("store.save"); err != nil {
		return err
	}

	loc, err := s.seg.Append(rec)
	if err != nil {
		return err
	}

	return s.idx.Put(rec.Key(), loc)
}

// Update overwrites the record under rec's key. The key is never absent in
// between, unlike a delete followed by a save.
func (s *Store) Update(rec storage.Record) error {
	return s.Save(rec)
}

// Delete tombstones key. The record bytes stay until a compaction.
func (s *Store) Delete(key []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.rmu.RLock()
	defer s.rmu.RUnlock()

	if err := s.ready("store.delete"); err != nil {
		return err
	}

	return s.idx.Delete(key)
}

// BatchSave appends every record, then publishes all keys with one index
// batch. A failed append leaves none of the records visible.
func (s *Store) BatchSave(recs []storage.Record) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.rmu.RLock()
	defer s.rmu.RUnlock()

	if err := s.ready("store.batch"); err != nil {
		return err
	}

	entries := make([]index.Entry, 0, len(recs))

	for _, rec := range recs {
		loc, err := s.seg.Append(rec)
		if err != nil {
			return err
		}

		entries = append(entries, index.Put(rec.Key(), loc))
	}

	return s.idx.Batch(entries)
}

// Find returns the record stored under key, or false when there is none.
func (s *Store) Find(key []byte) (storage.Record, bool, error) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()

	if err := s.ready("store.find"); err != nil {
		return nil, false, err
	}

	loc, ok := s.idx.Get(key)
	if !ok {
		return nil, false, nil
	}

	rec, err := s.seg.Read(loc)
	if err != nil {
		return nil, false, err
	}

	return rec, true, nil
}

// Scan yields every record live when Scan starts iterating. A record that
// cannot be read is yielded as an error and the scan goes on; environment
// failures and closing the store end it after the error is yielded.
func (s *Store) Scan() iter.Seq2[storage.Record, error] {
	return func(yield func(storage.Record, error) bool) {
		s.rmu.RLock()
		if err := s.ready("store.scan"); err != nil {
			s.rmu.RUnlock()
			yield(nil, err)
			return
		}
		idx := s.idx
		snap := idx.Snapshot()
		s.rmu.RUnlock()

		for key, loc := range snap.All() {
			rec, ok, err := s.scanRead(idx, key, loc)
			if !ok {
				continue
			}

			if !yield(rec, err) {
				return
			}

			if err != nil && !reclaimable(err) {
				return
			}
		}
	}
}

// scanRead reads one scanned entry under the root lock. When a compaction
// swapped the root since the snapshot was taken the key is resolved again.
func (s *Store) scanRead(idx *index.Index, key []byte, loc storage.Location) (storage.Record, bool, error) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()

	if err := s.ready("store.scan"); err != nil {
		return nil, true, err
	}

	if s.idx != idx {
		var ok bool
		if loc, ok = s.idx.Get(key); !ok {
			return nil, false, nil
		}
	}

	rec, err := s.seg.Read(loc)
	return rec, true, err
}

func reclaimable(err error) bool {
	switch storage.KindOf(err) {
	case storage.KindMissing, storage.KindFormat, storage.KindSerialize:
		return true
	default:
		return false
	}
}

func (s *Store) Stats() (Stats, error) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()

	if err := s.ready("store.stats"); err != nil {
		return Stats{}, err
	}

	segments, err := s.seg.Count()
	if err != nil {
		return Stats{}, err
	}

	return Stats{RecordCount: s.idx.Len(), SegmentCount: segments}, nil
}

// Segments describes every segment file.
func (s *Store) Segments() ([]segment.Info, error) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()

	if err := s.ready("store.segments"); err != nil {
		return nil, err
	}

	return s.seg.Infos()
}

// TriggerCompaction runs a compaction now and waits for it.
func (s *Store) TriggerCompaction(ctx context.Context) error {
	s.rmu.RLock()
	err := s.ready("store.compact")
	s.rmu.RUnlock()

	if err != nil {
		return err
	}

	return s.compactor.Trigger(ctx)
}

func (s *Store) CompactionState() compaction.State {
	return s.compactor.State()
}

// Migrate is not supported: records keep the schema they were written with.
func (s *Store) Migrate(schema uint32) error {
	return storage.E(storage.KindUnsupported, "store.migrate", errors.Wrapf(storage.ErrUnsupported, "migrate to schema %d", schema))
}

func (s *Store) Close() error {
	s.rmu.RLock()
	closed := s.closed
	s.rmu.RUnlock()

	if closed {
		return storage.E(storage.KindStorage, "store.close", storage.ErrClosed)
	}

	// The compactor takes the writer lock itself, so it is stopped first.
	s.compactor.Stop()

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.rmu.Lock()
	defer s.rmu.Unlock()

	if s.closed {
		return storage.E(storage.KindStorage, "store.close", storage.ErrClosed)
	}

	s.closed = true

	var result *multierror.Error

	if err := s.closeRoot(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := s.lock.Release(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		level.Error(s.logger).Log("msg", "error closing store", "err", err)
		return storage.E(storage.KindStorage, "store.close", err)
	}

	level.Info(s.logger).Log("msg", "store closed", "dir", s.dir)

	return nil
}

// Dir, Root, Exclusive and Swap make the store the compaction host.

func (s *Store) Dir() string { return s.dir }

func (s *Store) Root() (*segment.Manager, *index.Index) {
	s.rmu.RLock()
	defer s.rmu.RUnlock()

	return s.seg, s.idx
}

func (s *Store) Exclusive(fn func(seg *segment.Manager, idx *index.Index) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.rmu.RLock()
	defer s.rmu.RUnlock()

	if err := s.ready("store.exclusive"); err != nil {
		return err
	}

	return fn(s.seg, s.idx)
}

func (s *Store) Swap(commit func(seg *segment.Manager, idx *index.Index) error) error {
	const op = "store.swap"

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.rmu.Lock()
	defer s.rmu.Unlock()

	if err := s.ready(op); err != nil {
		return err
	}

	if err := commit(s.seg, s.idx); err != nil {
		return err
	}

	// New segments never reuse an id the replaced root handed out.
	next := s.seg.NextID()
	if s.cfg.Segment.StartID > next {
		next = s.cfg.Segment.StartID
	}

	var result *multierror.Error

	if err := s.closeRoot(); err != nil {
		result = multierror.Append(result, err)
	}

	if err := compaction.Install(s.dir); err != nil {
		result = multierror.Append(result, err)
	} else if err := s.openRoot(next); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		level.Error(s.logger).Log("msg", "error installing compacted root", "err", err)
		if s.seg != nil {
			return storage.E(storage.KindCompact, op, err)
		}
		return storage.E(storage.KindCompact, op, errors.Wrap(errNoRoot, err.Error()))
	}

	return nil
}
