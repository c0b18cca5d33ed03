package index

import (
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"guardian/config"
	"guardian/storage"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const FileName = "index.log"

// Index is a durable key to location log with an in-memory cache. Every
// mutation is appended to the log before it becomes visible in the cache,
// and replaying the log from the start rebuilds the cache exactly.
type Index struct {
	logger  log.Logger
	dir     string
	opts    config.IndexOptions
	metrics *Metrics
	pool    *storage.BytesPool

	// wmu serializes log appends.
	wmu    sync.Mutex
	file   *os.File
	size   int64
	closed bool

	mu         sync.RWMutex
	cache      map[string]storage.Location
	// tombstones maps a deleted key to the log offset just past the
	// tombstone that deleted it.
	tombstones map[string]int64
	applied    int64
}

func Open(logger log.Logger, dir string, opts config.IndexOptions, metrics *Metrics) (*Index, error) {
	const op = "index.open"

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, storage.IOError(op, err)
	}

	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, storage.IOError(op, err)
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	i := &Index{
		logger:     logger,
		dir:        dir,
		opts:       opts,
		metrics:    metrics,
		pool:       storage.NewBytesPool(),
		file:       f,
		cache:      map[string]storage.Location{},
		tombstones: map[string]int64{},
	}

	if err := i.replay(); err != nil {
		f.Close()
		return nil, err
	}

	return i, nil
}

func (i *Index) replay() error {
	const op = "index.replay"

	stat, err := i.file.Stat()
	if err != nil {
		return storage.IOError(op, err)
	}

	r := newReader(io.NewSectionReader(i.file, 0, stat.Size()), 0, stat.Size())

	replayed := 0
	for r.Next() {
		i.apply(r.Entry(), r.Offset())
		replayed++
	}

	i.size = r.Offset()
	i.applied = r.Offset()
	i.metrics.replayedEntries.Add(float64(replayed))

	if r.Err() != nil {
		cerr := &wlog.CorruptionErr{Dir: i.dir, Segment: -1, Offset: r.Offset(), Err: r.Err()}

		level.Warn(i.logger).Log("msg", "truncating torn index log tail", "err", cerr, "size", stat.Size(), "offset", r.Offset())
		i.metrics.tornTails.Inc()

		if err := i.file.Truncate(r.Offset()); err != nil {
			return storage.IOError(op, err)
		}

		if err := i.file.Sync(); err != nil {
			return storage.IOError(op, err)
		}
	}

	level.Debug(i.logger).Log("msg", "index replayed", "entries", replayed, "keys", len(i.cache))

	return nil
}

// apply must be called with mu held or before the index is shared. end is
// the log offset just past e's frame. A tombstone for a key the cache does
// not hold deletes nothing and is not counted as garbage.
func (i *Index) apply(e Entry, end int64) {
	k := string(e.Key)

	switch e.Op {
	case OpPut:
		i.cache[k] = e.Location
		delete(i.tombstones, k)
	case OpDelete:
		if _, ok := i.cache[k]; !ok {
			return
		}
		delete(i.cache, k)
		i.tombstones[k] = end
	}
}

func (i *Index) Put(key []byte, loc storage.Location) error {
	return i.Batch([]Entry{Put(key, loc)})
}

// Delete appends a durable tombstone. Deleting an absent key still logs it
// but leaves the tombstone count alone.
func (i *Index) Delete(key []byte) error {
	return i.Batch([]Entry{Tombstone(key)})
}

// Batch appends all entries with a single write and flush, then applies them
// to the cache in order.
func (i *Index) Batch(entries []Entry) error {
	i.wmu.Lock()
	defer i.wmu.Unlock()

	return i.append(entries)
}

// Remove tombstones key only if it still maps to loc. It reports whether the
// key was removed.
func (i *Index) Remove(key []byte, loc storage.Location) (bool, error) {
	i.wmu.Lock()
	defer i.wmu.Unlock()

	// Cache changes only happen under wmu, so the check stays valid for the append.
	if current, ok := i.Get(key); !ok || current != loc {
		return false, nil
	}

	if err := i.append([]Entry{Tombstone(key)}); err != nil {
		return false, err
	}

	return true, nil
}

func (i *Index) append(entries []Entry) error {
	const op = "index.append"

	if i.closed {
		return storage.E(storage.KindStorage, op, storage.ErrClosed)
	}

	if len(entries) == 0 {
		return nil
	}

	buf := i.pool.GetBytes()
	defer i.pool.PutBytes(buf)

	ends := make([]int64, 0, len(entries))

	*buf = (*buf)[:0]
	for _, e := range entries {
		if len(e.Key) == 0 {
			return storage.Errorf(storage.KindIndex, op, "empty key")
		}
		*buf = e.appendFrame(*buf)
		ends = append(ends, i.size+int64(len(*buf)))
	}

	if _, err := i.file.WriteAt(*buf, i.size); err != nil {
		i.metrics.writesFailed.Inc()
		return storage.IOError(op, err)
	}

	if i.opts.SyncWrites {
		if err := i.file.Sync(); err != nil {
			i.metrics.writesFailed.Inc()
			return storage.IOError(op, err)
		}
	}

	i.size += int64(len(*buf))

	i.mu.Lock()
	for n, e := range entries {
		i.apply(e, ends[n])
		if e.Op == OpPut {
			i.metrics.puts.Inc()
		} else {
			i.metrics.tombstones.Inc()
		}
	}
	i.applied = i.size
	i.mu.Unlock()

	return nil
}

func (i *Index) Get(key []byte) (storage.Location, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	loc, ok := i.cache[string(key)]
	return loc, ok
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return len(i.cache)
}

// Tombstones is the number of keys a tombstone removed from the cache and no
// later put revived.
func (i *Index) Tombstones() int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return len(i.tombstones)
}

// Tombstoned reports whether key is currently deleted by a tombstone.
func (i *Index) Tombstoned(key []byte) bool {
	_, ok := i.TombstoneAt(key)
	return ok
}

// TombstoneAt returns the log offset just past the tombstone that deleted
// key. The offset identifies that tombstone: a revive and a second delete
// yield a different one.
func (i *Index) TombstoneAt(key []byte) (int64, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	end, ok := i.tombstones[string(key)]
	return end, ok
}

// Snapshot is a point-in-time copy of the cache together with the log offset
// it reflects.
type Snapshot struct {
	entries map[string]storage.Location
	offset  int64
}

func (s *Snapshot) Len() int { return len(s.entries) }

// Offset is the log position covered by the snapshot, suitable for Tail.
func (s *Snapshot) Offset() int64 { return s.offset }

func (s *Snapshot) Get(key []byte) (storage.Location, bool) {
	loc, ok := s.entries[string(key)]
	return loc, ok
}

// All yields every key and location of the snapshot in no particular order.
func (s *Snapshot) All() iter.Seq2[[]byte, storage.Location] {
	return func(yield func([]byte, storage.Location) bool) {
		for k, loc := range s.entries {
			if !yield([]byte(k), loc) {
				return
			}
		}
	}
}

func (i *Index) Snapshot() *Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()

	entries := make(map[string]storage.Location, len(i.cache))
	for k, loc := range i.cache {
		entries[k] = loc
	}

	return &Snapshot{entries: entries, offset: i.applied}
}

// Scan lazily yields the keys and locations present when Scan was called.
// Writes made during iteration are not observed.
func (i *Index) Scan() iter.Seq2[[]byte, storage.Location] {
	return i.Snapshot().All()
}

// Tail returns the entries appended after offset, in log order.
func (i *Index) Tail(offset int64) ([]Entry, error) {
	const op = "index.tail"

	i.mu.RLock()
	end := i.applied
	i.mu.RUnlock()

	if offset < 0 || offset > end {
		return nil, storage.Errorf(storage.KindIndex, op, "offset %d outside log of %d bytes", offset, end)
	}

	f, err := os.Open(filepath.Join(i.dir, FileName))
	if err != nil {
		return nil, storage.IOError(op, err)
	}
	defer f.Close()

	var entries []Entry

	r := newReader(io.NewSectionReader(f, offset, end-offset), offset, end)
	for r.Next() {
		entries = append(entries, r.Entry())
	}

	if r.Err() != nil {
		return nil, storage.E(storage.KindIndex, op, errors.Wrapf(r.Err(), "log at offset %d", r.Offset()))
	}

	return entries, nil
}

func (i *Index) Dir() string { return i.dir }

func (i *Index) Options() config.IndexOptions { return i.opts }

func (i *Index) Close() error {
	i.wmu.Lock()
	defer i.wmu.Unlock()

	if i.closed {
		return storage.E(storage.KindStorage, "index.close", storage.ErrClosed)
	}

	i.closed = true

	if err := i.file.Sync(); err != nil {
		i.file.Close()
		return storage.IOError("index.close", err)
	}

	return storage.IOError("index.close", i.file.Close())
}
