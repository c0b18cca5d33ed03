package segment

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"guardian/config"
	"guardian/storage"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Info is the on-disk view of one segment.
type Info struct {
	Metadata
	Path   string
	Size   int64
	Active bool
}

// Manager owns the segment directory: it appends records to the active
// segment, rotates it once full and reads records back by location.
// Appends are serialized by the manager, reads open their own file handle
// and may run concurrently with appends and with each other.
type Manager struct {
	logger  log.Logger
	dir     string
	opts    config.SegmentOptions
	codec   storage.Codec
	metrics *Metrics
	cache   *lru.Cache
	pool    *storage.BytesPool
	nextID  *atomic.Uint64

	mutex   sync.Mutex
	segment *Segment
	meta    Metadata
	closed  bool

	workQueue chan func()
	stopc     chan chan struct{}
}

func Open(logger log.Logger, dir string, opts config.SegmentOptions, codec storage.Codec, metrics *Metrics) (*Manager, error) {
	const op = "segment.open"

	if opts.MaxSegmentSize <= HeaderSize {
		return nil, storage.Errorf(storage.KindConfig, op, "max segment size %d does not fit the %d byte header", opts.MaxSegmentSize, HeaderSize)
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, storage.IOError(op, err)
	}

	last, err := LastSegment(dir)
	if err != nil {
		return nil, storage.IOError(op, err)
	}

	next := uint64(1)
	if last != nil {
		next = last.index + 1
	}
	if opts.StartID > next {
		next = opts.StartID
	}

	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	m := &Manager{
		logger:    logger,
		dir:       dir,
		opts:      opts,
		codec:     codec,
		metrics:   metrics,
		pool:      storage.NewBytesPool(),
		nextID:    atomic.NewUint64(next),
		stopc:     make(chan chan struct{}),
		workQueue: make(chan func(), 100),
	}

	if opts.ReadCacheSize > 0 {
		m.cache, err = lru.New(opts.ReadCacheSize)
		if err != nil {
			return nil, storage.E(storage.KindConfig, op, err)
		}
	}

	if last != nil {
		if err := m.repairHeader(last.index); err != nil {
			return nil, err
		}
	}

	go m.run()

	return m, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) Options() config.SegmentOptions { return m.opts }

func (m *Manager) Codec() storage.Codec { return m.codec }

// NextID is the id the next created segment will get.
func (m *Manager) NextID() uint64 { return m.nextID.Load() }

// Append encodes rec and appends it to the active segment.
func (m *Manager) Append(rec storage.Record) (storage.Location, error) {
	payload, err := m.codec.Encode(rec)
	if err != nil {
		return storage.Location{}, storage.E(storage.KindSerialize, "segment.append", err)
	}

	return m.AppendBytes(payload)
}

// AppendBytes appends an already encoded payload. A segment whose size is at
// or above the limit at call time is rotated first, so a single record may
// push a segment past the limit.
func (m *Manager) AppendBytes(payload []byte) (storage.Location, error) {
	const op = "segment.append"

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return storage.Location{}, storage.E(storage.KindStorage, op, storage.ErrClosed)
	}

	if uint64(len(payload)) > math.MaxUint32 {
		return storage.Location{}, storage.Errorf(storage.KindFormat, op, "record of %d bytes exceeds the length prefix", len(payload))
	}

	if m.segment != nil && m.meta.Bytes >= m.opts.MaxSegmentSize {
		if err := m.rotate(); err != nil {
			m.metrics.writesFailed.Inc()
			return storage.Location{}, err
		}
	}

	if m.segment == nil {
		if err := m.createSegment(); err != nil {
			m.metrics.writesFailed.Inc()
			return storage.Location{}, err
		}
	}

	buf := m.pool.GetBytes()
	defer m.pool.PutBytes(buf)

	*buf = binary.LittleEndian.AppendUint32((*buf)[:0], uint32(len(payload)))
	*buf = append(*buf, payload...)

	// WriteAt keeps offsets exact even after a failed partial write: the next
	// append overwrites whatever was left behind.
	offset := m.meta.Bytes
	if _, err := m.segment.at.WriteAt(*buf, int64(offset)); err != nil {
		m.metrics.writesFailed.Inc()
		return storage.Location{}, storage.IOError(op, err)
	}

	if m.opts.SyncWrites {
		if err := m.fsync(m.segment); err != nil {
			m.metrics.writesFailed.Inc()
			return storage.Location{}, storage.IOError(op, err)
		}
	}

	m.meta.Records++
	m.meta.Bytes = offset + uint64(len(*buf))

	m.metrics.appends.Inc()
	m.metrics.appendBytes.Add(float64(len(*buf)))

	return storage.Location{
		SegmentID: m.meta.ID,
		Offset:    offset,
		Length:    uint64(len(payload)),
	}, nil
}

func (m *Manager) createSegment() error {
	const op = "segment.create"

	id := m.nextID.Load()

	segment, err := CreateSegment(m.dir, id)
	if err != nil {
		return storage.IOError(op, err)
	}

	meta := Metadata{
		ID:      id,
		Created: time.Now().Unix(),
		Bytes:   HeaderSize,
		Schema:  m.opts.SchemaVersion,
	}

	if _, err := segment.at.WriteAt(EncodeHeader(meta), 0); err != nil {
		segment.Close()
		os.Remove(SegmentName(m.dir, id))
		return storage.IOError(op, err)
	}

	if err := m.fsync(segment); err != nil {
		segment.Close()
		os.Remove(SegmentName(m.dir, id))
		return storage.IOError(op, err)
	}

	m.nextID.Store(id + 1)
	m.segment = segment
	m.meta = meta

	level.Debug(m.logger).Log("msg", "segment created", "segmentId", id)

	return nil
}

func (m *Manager) rotate() error {
	prev, meta := m.segment, m.meta
	m.segment = nil

	m.workQueue <- func() {
		if err := m.seal(prev, meta); err != nil {
			level.Error(m.logger).Log("msg", "error sealing previous segment", "err", err, "segmentId", prev.i)
		}
	}

	m.metrics.rotations.Inc()
	level.Info(m.logger).Log("msg", "segment rotated", "segmentId", meta.ID, "records", meta.Records, "bytes", meta.Bytes)

	return m.createSegment()
}

// seal writes the final header of a segment, syncs and closes it.
func (m *Manager) seal(s *Segment, meta Metadata) error {
	var result *multierror.Error

	if _, err := s.at.WriteAt(EncodeHeader(meta), 0); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "rewrite header"))
	}

	if err := m.fsync(s); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "sync"))
	}

	if err := s.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close"))
	}

	return storage.E(storage.KindStorage, "segment.seal", result.ErrorOrNil())
}

// repairHeader recounts a segment that was never sealed, which happens when
// the process stops without Close, and rewrites its header. Records past a
// torn tail are not counted.
func (m *Manager) repairHeader(id uint64) error {
	const op = "segment.repair"

	path := SegmentName(m.dir, id)

	meta, err := ReadHeader(path)
	if err != nil {
		level.Warn(m.logger).Log("msg", "skipping header repair of unreadable segment", "segmentId", id, "err", err)
		return nil
	}

	stat, err := os.Stat(path)
	if err != nil {
		return storage.IOError(op, err)
	}

	if meta.Bytes >= uint64(stat.Size()) {
		return nil
	}

	records, end := uint64(0), uint64(HeaderSize)
	if err := m.Walk(id, func(loc storage.Location, _ []byte) error {
		records++
		end = loc.Offset + recordHeaderSize + loc.Length
		return nil
	}); err != nil {
		level.Warn(m.logger).Log("msg", "unsealed segment has a torn tail", "segmentId", id, "bytes", end, "size", stat.Size(), "err", err)
	}

	if meta.Records == records && meta.Bytes == end {
		return nil
	}

	meta.Records, meta.Bytes = records, end

	f, err := os.OpenFile(path, os.O_WRONLY, 0o666)
	if err != nil {
		return storage.IOError(op, err)
	}

	var result *multierror.Error
	if _, err := f.WriteAt(EncodeHeader(meta), 0); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "rewrite header"))
	}
	if err := f.Sync(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "sync"))
	}
	if err := f.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return storage.E(storage.KindStorage, op, err)
	}

	level.Info(m.logger).Log("msg", "repaired unsealed segment header", "segmentId", id, "records", records, "bytes", end)

	return nil
}

func (m *Manager) fsync(s *Segment) error {
	now := time.Now()
	err := s.Sync()

	m.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	return err
}

// Read fetches and decodes the record at loc.
func (m *Manager) Read(loc storage.Location) (storage.Record, error) {
	payload, err := m.ReadBytes(loc)
	if err != nil {
		return nil, err
	}

	return m.Decode(payload)
}

// Decode turns a payload read with ReadBytes into a record.
func (m *Manager) Decode(payload []byte) (storage.Record, error) {
	rec, err := m.codec.Decode(payload)
	if err != nil {
		m.metrics.readFailures.Inc()
		if storage.KindOf(err) == storage.KindUnknown {
			err = storage.E(storage.KindSerialize, "segment.decode", err)
		}
		return nil, err
	}

	return rec, nil
}

// ReadBytes returns the raw payload at loc. The returned slice may be shared
// with the read cache and must not be modified.
func (m *Manager) ReadBytes(loc storage.Location) ([]byte, error) {
	const op = "segment.read"

	if m.cache != nil {
		if v, ok := m.cache.Get(loc); ok {
			return v.([]byte), nil
		}
	}

	payload, err := m.readBytes(loc)
	if err != nil {
		m.metrics.readFailures.Inc()
		return nil, storage.IOError(op, err)
	}

	if m.cache != nil {
		m.cache.Add(loc, payload)
	}

	return payload, nil
}

func (m *Manager) readBytes(loc storage.Location) ([]byte, error) {
	const op = "segment.read"

	if loc.Offset < HeaderSize {
		return nil, storage.E(storage.KindFormat, op, errors.Wrapf(storage.ErrCorrupt, "location %s points into the header", loc))
	}

	f, err := os.Open(SegmentName(m.dir, loc.SegmentID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var prefix [recordHeaderSize]byte
	if _, err := f.ReadAt(prefix[:], int64(loc.Offset)); err != nil {
		return nil, err
	}

	if n := binary.LittleEndian.Uint32(prefix[:]); uint64(n) != loc.Length {
		return nil, storage.E(storage.KindFormat, op, errors.Wrapf(storage.ErrCorrupt, "length prefix %d does not match location %s", n, loc))
	}

	payload := make([]byte, loc.Length)
	if _, err := f.ReadAt(payload, int64(loc.Offset+recordHeaderSize)); err != nil {
		return nil, err
	}

	return payload, nil
}

// Walk calls fn for every record of segment id in append order. Corruption
// stops the walk and is returned after the records before it were visited.
func (m *Manager) Walk(id uint64, fn func(loc storage.Location, payload []byte) error) error {
	const op = "segment.walk"

	s, err := OpenReadSegment(m.dir, id)
	if err != nil {
		return storage.IOError(op, err)
	}
	defer s.Close()

	stat, err := s.Stat()
	if err != nil {
		return storage.IOError(op, err)
	}

	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(s, hdr); err != nil {
		return storage.IOError(op, err)
	}

	if _, err := DecodeHeader(hdr); err != nil {
		return err
	}

	r := NewReader(bufio.NewReader(s), id, HeaderSize, uint64(stat.Size()))
	for r.Next() {
		if err := fn(r.Location(), r.Record()); err != nil {
			return err
		}
	}

	return r.Err()
}

// Segments lists the ids of all segment files, oldest first.
func (m *Manager) Segments() ([]uint64, error) {
	refs, err := Segments(m.dir)
	if err != nil {
		return nil, storage.IOError("segment.list", err)
	}

	ids := make([]uint64, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.index)
	}

	return ids, nil
}

// Count is the number of segment files on disk.
func (m *Manager) Count() (int, error) {
	ids, err := m.Segments()
	return len(ids), err
}

// Infos reads and verifies every segment header. The active segment reports
// its in-memory counters since its header is only final once sealed.
func (m *Manager) Infos() ([]Info, error) {
	refs, err := Segments(m.dir)
	if err != nil {
		return nil, storage.IOError("segment.info", err)
	}

	m.mutex.Lock()
	active, activeMeta := m.segment != nil, m.meta
	m.mutex.Unlock()

	infos := make([]Info, 0, len(refs))
	for _, ref := range refs {
		path := SegmentName(m.dir, ref.index)

		stat, err := os.Stat(path)
		if err != nil {
			return nil, storage.IOError("segment.info", err)
		}

		info := Info{Path: path, Size: stat.Size()}

		if active && ref.index == activeMeta.ID {
			info.Metadata = activeMeta
			info.Active = true
		} else if info.Metadata, err = ReadHeader(path); err != nil {
			return nil, err
		}

		infos = append(infos, info)
	}

	return infos, nil
}

func (m *Manager) run() {
Loop:
	for {
		select {
		case f := <-m.workQueue:
			f()
		case donec := <-m.stopc:
			close(m.workQueue)
			defer close(donec)
			break Loop
		}
	}

	for f := range m.workQueue {
		f()
	}
}

// Close seals the active segment after all pending seals have completed.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed {
		return storage.E(storage.KindStorage, "segment.close", storage.ErrClosed)
	}

	donec := make(chan struct{})
	m.stopc <- donec
	<-donec

	m.closed = true

	if m.segment == nil {
		return nil
	}

	err := m.seal(m.segment, m.meta)
	m.segment = nil

	return err
}
