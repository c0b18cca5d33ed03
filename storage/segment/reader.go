package segment

import (
	"encoding/binary"
	"io"

	"guardian/storage"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const recordHeaderSize = 4

// Reader walks the length-prefixed records of a segment body sequentially.
type Reader struct {
	reader io.Reader
	err    error
	rec    []byte
	buf    [recordHeaderSize]byte
	id     uint64
	offset uint64
	limit  uint64
	loc    storage.Location
}

// NewReader reads records of segment id starting at offset. limit is the
// offset at which the segment ends; records claiming to extend past it are corrupt.
func NewReader(reader io.Reader, id, offset, limit uint64) *Reader {
	return &Reader{reader: reader, id: id, offset: offset, limit: limit}
}

func (r *Reader) Next() bool {
	err := r.next()

	if errors.Is(err, io.EOF) {
		return false
	}

	r.err = err

	return err == nil
}

func (r *Reader) next() error {
	hdr := r.buf[:]

	n, err := io.ReadFull(r.reader, hdr)
	if err == io.EOF {
		return err
	}
	if err != nil {
		return errors.Wrapf(err, "last record is torn, read %d header bytes", n)
	}

	length := uint64(binary.LittleEndian.Uint32(hdr))

	if r.offset+recordHeaderSize+length > r.limit {
		return errors.Errorf("invalid record size %d", length)
	}

	if uint64(cap(r.rec)) < length {
		r.rec = make([]byte, length)
	}
	r.rec = r.rec[:length]

	if _, err := io.ReadFull(r.reader, r.rec); err != nil {
		return errors.Wrap(err, "read record body")
	}

	r.loc = storage.Location{SegmentID: r.id, Offset: r.offset, Length: length}
	r.offset += recordHeaderSize + length

	return nil
}

// Record returns the current payload. It is only valid until the next call to Next.
func (r *Reader) Record() []byte {
	return r.rec
}

func (r *Reader) Location() storage.Location {
	return r.loc
}

func (r *Reader) Err() error {
	if r.err == nil {
		return nil
	}

	return storage.E(storage.KindFormat, "segment.walk", &wlog.CorruptionErr{
		Err:     r.err,
		Segment: int(r.id),
		Offset:  int64(r.offset),
	})
}
