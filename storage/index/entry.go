package index

import (
	"bufio"
	"encoding/binary"
	"io"

	"guardian/storage"

	"github.com/pkg/errors"
)

// Frame layout, little-endian: [entry_len:u32][entry]
// put:       [version=1:u8][key_len:u32][key][segment:u64][offset:u64][length:u64]
// tombstone: [version=2:u8][key_len:u32][key]
const (
	versionPut       uint8 = 1
	versionTombstone uint8 = 2

	frameHeaderSize = 4
	entryHeaderSize = 1 + 4
)

type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "put"
}

// Entry is one index log operation.
type Entry struct {
	Op       Op
	Key      []byte
	Location storage.Location
}

func Put(key []byte, loc storage.Location) Entry {
	return Entry{Op: OpPut, Key: key, Location: loc}
}

func Tombstone(key []byte) Entry {
	return Entry{Op: OpDelete, Key: key}
}

func (e Entry) size() int {
	n := entryHeaderSize + len(e.Key)
	if e.Op == OpPut {
		n += storage.LocationSize
	}
	return n
}

func (e Entry) appendFrame(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.size()))

	switch e.Op {
	case OpPut:
		buf = append(buf, versionPut)
	default:
		buf = append(buf, versionTombstone)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)

	if e.Op == OpPut {
		var loc [storage.LocationSize]byte
		storage.EncodeLocation(e.Location, loc[:])
		buf = append(buf, loc[:]...)
	}

	return buf
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < entryHeaderSize {
		return Entry{}, errors.Errorf("entry of %d bytes", len(b))
	}

	version := b[0]
	keyLen := uint64(binary.LittleEndian.Uint32(b[1:5]))
	rest := b[entryHeaderSize:]

	if keyLen > uint64(len(rest)) {
		return Entry{}, errors.Errorf("key length %d exceeds entry", keyLen)
	}

	key := append([]byte(nil), rest[:keyLen]...)
	rest = rest[keyLen:]

	switch version {
	case versionPut:
		if len(rest) != storage.LocationSize {
			return Entry{}, errors.Errorf("put entry carries %d location bytes", len(rest))
		}
		return Put(key, storage.DecodeLocation(rest)), nil
	case versionTombstone:
		if len(rest) != 0 {
			return Entry{}, errors.Errorf("tombstone entry carries %d trailing bytes", len(rest))
		}
		return Tombstone(key), nil
	default:
		return Entry{}, errors.Errorf("unknown entry version %d", version)
	}
}

// reader decodes frames sequentially and tracks the offset of the last
// complete frame so a torn tail can be cut off.
type reader struct {
	r      *bufio.Reader
	offset int64
	limit  int64
	entry  Entry
	err    error
	hdr    [frameHeaderSize]byte
	buf    []byte
}

func newReader(r io.Reader, offset, limit int64) *reader {
	return &reader{r: bufio.NewReader(r), offset: offset, limit: limit}
}

func (r *reader) Next() bool {
	err := r.next()
	if err == io.EOF {
		return false
	}

	r.err = err

	return err == nil
}

func (r *reader) next() error {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		if err == io.EOF {
			return err
		}
		return errors.Wrap(err, "torn frame header")
	}

	n := int64(binary.LittleEndian.Uint32(r.hdr[:]))
	if r.offset+frameHeaderSize+n > r.limit {
		return errors.Errorf("frame of %d bytes runs past end of log", n)
	}

	if int64(cap(r.buf)) < n {
		r.buf = make([]byte, n)
	}
	r.buf = r.buf[:n]

	if _, err := io.ReadFull(r.r, r.buf); err != nil {
		return errors.Wrap(err, "torn frame body")
	}

	entry, err := decodeEntry(r.buf)
	if err != nil {
		return err
	}

	r.entry = entry
	r.offset += frameHeaderSize + n

	return nil
}

func (r *reader) Entry() Entry { return r.entry }

// Offset is the end of the last complete frame.
func (r *reader) Offset() int64 { return r.offset }

func (r *reader) Err() error { return r.err }
