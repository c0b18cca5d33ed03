package segment

import (
	"encoding/binary"
	"os"

	"guardian/storage"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Header layout, little-endian:
// [magic:u32][meta_len:u32][metadata:meta_len][checksum:u64]
// The checksum is xxhash64 over the metadata bytes.
const (
	Magic        uint32 = 0x47535452 // "GSTR"
	metadataSize        = 36
	HeaderSize          = 4 + 4 + metadataSize + 8
)

// Metadata describes a segment. Records and Bytes are only final once the
// segment has been sealed; the header of the active segment is rewritten on seal.
type Metadata struct {
	ID      uint64
	Created int64
	Records uint64
	Bytes   uint64
	Schema  uint32
}

func EncodeHeader(meta Metadata) []byte {
	buf := make([]byte, HeaderSize)

	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], metadataSize)

	m := buf[8 : 8+metadataSize]
	binary.LittleEndian.PutUint64(m[0:8], meta.ID)
	binary.LittleEndian.PutUint64(m[8:16], uint64(meta.Created))
	binary.LittleEndian.PutUint64(m[16:24], meta.Records)
	binary.LittleEndian.PutUint64(m[24:32], meta.Bytes)
	binary.LittleEndian.PutUint32(m[32:36], meta.Schema)

	binary.LittleEndian.PutUint64(buf[8+metadataSize:], xxhash.Sum64(m))

	return buf
}

func DecodeHeader(buf []byte) (Metadata, error) {
	const op = "segment.header"

	if len(buf) < HeaderSize {
		return Metadata{}, storage.E(storage.KindFormat, op, errors.Wrapf(storage.ErrCorrupt, "header of %d bytes", len(buf)))
	}

	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Metadata{}, storage.E(storage.KindFormat, op, errors.Wrapf(storage.ErrCorrupt, "bad magic %#x", magic))
	}

	if n := binary.LittleEndian.Uint32(buf[4:8]); n != metadataSize {
		return Metadata{}, storage.E(storage.KindFormat, op, errors.Wrapf(storage.ErrCorrupt, "metadata length %d", n))
	}

	m := buf[8 : 8+metadataSize]
	if expected, actual := binary.LittleEndian.Uint64(buf[8+metadataSize:]), xxhash.Sum64(m); expected != actual {
		return Metadata{}, storage.E(storage.KindFormat, op, errors.Wrapf(storage.ErrCorrupt, "invalid checksum: expected %x, got %x", expected, actual))
	}

	return Metadata{
		ID:      binary.LittleEndian.Uint64(m[0:8]),
		Created: int64(binary.LittleEndian.Uint64(m[8:16])),
		Records: binary.LittleEndian.Uint64(m[16:24]),
		Bytes:   binary.LittleEndian.Uint64(m[24:32]),
		Schema:  binary.LittleEndian.Uint32(m[32:36]),
	}, nil
}

func ReadHeader(path string) (Metadata, error) {
	const op = "segment.header"

	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, storage.IOError(op, err)
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Metadata{}, storage.IOError(op, err)
	}

	return DecodeHeader(buf)
}
