package storage

import "fmt"

// Location addresses one record's bytes inside one segment file. Offset
// points at the record's length prefix, Length is the payload size.
type Location struct {
	SegmentID uint64
	Offset    uint64
	Length    uint64
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d+%d", l.SegmentID, l.Offset, l.Length)
}

// Record is a payload identified by a key.
type Record interface {
	Key() []byte
}

// Codec turns records into segment payloads and back.
type Codec interface {
	Encode(rec Record) ([]byte, error)
	Decode(payload []byte) (Record, error)
}
