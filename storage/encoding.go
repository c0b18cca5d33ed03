package storage

import "encoding/binary"

const LocationSize = 24

func EncodeLocation(loc Location, bytes []byte) {
	binary.LittleEndian.PutUint64(bytes[0:8], loc.SegmentID)
	binary.LittleEndian.PutUint64(bytes[8:16], loc.Offset)
	binary.LittleEndian.PutUint64(bytes[16:24], loc.Length)
}

func DecodeLocation(bytes []byte) Location {
	return Location{
		SegmentID: binary.LittleEndian.Uint64(bytes[0:8]),
		Offset:    binary.LittleEndian.Uint64(bytes[8:16]),
		Length:    binary.LittleEndian.Uint64(bytes[16:24]),
	}
}
