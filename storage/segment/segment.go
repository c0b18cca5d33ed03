package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"guardian/storage"

	"github.com/prometheus/prometheus/tsdb/wlog"
)

const (
	segmentPrefix    = "segment_"
	segmentExtension = ".dat"
)

type Segment struct {
	wlog.SegmentFile
	at  io.WriterAt
	dir string
	i   uint64
}

type SegmentRef struct {
	name  string
	index uint64
}

func (r SegmentRef) ID() uint64 { return r.index }

func (r SegmentRef) Name() string { return r.name }

// CreateSegment creates a fresh segment file. An existing file with the same
// id is an error: rotated out segments are never reopened for writing.
func CreateSegment(dir string, i uint64) (*Segment, error) {
	f, err := os.OpenFile(SegmentName(dir, i), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)

	if err != nil {
		return nil, err
	}

	return &Segment{
		SegmentFile: f,
		at:          f,
		dir:         dir,
		i:           i,
	}, nil
}

func OpenReadSegment(dir string, i uint64) (*Segment, error) {
	f, err := os.Open(SegmentName(dir, i))
	if err != nil {
		return nil, err
	}
	return &Segment{SegmentFile: f, i: i, dir: dir}, nil
}

func (s *Segment) ID() uint64 { return s.i }

func SegmentName(dir string, i uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", segmentPrefix, i, segmentExtension))
}

func LastSegment(dir string) (*SegmentRef, error) {
	refs, err := Segments(dir)

	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return nil, nil
	}

	return &refs[len(refs)-1], nil
}

// Segments lists the segment files in dir ordered by id. Files that do not
// follow the segment naming scheme are ignored.
func Segments(dir string) ([]SegmentRef, error) {
	files, err := os.ReadDir(dir)

	if err != nil {
		return nil, err
	}

	refs := make([]SegmentRef, 0, len(files))

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		i, ok := storage.ParseID(file.Name(), segmentPrefix, segmentExtension)
		if !ok {
			continue
		}

		refs = append(refs, SegmentRef{
			name:  file.Name(),
			index: i,
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].index < refs[j].index
	})

	return refs, nil
}
