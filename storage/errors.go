package storage

import (
	"io"
	"io/fs"

	"github.com/pkg/errors"
)

// Kind classifies storage failures so callers can react without string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindStorage
	KindTime
	KindSerialize
	KindIndex
	KindFormat
	KindMissing
	KindUnsupported
	KindConfig
	KindCompact
)

var kindNames = [...]string{
	KindUnknown:     "unknown",
	KindStorage:     "storage",
	KindTime:        "time",
	KindSerialize:   "serialize",
	KindIndex:       "index",
	KindFormat:      "format",
	KindMissing:     "missing",
	KindUnsupported: "unsupported",
	KindConfig:      "config",
	KindCompact:     "compact",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

var (
	ErrClosed      = errors.New("store closed")
	ErrCorrupt     = errors.New("corrupt data")
	ErrUnsupported = errors.New("operation not supported")
)

// Error is the typed error returned by every storage component.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a typed error from a format string.
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// IOError classifies an I/O failure: absent files are Missing, truncated
// reads are Format and everything else is Storage.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return E(KindMissing, op, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return E(KindFormat, op, errors.Wrap(ErrCorrupt, err.Error()))
	default:
		return E(KindStorage, op, err)
	}
}

// KindOf returns the kind of the outermost typed error in err's chain.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
