package compaction

import "time"

type Status uint8

const (
	StatusIdle Status = iota
	StatusMinor
	StatusMajor
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusMinor:
		return "minor"
	case StatusMajor:
		return "major"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a snapshot of the service. Reason is only set when Status is
// StatusError. Processed and Removed accumulate over the service lifetime.
type State struct {
	Status    Status
	Reason    string
	LastRun   time.Time
	Processed uint64
	Removed   uint64
}
