package compaction

import (
	"os"
	"path/filepath"

	"guardian/storage"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/prometheus/tsdb/fileutil"
)

// Directory names below the store base. A major pass builds its output in
// StagingDir and commits it with a single rename to ReadyDir. Everything in
// ReadyDir is complete and is rolled forward over SegmentsDir and IndexDir.
const (
	SegmentsDir = "segments"
	IndexDir    = "index"
	StagingDir  = "compact.staging"
	ReadyDir    = "compact.ready"
)

// Recover brings base back to a complete state after a crash: an
// uncommitted staging area is discarded and a committed one is installed.
func Recover(base string) error {
	if err := os.RemoveAll(filepath.Join(base, StagingDir)); err != nil {
		return storage.IOError("compaction.recover", err)
	}

	return Install(base)
}

// syncDirs fsyncs each directory so the entries of the files written into it
// are durable before the directory itself is renamed.
func syncDirs(dirs ...string) error {
	var result *multierror.Error

	for _, dir := range dirs {
		f, err := fileutil.OpenDir(dir)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		if err := f.Sync(); err != nil {
			result = multierror.Append(result, err)
		}
		if err := f.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// Install moves a committed compaction output into place. Each step is
// idempotent so an install interrupted by a crash is finished by Recover.
func Install(base string) error {
	const op = "compaction.install"

	ready := filepath.Join(base, ReadyDir)

	if _, err := os.Stat(ready); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storage.IOError(op, err)
	}

	var result *multierror.Error

	for _, name := range []string{SegmentsDir, IndexDir} {
		from := filepath.Join(ready, name)

		if _, err := os.Stat(from); err != nil {
			if !os.IsNotExist(err) {
				result = multierror.Append(result, err)
			}
			continue
		}

		if err := fileutil.Replace(from, filepath.Join(base, name)); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return storage.E(storage.KindCompact, op, err)
	}

	if err := os.RemoveAll(ready); err != nil {
		return storage.IOError(op, err)
	}

	return nil
}
