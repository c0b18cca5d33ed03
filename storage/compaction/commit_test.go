package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o777))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o666))
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(b)
}

func TestRecoverDiscardsStaging(t *testing.T) {
	base := t.TempDir()

	writeFile(t, filepath.Join(base, SegmentsDir, "segment_1.dat"), "old")
	writeFile(t, filepath.Join(base, StagingDir, SegmentsDir, "segment_2.dat"), "partial")

	require.NoError(t, Recover(base))

	_, err := os.Stat(filepath.Join(base, StagingDir))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "old", readFile(t, filepath.Join(base, SegmentsDir, "segment_1.dat")))
}

func TestRecoverRollsForward(t *testing.T) {
	base := t.TempDir()

	writeFile(t, filepath.Join(base, SegmentsDir, "segment_1.dat"), "old")
	writeFile(t, filepath.Join(base, IndexDir, "index.log"), "old")
	writeFile(t, filepath.Join(base, ReadyDir, SegmentsDir, "segment_2.dat"), "new")
	writeFile(t, filepath.Join(base, ReadyDir, IndexDir, "index.log"), "new")

	require.NoError(t, Recover(base))

	_, err := os.Stat(filepath.Join(base, SegmentsDir, "segment_1.dat"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, "new", readFile(t, filepath.Join(base, SegmentsDir, "segment_2.dat")))
	assert.Equal(t, "new", readFile(t, filepath.Join(base, IndexDir, "index.log")))

	_, err = os.Stat(filepath.Join(base, ReadyDir))
	assert.True(t, os.IsNotExist(err))
}

func TestInstallFinishesInterruptedInstall(t *testing.T) {
	base := t.TempDir()

	// Segments were already moved when the process died.
	writeFile(t, filepath.Join(base, SegmentsDir, "segment_2.dat"), "new")
	writeFile(t, filepath.Join(base, IndexDir, "index.log"), "old")
	writeFile(t, filepath.Join(base, ReadyDir, IndexDir, "index.log"), "new")

	require.NoError(t, Install(base))
	assert.Equal(t, "new", readFile(t, filepath.Join(base, SegmentsDir, "segment_2.dat")))
	assert.Equal(t, "new", readFile(t, filepath.Join(base, IndexDir, "index.log")))

	// Nothing left to do.
	require.NoError(t, Install(base))
}

func TestSyncDirs(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, SegmentsDir, "segment_1.dat"), "seg")

	require.NoError(t, syncDirs(base, filepath.Join(base, SegmentsDir)))

	err := syncDirs(base, filepath.Join(base, IndexDir))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
