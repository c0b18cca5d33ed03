package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"guardian/config"
	"guardian/storage"
	"guardian/storage/compaction"
	"guardian/storage/model"
	"guardian/storage/segment"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Segment.SyncWrites = false
	cfg.Index.SyncWrites = false
	cfg.Compaction.Interval = 0
	return cfg
}

func openStore(t *testing.T, dir string, cfg config.Config) *Store {
	t.Helper()

	s, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), dir, model.NewCodec(true), cfg)
	require.NoError(t, err)

	return s
}

func fakeUser(t *testing.T, id uint64) *model.User {
	t.Helper()

	u := &model.User{}
	require.NoError(t, faker.FakeData(u))
	u.ID = id
	u.Profile = &model.Profile{Age: uint32(20 + id%50), Job: "engineer", Interests: []string{"storage"}}

	return u
}

func find(t *testing.T, s *Store, id uint64) (*model.User, bool) {
	t.Helper()

	rec, ok, err := s.Find(model.Key(id))
	require.NoError(t, err)

	if !ok {
		return nil, false
	}

	return rec.(*model.User), true
}

func keys(t *testing.T, s *Store) map[uint64]struct{} {
	t.Helper()

	ids := map[uint64]struct{}{}
	for rec, err := range s.Scan() {
		require.NoError(t, err)
		ids[rec.(*model.User).ID] = struct{}{}
	}

	return ids
}

func TestStoreRoundTrip(t *testing.T) {
	s := openStore(t, t.TempDir(), testConfig())
	defer s.Close()

	users := map[uint64]*model.User{}
	for id := uint64(1); id <= 20; id++ {
		users[id] = fakeUser(t, id)
		require.NoError(t, s.Save(users[id]))
	}

	for id, want := range users {
		got, ok := find(t, s, id)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := find(t, s, 99)
	assert.False(t, ok)
}

func TestStoreUpdateOverwrites(t *testing.T) {
	s := openStore(t, t.TempDir(), testConfig())
	defer s.Close()

	u := fakeUser(t, 1)
	require.NoError(t, s.Save(u))

	u.Name = "renamed"
	require.NoError(t, s.Update(u))

	got, ok := find(t, s, 1)
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordCount)
}

func TestStoreTombstoneSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, testConfig())
	require.NoError(t, s.Save(fakeUser(t, 1)))
	require.NoError(t, s.Save(fakeUser(t, 2)))
	require.NoError(t, s.Delete(model.Key(1)))
	require.NoError(t, s.Close())

	s = openStore(t, dir, testConfig())
	defer s.Close()

	_, ok := find(t, s, 1)
	assert.False(t, ok)

	_, ok = find(t, s, 2)
	assert.True(t, ok)
}

func TestStoreRotation(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.Segment.MaxSegmentSize = 1024

	s := openStore(t, dir, cfg)

	for id := uint64(1); id <= 40; id++ {
		require.NoError(t, s.Save(fakeUser(t, id)))
	}

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 40, stats.RecordCount)
	assert.Greater(t, stats.SegmentCount, 2)

	for id := uint64(1); id <= 40; id++ {
		_, ok := find(t, s, id)
		require.True(t, ok, "user %d", id)
	}

	require.NoError(t, s.Close())

	s = openStore(t, dir, cfg)
	defer s.Close()

	infos, err := s.Segments()
	require.NoError(t, err)
	require.Len(t, infos, stats.SegmentCount)

	var records uint64
	for _, info := range infos {
		records += info.Records
	}
	assert.Equal(t, uint64(40), records)
}

func TestStoreScenario(t *testing.T) {
	for name, threshold := range map[string]float64{"minor only": 0.3, "major": 0.1} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			cfg := testConfig()
			cfg.Compaction.Threshold = threshold

			s := openStore(t, dir, cfg)

			for id := uint64(1); id <= 5; id++ {
				require.NoError(t, s.Save(fakeUser(t, id)))
			}

			assert.Equal(t, map[uint64]struct{}{1: {}, 2: {}, 3: {}, 4: {}, 5: {}}, keys(t, s))

			require.NoError(t, s.Delete(model.Key(1)))

			stats, err := s.Stats()
			require.NoError(t, err)
			require.Equal(t, 4, stats.RecordCount)

			require.NoError(t, s.TriggerCompaction(context.Background()))

			stats, err = s.Stats()
			require.NoError(t, err)
			assert.Equal(t, 4, stats.RecordCount)

			_, ok := find(t, s, 1)
			assert.False(t, ok)

			state := s.CompactionState()
			assert.Equal(t, compaction.StatusIdle, state.Status)
			assert.False(t, state.LastRun.IsZero())

			require.NoError(t, s.Close())

			// The outcome survives a restart.
			s = openStore(t, dir, cfg)
			defer s.Close()

			assert.Equal(t, map[uint64]struct{}{2: {}, 3: {}, 4: {}, 5: {}}, keys(t, s))
		})
	}
}

func TestStoreMajorCompactionRewritesSegments(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.Compaction.Threshold = 0.2

	s := openStore(t, dir, cfg)
	defer s.Close()

	for id := uint64(1); id <= 10; id++ {
		require.NoError(t, s.Save(fakeUser(t, id)))
	}
	for id := uint64(1); id <= 10; id++ {
		require.NoError(t, s.Update(fakeUser(t, id)))
	}
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, s.Delete(model.Key(id)))
	}

	before, err := s.Segments()
	require.NoError(t, err)

	require.NoError(t, s.TriggerCompaction(context.Background()))

	after, err := s.Segments()
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Greater(t, after[0].ID, before[len(before)-1].ID)
	assert.Equal(t, uint64(5), after[0].Records)

	state := s.CompactionState()
	assert.Equal(t, uint64(5), state.Removed)

	assert.Equal(t, map[uint64]struct{}{6: {}, 7: {}, 8: {}, 9: {}, 10: {}}, keys(t, s))

	_, err = os.Stat(filepath.Join(dir, compaction.StagingDir))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, compaction.ReadyDir))
	assert.True(t, os.IsNotExist(err))

	// Writes after the swap land in the new root.
	require.NoError(t, s.Save(fakeUser(t, 11)))
	_, ok := find(t, s, 11)
	assert.True(t, ok)
}

func TestStoreCompactionConservation(t *testing.T) {
	dir := t.TempDir()

	cfg := testConfig()
	cfg.Segment.MaxSegmentSize = segment.HeaderSize + 1
	cfg.Compaction.Threshold = 0.1

	s := openStore(t, dir, cfg)
	defer s.Close()

	for id := uint64(1); id <= 12; id++ {
		require.NoError(t, s.Save(fakeUser(t, id)))
	}

	// One record per segment, so dropping a file loses exactly one key.
	loc, ok := s.idx.Get(model.Key(4))
	require.True(t, ok)
	require.NoError(t, os.Remove(segment.SegmentName(s.seg.Dir(), loc.SegmentID)))

	require.NoError(t, s.Delete(model.Key(1)))
	require.NoError(t, s.Delete(model.Key(2)))

	var unreadable int
	for _, err := range s.Scan() {
		if err != nil {
			assert.Equal(t, storage.KindMissing, storage.KindOf(err))
			unreadable++
		}
	}
	require.Equal(t, 1, unreadable)

	require.NoError(t, s.TriggerCompaction(context.Background()))

	want := map[uint64]struct{}{}
	for id := uint64(5); id <= 12; id++ {
		want[id] = struct{}{}
	}
	want[3] = struct{}{}

	assert.Equal(t, want, keys(t, s))
	assert.Equal(t, uint64(3), s.CompactionState().Removed)
}

func TestStoreDeletingAbsentKeysLeavesNothingToCompact(t *testing.T) {
	s := openStore(t, t.TempDir(), testConfig())
	defer s.Close()

	for id := uint64(1); id <= 10; id++ {
		require.NoError(t, s.Save(fakeUser(t, id)))
	}
	for id := uint64(100); id <= 104; id++ {
		require.NoError(t, s.Delete(model.Key(id)))
	}

	before, err := s.Segments()
	require.NoError(t, err)

	require.NoError(t, s.TriggerCompaction(context.Background()))

	after, err := s.Segments()
	require.NoError(t, err)

	assert.Equal(t, uint64(0), s.CompactionState().Removed)
	assert.Equal(t, before, after)
	assert.Len(t, keys(t, s), 10)
}

func TestStoreBatchSaveConcurrentFind(t *testing.T) {
	s := openStore(t, t.TempDir(), testConfig())
	defer s.Close()

	recs := make([]storage.Record, 0, 50)
	for id := uint64(1); id <= 50; id++ {
		recs = append(recs, fakeUser(t, id))
	}
	require.NoError(t, s.BatchSave(recs))

	var wg sync.WaitGroup
	errs := make(chan error, len(recs))

	for _, rec := range recs {
		wg.Add(1)
		go func(want *model.User) {
			defer wg.Done()

			got, ok, err := s.Find(want.Key())
			if err == nil && (!ok || got.(*model.User).Name != want.Name) {
				err = storage.Errorf(storage.KindIndex, "test", "user %d not found intact", want.ID)
			}
			errs <- err
		}(rec.(*model.User))
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestStoreWritesDuringCompaction(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.Threshold = 0.01

	s := openStore(t, t.TempDir(), cfg)
	defer s.Close()

	for id := uint64(1); id <= 200; id++ {
		require.NoError(t, s.Save(fakeUser(t, id)))
	}
	for id := uint64(1); id <= 100; id++ {
		require.NoError(t, s.Delete(model.Key(id)))
	}

	done := make(chan error, 1)
	go func() {
		done <- s.TriggerCompaction(context.Background())
	}()

	for id := uint64(201); id <= 300; id++ {
		require.NoError(t, s.Save(fakeUser(t, id)))
	}
	require.NoError(t, s.Delete(model.Key(150)))

	require.NoError(t, <-done)

	got := keys(t, s)
	assert.Len(t, got, 199)
	assert.NotContains(t, got, uint64(150))
	for id := uint64(151); id <= 300; id++ {
		assert.Contains(t, got, id)
	}
}

func TestStoreScheduledCompaction(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.Interval = 10 * time.Millisecond

	s := openStore(t, t.TempDir(), cfg)
	defer s.Close()

	require.NoError(t, s.Save(fakeUser(t, 1)))

	require.Eventually(t, func() bool {
		state := s.CompactionState()
		return !state.LastRun.IsZero() && state.Processed > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStoreMigrateUnsupported(t *testing.T) {
	s := openStore(t, t.TempDir(), testConfig())
	defer s.Close()

	err := s.Migrate(2)
	require.ErrorIs(t, err, storage.ErrUnsupported)
	assert.Equal(t, storage.KindUnsupported, storage.KindOf(err))
}

func TestStoreLocksDirectory(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, testConfig())

	_, err := Open(log.NewNopLogger(), nil, dir, model.NewCodec(false), testConfig())
	require.Error(t, err)
	assert.Equal(t, storage.KindStorage, storage.KindOf(err))

	require.NoError(t, s.Close())

	s = openStore(t, dir, testConfig())
	require.NoError(t, s.Close())
}

func TestStoreRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Compaction.Threshold = 2

	_, err := Open(log.NewNopLogger(), nil, t.TempDir(), model.NewCodec(false), cfg)
	assert.Equal(t, storage.KindConfig, storage.KindOf(err))
}

func TestStoreClosed(t *testing.T) {
	s := openStore(t, t.TempDir(), testConfig())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Save(fakeUser(t, 1)), storage.ErrClosed)
	require.ErrorIs(t, s.Delete(model.Key(1)), storage.ErrClosed)
	require.ErrorIs(t, s.TriggerCompaction(context.Background()), storage.ErrClosed)

	_, _, err := s.Find(model.Key(1))
	require.ErrorIs(t, err, storage.ErrClosed)

	for _, err := range s.Scan() {
		require.ErrorIs(t, err, storage.ErrClosed)
	}

	require.ErrorIs(t, s.Close(), storage.ErrClosed)
}
