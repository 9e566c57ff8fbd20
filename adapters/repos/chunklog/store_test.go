//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2023 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package chunklog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/logentry"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/versions"
	"github.com/weaviate/chunklog/entities/cyclemanager"
	"github.com/weaviate/chunklog/entities/diskio"
	enterrors "github.com/weaviate/chunklog/entities/errors"
	"github.com/weaviate/chunklog/usecases/config"
	"github.com/weaviate/chunklog/usecases/monitoring"
)

func testStoreConfig() config.Config {
	cfg := config.Defaults()
	cfg.PrimaryLog.Size = 64 * config.KiB
	cfg.SecondaryLog = config.SecondaryLog{
		Size:        64 * config.KiB,
		SegmentSize: 8 * config.KiB,
		BufferSize:  config.KiB,
	}
	cfg.WriteBuffer = config.WriteBuffer{
		Size:          64 * config.KiB,
		SignalBytes:   8 * config.KiB,
		MaxBytes:      32 * config.KiB,
		WriterTimeout: 10 * time.Millisecond,
	}
	cfg.FlashPageSize = 512
	cfg.UseChecksums = true
	cfg.Versions.InitialCapacity = 64
	return cfg
}

type storeFixture struct {
	dir       string
	callbacks cyclemanager.CycleCallbacks
	prom      *monitoring.PrometheusMetrics
}

func newStoreFixture(t *testing.T) *storeFixture {
	logger, _ := test.NewNullLogger()
	return &storeFixture{
		dir:       t.TempDir(),
		callbacks: cyclemanager.NewCycleCallbacks("test", logger, 1),
		prom:      monitoring.NewPrometheusMetrics(prometheus.NewRegistry()),
	}
}

func (f *storeFixture) open(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts = append([]StoreOption{WithConfig(testStoreConfig())}, opts...)
	s, err := NewStore(context.Background(), f.dir, logger, NewMetrics(f.prom, "test"), f.callbacks, opts...)
	require.Nil(t, err)
	return s
}

func (f *storeFixture) reorganize() bool {
	return f.callbacks.CycleCallback(func() bool { return false })
}

func TestStore_PutDeleteRecover(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)
	s := f.open(t)

	require.Nil(t, s.CreateRange(CreatorRange(1, 0)))
	require.Nil(t, s.CreateRange(CreatorRange(2, 0)))

	id := func(creator uint16, lid uint64) uint64 { return logentry.ChunkID(creator, lid) }

	v1, err := s.Put(id(1, 1), []byte("one"))
	require.Nil(t, err)
	v2, err := s.Put(id(1, 1), []byte("one, again"))
	require.Nil(t, err)
	assert.Equal(t, -1, versions.Compare(v1, v2, 0))

	_, err = s.Put(id(1, 2), []byte("two"))
	require.Nil(t, err)
	_, err = s.Put(id(2, 7), []byte("other creator"))
	require.Nil(t, err)
	_, err = s.Delete(id(1, 2))
	require.Nil(t, err)

	_, err = s.Put(id(3, 1), []byte("nowhere"))
	assert.NotNil(t, err, "no range for creator 3")

	expected := map[uint64][]byte{
		id(1, 1): []byte("one, again"),
		id(2, 7): []byte("other creator"),
	}

	out, stats, err := s.RecoverAll(ctx, true)
	require.Nil(t, err)
	assert.Equal(t, expected, out)
	assert.Equal(t, 0, stats.ChecksumMismatches)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.prom.RecoveredEntries.WithLabelValues("test")))

	t.Run("recover a single range", func(t *testing.T) {
		out, _, err := s.RecoverRange(ctx, CreatorRange(2, 0), 0, 100, true)
		require.Nil(t, err)
		assert.Equal(t, map[uint64][]byte{id(2, 7): []byte("other creator")}, out)
	})

	t.Run("reopen finds the ranges again", func(t *testing.T) {
		require.Nil(t, s.Shutdown(ctx))
		assert.ErrorIs(t, s.Shutdown(ctx), enterrors.ErrClosed)
		_, err := s.Put(id(1, 1), []byte("late"))
		assert.ErrorIs(t, err, enterrors.ErrClosed)

		reopened := f.open(t)
		defer reopened.Shutdown(ctx)

		out, _, err := reopened.RecoverAll(ctx, true)
		require.Nil(t, err)
		assert.Equal(t, expected, out)

		v3, err := reopened.Put(id(1, 1), []byte("after restart"))
		require.Nil(t, err)
		assert.Equal(t, 1, versions.Compare(v3, v2, 0), "epochs continue after a restart")
	})
}

func TestStore_PutAfterDeleteInSameEpoch(t *testing.T) {
	ctx := context.Background()
	s := newStoreFixture(t).open(t)
	defer s.Shutdown(ctx)

	require.Nil(t, s.CreateRange(CreatorRange(1, 0)))
	chunk := logentry.ChunkID(1, 5)

	_, err := s.Put(chunk, []byte("before"))
	require.Nil(t, err)
	tombstone, err := s.Delete(chunk)
	require.Nil(t, err)
	v, err := s.Put(chunk, []byte("after"))
	require.Nil(t, err)
	assert.Equal(t, 1, versions.Compare(v, tombstone, 0))

	_, err = s.ReorganizeAll()
	require.Nil(t, err)

	out, _, err := s.RecoverAll(ctx, true)
	require.Nil(t, err)
	assert.Equal(t, map[uint64][]byte{chunk: []byte("after")}, out)
}

func TestStore_AppendAndMigration(t *testing.T) {
	ctx := context.Background()
	s := newStoreFixture(t).open(t)
	defer s.Shutdown(ctx)

	key := CreatorRange(4, 0)
	var buf []byte
	for lid := uint64(1); lid <= 3; lid++ {
		buf = append(buf, primaryEntry(4, lid, versions.NewVersion(0, 0, 1), []byte{byte(lid)}, true)...)
	}
	require.Nil(t, s.Append(key, buf), "creates the range")

	require.Nil(t, s.CreateRange(MigrationRange(9)))
	migrated := logentry.ChunkID(77, 12)
	require.Nil(t, s.PutMigrated(9, migrated, versions.NewVersion(0, 3, 2), []byte("moved in")))
	assert.NotNil(t, s.PutMigrated(10, migrated, versions.NewVersion(0, 3, 2), nil))

	out, _, err := s.RecoverAll(ctx, true)
	require.Nil(t, err)
	assert.Equal(t, map[uint64][]byte{
		logentry.ChunkID(4, 1): {1},
		logentry.ChunkID(4, 2): {2},
		logentry.ChunkID(4, 3): {3},
		migrated:               []byte("moved in"),
	}, out)
}

func TestStore_AppendRejectsMalformedBuffers(t *testing.T) {
	ctx := context.Background()
	s := newStoreFixture(t).open(t)
	defer s.Shutdown(ctx)

	key := CreatorRange(4, 0)
	valid := primaryEntry(4, 1, versions.NewVersion(0, 0, 1), []byte("kept"), true)
	cut := primaryEntry(4, 2, versions.NewVersion(0, 0, 1), []byte("cut short"), true)

	malformed := map[string][]byte{
		"payload beyond the buffer": append(append([]byte{}, valid...), cut[:len(cut)-3]...),
		"truncated header":          valid[:5],
		"invalid type byte":         append([]byte{0x00}, valid...),
	}
	for name, buf := range malformed {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, s.Append(key, buf), enterrors.ErrCorruptHeader)
			assert.Equal(t, int64(0), s.writeBuffer.Occupancy(), "nothing staged")
		})
	}

	require.Nil(t, s.Append(key, valid))
	_, err := s.Put(logentry.ChunkID(4, 3), []byte("still writable"))
	require.Nil(t, err)
	require.Nil(t, s.Flush(ctx))

	out, _, err := s.RecoverAll(ctx, true)
	require.Nil(t, err)
	assert.Equal(t, map[uint64][]byte{
		logentry.ChunkID(4, 1): []byte("kept"),
		logentry.ChunkID(4, 3): []byte("still writable"),
	}, out)
}

func TestStore_PutVersionAfterDeleteRevivesTheChunk(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)
	s := f.open(t)

	require.Nil(t, s.CreateRange(CreatorRange(1, 0)))
	chunk := logentry.ChunkID(1, 8)

	_, err := s.Put(chunk, []byte("before"))
	require.Nil(t, err)
	tombstone, err := s.Delete(chunk)
	require.Nil(t, err)
	require.Nil(t, s.Flush(ctx))

	revived := versions.Version{Epoch: tombstone.Epoch + 5, Number: 1}
	require.Equal(t, 1, versions.Compare(revived, tombstone, 0))
	require.Nil(t, s.PutVersion(chunk, revived, []byte("revived")))

	expected := map[uint64][]byte{chunk: []byte("revived")}
	out, _, err := s.RecoverAll(ctx, true)
	require.Nil(t, err)
	assert.Equal(t, expected, out)

	t.Run("after a restart", func(t *testing.T) {
		require.Nil(t, s.Shutdown(ctx))
		reopened := f.open(t)
		defer reopened.Shutdown(ctx)

		out, _, err := reopened.RecoverAll(ctx, true)
		require.Nil(t, err)
		assert.Equal(t, expected, out)
	})
}

func TestStore_RecoverRangePausesReorganization(t *testing.T) {
	ctx := context.Background()
	s := newStoreFixture(t).open(t)
	defer s.Shutdown(ctx)

	key := CreatorRange(1, 0)
	require.Nil(t, s.CreateRange(key))
	_, err := s.Put(logentry.ChunkID(1, 1), []byte("one"))
	require.Nil(t, err)

	ctrl := s.reorgCtrls[key]
	resume, err := s.pauseReorganization(ctx, key)
	require.Nil(t, err)
	assert.False(t, ctrl.IsActive())
	resume()
	assert.True(t, ctrl.IsActive())

	out, _, err := s.RecoverRange(ctx, key, 0, 10, true)
	require.Nil(t, err)
	assert.Len(t, out, 1)
	assert.True(t, ctrl.IsActive(), "resumed after the scan")
}

func TestStore_RemoveRange(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)
	s := f.open(t)

	key := CreatorRange(1, 0)
	require.Nil(t, s.CreateRange(key))
	_, err := s.Put(logentry.ChunkID(1, 1), []byte("doomed"))
	require.Nil(t, err)
	require.Nil(t, s.Flush(ctx))

	require.Nil(t, s.RemoveRange(ctx, key))
	assert.NotNil(t, s.RemoveRange(ctx, key))

	logFile, versionsFile := rangeFiles(key)
	for _, name := range []string{logFile, versionsFile} {
		exists, err := diskio.FileExists(filepath.Join(f.dir, name))
		require.Nil(t, err)
		assert.False(t, exists, name)
	}
	assert.Equal(t, 0, f.callbacks.Len())
	require.Nil(t, s.Shutdown(ctx))

	reopened := f.open(t)
	defer reopened.Shutdown(ctx)
	out, _, err := reopened.RecoverAll(ctx, false)
	require.Nil(t, err)
	assert.Empty(t, out)
}

func TestStore_BackgroundReorganization(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)
	s := f.open(t, WithUtilizationThreshold(25))
	defer s.Shutdown(ctx)

	key := CreatorRange(1, 0)
	require.Nil(t, s.CreateRange(key))

	// overwrite a few chunks until a quarter of the log is taken
	payload := payloadOf(1000, 'r')
	for i := 0; i < 20; i++ {
		_, err := s.Put(logentry.ChunkID(1, uint64(i%3)), payload)
		require.Nil(t, err)
	}
	require.Nil(t, s.Flush(ctx))
	before := s.OccupiedSpace().Ranges[key]
	require.Greater(t, before, int64(16*config.KiB))

	assert.True(t, f.reorganize())
	after := s.OccupiedSpace().Ranges[key]
	assert.Less(t, after, before)
	assert.Greater(t, testutil.ToFloat64(f.prom.LogInvalidatedEntries.WithLabelValues("test")), float64(0))

	out, _, err := s.RecoverAll(ctx, true)
	require.Nil(t, err)
	assert.Len(t, out, 3)

	report := s.SegmentUtilizationReport()
	assert.Contains(t, report, key.String())
	assert.Contains(t, s.OccupiedSpace().String(), "primary log")
}

func TestStore_OwnReorganizationCycle(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	cfg := testStoreConfig()
	cfg.Reorg.Interval = 5 * time.Millisecond

	s, err := NewStore(ctx, t.TempDir(), logger, nil, nil, WithConfig(cfg), WithUtilizationThreshold(10))
	require.Nil(t, err)
	defer s.Shutdown(ctx)
	require.True(t, s.reorgCycle.Running())

	key := CreatorRange(1, 0)
	require.Nil(t, s.CreateRange(key))
	for i := 0; i < 12; i++ {
		_, err := s.Put(logentry.ChunkID(1, 1), payloadOf(1000, byte(i)))
		require.Nil(t, err)
	}
	require.Nil(t, s.Flush(ctx))

	assert.Eventually(t, func() bool {
		return s.OccupiedSpace().Ranges[key] < 2*config.KiB
	}, 5*time.Second, 10*time.Millisecond)
}
