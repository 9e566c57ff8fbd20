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
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/versions"
	enterrors "github.com/weaviate/chunklog/entities/errors"
)

type demuxFixture struct {
	primary *PrimaryLog
	catalog *LogCatalog
	ranges  map[uint16]*RangeLogs
}

func newDemuxFixture(t *testing.T, primarySize int64, creators ...uint16) *demuxFixture {
	t.Helper()
	dir := t.TempDir()
	logger, _ := test.NewNullLogger()

	f := &demuxFixture{catalog: NewLogCatalog(), ranges: map[uint16]*RangeLogs{}}
	for _, creator := range creators {
		key := CreatorRange(creator, 0)
		l, err := OpenSecondaryLog(filepath.Join(dir, key.String()+".log"), key, SecondaryLogConfig{
			Size:                 32 * 1024,
			SegmentSize:          8 * 1024,
			UtilizationThreshold: 100,
		}, nil, logger, nil)
		require.Nil(t, err)
		logs := &RangeLogs{Key: key, Log: l, Buffer: NewSecondaryLogBuffer(l, 1024)}
		require.Nil(t, f.catalog.InsertRange(logs))
		f.ranges[creator] = logs
	}

	p, err := OpenPrimaryLog(filepath.Join(dir, primaryLogFile), primarySize, 4096, f.catalog, logger, nil)
	require.Nil(t, err)
	f.primary = p

	t.Cleanup(func() {
		p.Close()
		f.catalog.CloseAll()
	})
	return f
}

// snapshotOf concatenates primary entries, one per creator, with payloads
// sized so that each entry has the given total size.
func snapshotOf(entries map[uint16]int) Snapshot {
	snap := Snapshot{Lengths: map[RangeKey]int{}}
	for creator := uint16(1); creator < 16; creator++ {
		size, ok := entries[creator]
		if !ok {
			continue
		}
		entry := primaryEntry(creator, 1, versions.NewVersion(0, 0, 1), payloadOf(size-19, 'p'), false)
		snap.First = append(snap.First, entry...)
		snap.Lengths[CreatorRange(creator, 0)] += len(entry)
	}
	return snap
}

func TestPrimaryLog_Demultiplex(t *testing.T) {
	const a, b, c = 1, 2, 3
	f := newDemuxFixture(t, 64*1024, a, b, c)

	// 50 and 200 bytes stay below a flash page, 5000 do not
	require.Nil(t, f.primary.AppendData(snapshotOf(map[uint16]int{a: 50, b: 5000, c: 200})))

	t.Run("small ranges are buffered and copied to the primary log", func(t *testing.T) {
		assert.Equal(t, int64(250), f.primary.OccupiedSpace())
		assert.Equal(t, 48, f.ranges[a].Buffer.Len())
		assert.Equal(t, 198, f.ranges[c].Buffer.Len())
		assert.Equal(t, int64(0), f.ranges[a].Log.OccupiedSpace())
	})

	t.Run("large ranges go to their secondary log", func(t *testing.T) {
		assert.Equal(t, int64(4998), f.ranges[b].Log.OccupiedSpace())
		assert.Equal(t, 0, f.ranges[b].Buffer.Len())
	})

	t.Run("flushing the buffers empties the primary log", func(t *testing.T) {
		require.Nil(t, f.primary.FlushAllBuffers())
		assert.Equal(t, int64(0), f.primary.OccupiedSpace())
		assert.Equal(t, int64(48), f.ranges[a].Log.OccupiedSpace())
		assert.Equal(t, int64(198), f.ranges[c].Log.OccupiedSpace())
	})
}

func TestPrimaryLog_FullPrimaryLogIsDrained(t *testing.T) {
	const a, c = 1, 3
	f := newDemuxFixture(t, 128, a, c)

	require.Nil(t, f.primary.AppendData(snapshotOf(map[uint16]int{a: 50})))
	assert.Equal(t, int64(50), f.primary.OccupiedSpace())

	// 200 bytes exceed the whole ring: drained before and after
	require.Nil(t, f.primary.AppendData(snapshotOf(map[uint16]int{c: 200})))
	assert.Equal(t, int64(0), f.primary.OccupiedSpace())
	assert.Equal(t, int64(48), f.ranges[a].Log.OccupiedSpace())
	assert.Equal(t, int64(198), f.ranges[c].Log.OccupiedSpace())
}

func TestPrimaryLog_SplitSnapshot(t *testing.T) {
	const a, b = 1, 2
	f := newDemuxFixture(t, 64*1024, a, b)

	whole := snapshotOf(map[uint16]int{a: 100, b: 100})
	// split inside the header of the second entry
	split := Snapshot{First: whole.First[:105], Second: whole.First[105:], Lengths: whole.Lengths}
	require.Nil(t, f.primary.AppendData(split))
	require.Nil(t, f.primary.FlushAllBuffers())

	for _, creator := range []uint16{a, b} {
		out, _, err := f.ranges[creator].Log.RecoverRange(0, 10, false)
		require.Nil(t, err)
		require.Len(t, out, 1)
		for _, payload := range out {
			assert.Equal(t, payloadOf(81, 'p'), payload)
		}
	}
}

func TestPrimaryLog_UnknownRangeIsDropped(t *testing.T) {
	f := newDemuxFixture(t, 64*1024, 1)

	require.Nil(t, f.primary.AppendData(snapshotOf(map[uint16]int{1: 60, 5: 60})))
	assert.Equal(t, int64(60), f.primary.OccupiedSpace())
	assert.Equal(t, 58, f.ranges[1].Buffer.Len())
}

func TestPrimaryLog_CorruptEntryEndsTheSnapshot(t *testing.T) {
	cut := primaryEntry(2, 1, versions.NewVersion(0, 0, 1), payloadOf(41, 'p'), false)
	tails := map[string][]byte{
		"length beyond the snapshot": cut[:30],
		"truncated header":           cut[:10],
		"invalid type byte":          append([]byte{0x00}, cut...),
	}

	for name, tail := range tails {
		t.Run(name, func(t *testing.T) {
			f := newDemuxFixture(t, 64*1024, 1, 2)
			snap := snapshotOf(map[uint16]int{1: 60})
			snap.First = append(snap.First, tail...)

			err := f.primary.AppendData(snap)
			assert.ErrorIs(t, err, enterrors.ErrCorruptHeader)
			assert.Equal(t, 58, f.ranges[1].Buffer.Len(), "entries before the corrupt one are kept")
			assert.Equal(t, 0, f.ranges[2].Buffer.Len())
		})
	}
}
