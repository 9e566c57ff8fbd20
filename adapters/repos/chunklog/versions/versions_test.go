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

package versions

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name       string
		a, b       Version
		currentEon uint8
		expected   int
	}{
		{"same", NewVersion(0, 3, 7), NewVersion(0, 3, 7), 0, 0},
		{"higher epoch wins", NewVersion(0, 4, 1), NewVersion(0, 3, 900), 0, 1},
		{"higher number wins", NewVersion(1, 3, 2), NewVersion(1, 3, 9), 1, -1},
		{"current eon wins over larger epoch", NewVersion(1, 0, 1), NewVersion(0, MaxEpoch, 5), 1, 1},
		{"previous eon loses", NewVersion(0, 10, 1), NewVersion(1, 2, 1), 1, -1},
		{"tombstone is newest of its epoch", NewVersion(0, 3, TombstoneNumber), NewVersion(0, 3, 1<<20), 0, 1},
		{"numbers compare on 24 bits", NewVersion(0, 3, TombstoneNumber), NewVersion(0, 3, VersionMask), 0, 0},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Compare(test.a, test.b, test.currentEon))
			assert.Equal(t, -test.expected, Compare(test.b, test.a, test.currentEon))
		})
	}
}

func TestTable(t *testing.T) {
	table := NewTable(4, 0.75)

	t.Run("chunk id zero is a valid key", func(t *testing.T) {
		_, ok := table.Get(0)
		assert.False(t, ok)
		table.Put(0, NewVersion(0, 1, 1))
		v, ok := table.Get(0)
		require.True(t, ok)
		assert.Equal(t, uint32(1), v.Number)
	})

	t.Run("grows beyond initial capacity", func(t *testing.T) {
		for i := uint64(1); i < 1000; i++ {
			table.Put(i<<48|i, NewVersion(0, 1, uint32(i)))
		}
		assert.Equal(t, 1000, table.Len())
		for i := uint64(1); i < 1000; i++ {
			v, ok := table.Get(i<<48 | i)
			require.True(t, ok)
			assert.Equal(t, uint32(i), v.Number)
		}
	})

	t.Run("put max keeps the newer version", func(t *testing.T) {
		id := uint64(77)
		table.Put(id, NewVersion(0, 5, 3))
		assert.Equal(t, NewVersion(0, 5, 3), table.PutMax(id, NewVersion(0, 4, 9), 0))
		assert.Equal(t, NewVersion(0, 5, 4), table.PutMax(id, NewVersion(0, 5, 4), 0))
	})

	t.Run("range and clear", func(t *testing.T) {
		seen := 0
		table.Range(func(uint64, Version) bool { seen++; return true })
		assert.Equal(t, table.Len(), seen)

		table.Clear()
		assert.Equal(t, 0, table.Len())
		_, ok := table.Get(77)
		assert.False(t, ok)
	})
}

func openBuffer(t *testing.T, path string, observer Observer) *Buffer {
	logger, _ := test.NewNullLogger()
	b, err := OpenBuffer(path, 64, 0.9, 1000, logger, observer)
	require.Nil(t, err)
	return b
}

func nextVersion(t *testing.T, b *Buffer, chunkID uint64) Version {
	t.Helper()
	v, ok := b.GetNext(chunkID)
	require.True(t, ok, "no version left for chunk %d", chunkID)
	return v
}

func TestBuffer_GetNextIsMonotonic(t *testing.T) {
	b := openBuffer(t, filepath.Join(t.TempDir(), "versions"), Observer{})
	defer b.Close()

	prev := nextVersion(t, b, 42)
	assert.Equal(t, uint32(1), prev.Number)
	for i := 0; i < 100; i++ {
		next := nextVersion(t, b, 42)
		assert.Equal(t, 1, Compare(next, prev, b.CurrentEon()))
		assert.Equal(t, prev.Epoch, next.Epoch)
		prev = next
	}

	flipped, err := b.Flush(nil)
	require.Nil(t, err)
	assert.False(t, flipped)

	next := nextVersion(t, b, 42)
	assert.Equal(t, uint32(1), next.Number, "new epoch restarts at version 1")
	assert.Equal(t, prev.EpochCounter()+1, next.EpochCounter())
	assert.Equal(t, 1, Compare(next, prev, b.CurrentEon()))

	t.Run("deletion needs a new epoch", func(t *testing.T) {
		tomb := b.MarkDeleted(42)
		assert.True(t, tomb.IsTombstone())
		_, ok := b.GetNext(42)
		assert.False(t, ok, "version 1 would sort below the tombstone")

		_, err := b.Flush(nil)
		require.Nil(t, err)
		v := nextVersion(t, b, 42)
		assert.Equal(t, uint32(1), v.Number)
		assert.Equal(t, 1, Compare(v, tomb, b.CurrentEon()))
	})
}

func TestBuffer_GetNextStopsBelowVersionMask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions")
	b := openBuffer(t, path, Observer{})

	const id = 7
	b.table.Put(id, Version{Epoch: b.Current().Epoch, Number: MaxNumber - 1})

	last := nextVersion(t, b, id)
	assert.Equal(t, MaxNumber, last.Number)

	_, ok := b.GetNext(id)
	assert.False(t, ok, "numbers never wrap within an epoch")
	got, _ := b.Get(id)
	assert.Equal(t, last, got, "a refused request assigns nothing")

	_, err := b.Flush(nil)
	require.Nil(t, err)
	next := nextVersion(t, b, id)
	assert.Equal(t, 1, Compare(next, last, b.CurrentEon()))

	require.Nil(t, b.Close())

	t.Run("the last number is not read back as a deletion", func(t *testing.T) {
		b := openBuffer(t, path, Observer{})
		defer b.Close()

		view, err := b.ReplayAll()
		require.Nil(t, err)
		v, ok := view.Get(id)
		require.True(t, ok)
		assert.Equal(t, MaxNumber, v.Number)
		assert.NotEqual(t, VersionMask, v.Number)
	})
}

func TestBuffer_PutMaxKeepsNewest(t *testing.T) {
	b := openBuffer(t, filepath.Join(t.TempDir(), "versions"), Observer{})
	defer b.Close()

	tomb := b.MarkDeleted(3)
	assert.Equal(t, NewVersion(0, 5, 1), b.PutMax(3, NewVersion(0, 5, 1)))
	assert.Equal(t, NewVersion(0, 5, 1), b.PutMax(3, tomb), "older tombstone is ignored")
	assert.Equal(t, NewVersion(0, 5, 1), b.PutMax(3, NewVersion(0, 4, 9)))

	v := nextVersion(t, b, 3)
	assert.Equal(t, b.Current().Epoch, v.Epoch)
	assert.Equal(t, uint32(1), v.Number, "versions of other epochs do not count")
}

func TestBuffer_EonFlipsOncePerWrap(t *testing.T) {
	b := openBuffer(t, filepath.Join(t.TempDir(), "versions"), Observer{})
	defer b.Close()

	var flips, hooks int
	var hookEon uint8
	for i := 0; i < 2*(1<<EpochBits); i++ {
		flipped, err := b.Flush(func(currentEon uint8) error {
			hooks++
			hookEon = currentEon
			return nil
		})
		require.Nil(t, err)
		if flipped {
			flips++
			if flips == 1 {
				assert.Equal(t, i, 1<<EpochBits-1)
				assert.Equal(t, uint8(0), hookEon, "hook sees the eon before the flip")
				assert.Equal(t, uint8(1), b.CurrentEon())
				assert.Equal(t, uint16(0), b.Current().EpochCounter())
			}
		}
	}
	assert.Equal(t, 2, flips)
	assert.Equal(t, 2, hooks)
	assert.Equal(t, uint8(0), b.CurrentEon())
}

func TestBuffer_FailingFlipHookAbortsFlush(t *testing.T) {
	b := openBuffer(t, filepath.Join(t.TempDir(), "versions"), Observer{})
	defer b.Close()

	for i := 0; i < int(MaxEpoch); i++ {
		_, err := b.Flush(nil)
		require.Nil(t, err)
	}
	b.GetNext(1)

	_, err := b.Flush(func(uint8) error { return errors.New("sweep failed") })
	require.NotNil(t, err)
	assert.Equal(t, MaxEpoch, b.Current().EpochCounter())
	assert.Equal(t, 1, b.Len(), "buffered versions are kept")
}

func TestBuffer_MergeAllFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions")
	var replayed int64
	b := openBuffer(t, path, Observer{Replayed: func(read, ns int64) { replayed += read }})

	b.GetNext(1)
	b.GetNext(2)
	_, err := b.Flush(nil)
	require.Nil(t, err)

	b.GetNext(1)
	b.GetNext(1)
	_, err = b.Flush(nil)
	require.Nil(t, err)

	b.GetNext(2)
	b.MarkDeleted(3)

	view := NewTable(16, 0.9)
	require.Nil(t, b.MergeAllFromDisk(view))
	assert.Equal(t, int64(3*RecordSize), replayed)

	v1, _ := view.Get(1)
	assert.Equal(t, NewVersion(0, 1, 2), v1)
	v2, _ := view.Get(2)
	assert.Equal(t, NewVersion(0, 2, 1), v2, "memory overlays disk")
	v3, _ := view.Get(3)
	assert.True(t, v3.IsTombstone())

	stat, err := os.Stat(path)
	require.Nil(t, err)
	assert.Equal(t, int64(headerSize+3*RecordSize), stat.Size(), "log is compacted to the view")

	require.Nil(t, b.Close())

	t.Run("reopen restores epoch and compacted records", func(t *testing.T) {
		b := openBuffer(t, path, Observer{})
		defer b.Close()
		assert.Equal(t, uint16(2), b.Current().EpochCounter())

		view, err := b.ReplayAll()
		require.Nil(t, err)
		assert.Equal(t, 3, view.Len())
		v3, _ := view.Get(3)
		assert.Equal(t, VersionMask, v3.Number)
		assert.True(t, Compare(v3, NewVersion(0, 2, 1<<20), b.CurrentEon()) > 0)
	})
}

func TestBuffer_TornRecordIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "versions")
	b := openBuffer(t, path, Observer{})
	b.GetNext(9)
	_, err := b.Flush(nil)
	require.Nil(t, err)
	require.Nil(t, b.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o666)
	require.Nil(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.Nil(t, err)
	require.Nil(t, f.Close())

	b = openBuffer(t, path, Observer{})
	defer b.Close()
	view, err := b.ReplayAll()
	require.Nil(t, err)
	assert.Equal(t, 1, view.Len())
}
