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

package ringlog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enterrors "github.com/weaviate/chunklog/entities/errors"
)

func TestRingLog_SequentialRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "primary.log")
	r, err := OpenOrCreate(path, 100, PrimaryMagic, false)
	require.Nil(t, err)
	defer r.Close()

	entries := [][]byte{
		bytes.Repeat([]byte{1}, 30),
		bytes.Repeat([]byte{2}, 25),
		bytes.Repeat([]byte{3}, 40),
	}

	var sum int64
	for _, e := range entries {
		n, err := r.AppendSequential(e)
		require.Nil(t, err)
		sum += int64(n)
		assert.Equal(t, sum, r.OccupiedSpace())
	}
	assert.Equal(t, int64(5), r.WritableSpace())

	t.Run("append beyond capacity is rejected, not truncated", func(t *testing.T) {
		n, err := r.AppendSequential(make([]byte, 6))
		assert.ErrorIs(t, err, enterrors.ErrCapacityExceeded)
		assert.Equal(t, 0, n)
		assert.Equal(t, sum, r.OccupiedSpace())
	})

	t.Run("read without advance keeps the pointer", func(t *testing.T) {
		out, err := r.ReadSequential(30, false)
		require.Nil(t, err)
		assert.Equal(t, entries[0], out)
		assert.Equal(t, sum, r.OccupiedSpace())
	})

	t.Run("consume first entry and wrap the next append", func(t *testing.T) {
		_, err := r.ReadSequential(30, true)
		require.Nil(t, err)

		// write pointer at 95, this entry covers 95..99 and 0..24
		wrapping := bytes.Repeat([]byte{4}, 30)
		_, err = r.AppendSequential(wrapping)
		require.Nil(t, err)
		entries = append(entries[1:], wrapping)

		out, err := r.ReadSequential(95, true)
		require.Nil(t, err)
		assert.Equal(t, bytes.Join(entries, nil), out)
		assert.Equal(t, int64(0), r.OccupiedSpace())
	})
}

func TestRingLog_AppendTruncated(t *testing.T) {
	r, err := OpenOrCreate(filepath.Join(t.TempDir(), "primary.log"), 64, PrimaryMagic, false)
	require.Nil(t, err)
	defer r.Close()

	n, err := r.AppendTruncated(make([]byte, 50))
	require.Nil(t, err)
	assert.Equal(t, 50, n)

	n, err = r.AppendTruncated(make([]byte, 50))
	require.Nil(t, err)
	assert.Equal(t, 14, n)
	assert.Equal(t, int64(0), r.WritableSpace())

	require.Nil(t, r.ResetPointers())
	assert.Equal(t, int64(64), r.WritableSpace())
}

func TestRingLog_RandomAccessWrapsAround(t *testing.T) {
	r, err := OpenOrCreate(filepath.Join(t.TempDir(), "sec.log"), 16, SecondaryMagic, true)
	require.Nil(t, err)
	defer r.Close()

	require.Nil(t, r.Overwrite(12, []byte("abcdefgh")))

	out, err := r.ReadRandom(12, 8)
	require.Nil(t, err)
	assert.Equal(t, []byte("abcdefgh"), out)

	head, err := r.ReadRandom(0, 4)
	require.Nil(t, err)
	assert.Equal(t, []byte("efgh"), head)

	assert.NotNil(t, r.Overwrite(0, make([]byte, 17)))
}

func TestRingLog_PersistedPointers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sec.log")
	r, err := OpenOrCreate(path, 128, SecondaryMagic, true)
	require.Nil(t, err)

	_, err = r.AppendSequential([]byte("0123456789"))
	require.Nil(t, err)
	r.SetReorgPointer(4)
	require.Nil(t, r.Close())

	r, err = OpenOrCreate(path, 128, SecondaryMagic, true)
	require.Nil(t, err)
	defer r.Close()

	read, write, reorg := r.Pointers()
	assert.Equal(t, int64(0), read)
	assert.Equal(t, int64(10), write)
	assert.Equal(t, int64(4), reorg)

	out, err := r.ReadSequential(10, false)
	require.Nil(t, err)
	assert.Equal(t, []byte("0123456789"), out)
}

func TestRingLog_OpenValidatesHeader(t *testing.T) {
	dir := t.TempDir()

	t.Run("wrong magic", func(t *testing.T) {
		path := filepath.Join(dir, "a.log")
		r, err := OpenOrCreate(path, 32, PrimaryMagic, false)
		require.Nil(t, err)
		require.Nil(t, r.Close())

		_, err = OpenOrCreate(path, 32, SecondaryMagic, false)
		assert.ErrorIs(t, err, enterrors.ErrCorruptHeader)
	})

	t.Run("wrong size", func(t *testing.T) {
		path := filepath.Join(dir, "b.log")
		r, err := OpenOrCreate(path, 32, PrimaryMagic, false)
		require.Nil(t, err)
		require.Nil(t, r.Close())

		_, err = OpenOrCreate(path, 64, PrimaryMagic, false)
		assert.ErrorIs(t, err, enterrors.ErrCorruptHeader)
	})

	t.Run("remove deletes the file", func(t *testing.T) {
		path := filepath.Join(dir, "c.log")
		r, err := OpenOrCreate(path, 32, PrimaryMagic, false)
		require.Nil(t, err)
		require.Nil(t, r.Remove())
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestRingLog_Map(t *testing.T) {
	r, err := OpenOrCreate(filepath.Join(t.TempDir(), "sec.log"), 4096, SecondaryMagic, true)
	require.Nil(t, err)
	defer r.Close()

	require.Nil(t, r.Overwrite(100, []byte("mapped")))
	require.Nil(t, r.Sync())

	m, err := r.Map()
	require.Nil(t, err)
	defer m.Unmap()

	assert.Len(t, m.Bytes(), 4096)
	assert.Equal(t, []byte("mapped"), m.Bytes()[100:106])
}
