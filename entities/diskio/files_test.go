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

package diskio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiles(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "range_0001.log")
	exists, err := FileExists(path)
	require.Nil(t, err)
	assert.False(t, exists)

	f, err := CreateFile(path, "test")
	require.Nil(t, err)
	require.Nil(t, f.Close())
	require.Nil(t, Fsync(path))
	require.Nil(t, Fsync(dir))

	exists, err = FileExists(path)
	require.Nil(t, err)
	assert.True(t, exists)

	require.Nil(t, RemoveFile(path, "test"))
	require.Nil(t, RemoveFile(path, "test"), "removing twice is fine")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSanitizeFilePathJoin(t *testing.T) {
	dir := t.TempDir()

	p, err := SanitizeFilePathJoin(dir, "sec_0001.log")
	require.Nil(t, err)
	assert.True(t, strings.HasSuffix(p, "sec_0001.log"))

	_, err = SanitizeFilePathJoin(dir, "../escape.log")
	assert.NotNil(t, err)

	_, err = SanitizeFilePathJoin(dir, "/etc/passwd")
	assert.NotNil(t, err)
}

func TestMeteredReader(t *testing.T) {
	var read, calls int64
	r := NewMeteredReader(bytes.NewReader([]byte("0123456789")), func(n, ns int64) {
		read += n
		calls++
	})

	out := make([]byte, 16)
	n, err := r.Read(out)
	require.Nil(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, int64(10), read)

	_, err = r.Read(out)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, int64(1), calls, "failed reads are not metered")
}
