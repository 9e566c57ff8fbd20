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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	c := Defaults()
	require.Nil(t, c.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty data path", func(c *Config) { c.DataPath = "" }},
		{"write buffer not power of two", func(c *Config) { c.WriteBuffer.Size = 3 * MiB }},
		{"signal above ceiling", func(c *Config) { c.WriteBuffer.SignalBytes = c.WriteBuffer.MaxBytes }},
		{"ceiling above buffer", func(c *Config) { c.WriteBuffer.MaxBytes = c.WriteBuffer.Size + 1 }},
		{"segment smaller than flash page", func(c *Config) { c.SecondaryLog.SegmentSize = 1024 }},
		{"log not multiple of segment", func(c *Config) { c.SecondaryLog.Size = 9 * MiB }},
		{"threshold out of range", func(c *Config) { c.Reorg.UtilizationThreshold = 120 }},
		{"load factor out of range", func(c *Config) { c.Versions.LoadFactor = 1 }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := Defaults()
			test.mutate(&c)
			err := c.Validate()
			require.NotNil(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoadConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()

	t.Run("missing file yields defaults", func(t *testing.T) {
		c, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), logger)
		require.Nil(t, err)
		assert.Equal(t, Defaults(), c)
	})

	t.Run("yaml file overlays defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chunklog.yaml")
		yaml := []byte(`
data_path: /var/lib/chunklog
node_id: 7
secondary_log:
  size: 67108864
  segment_size: 1048576
  buffer_size: 65536
write_buffer:
  writer_timeout: 250ms
use_checksums: true
`)
		require.Nil(t, os.WriteFile(path, yaml, 0o644))

		c, err := LoadConfig(path, logger)
		require.Nil(t, err)
		assert.Equal(t, "/var/lib/chunklog", c.DataPath)
		assert.Equal(t, uint16(7), c.NodeID)
		assert.Equal(t, int64(64*MiB), c.SecondaryLog.Size)
		assert.Equal(t, MiB, c.SecondaryLog.SegmentSize)
		assert.Equal(t, 250*time.Millisecond, c.WriteBuffer.WriterTimeout)
		assert.Equal(t, 32*MiB, c.WriteBuffer.Size, "untouched values keep defaults")
		assert.True(t, c.UseChecksums)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chunklog.toml")
		require.Nil(t, os.WriteFile(path, []byte("x = 1"), 0o644))
		_, err := LoadConfig(path, logger)
		assert.NotNil(t, err)
	})
}

func TestFromEnv(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		t.Setenv("CHUNKLOG_NODE_ID", "12")
		t.Setenv("CHUNKLOG_SEGMENT_SIZE", "2097152")
		t.Setenv("CHUNKLOG_WRITER_TIMEOUT", "1s")
		t.Setenv("CHUNKLOG_USE_CHECKSUMS", "true")
		t.Setenv("CHUNKLOG_ASSIGN_VERSIONS", "false")

		c := Defaults()
		require.Nil(t, FromEnv(&c))
		assert.Equal(t, uint16(12), c.NodeID)
		assert.Equal(t, 2*MiB, c.SecondaryLog.SegmentSize)
		assert.Equal(t, time.Second, c.WriteBuffer.WriterTimeout)
		assert.True(t, c.UseChecksums)
		assert.False(t, c.Versions.AssignVersions)
	})

	t.Run("parse errors name the variable", func(t *testing.T) {
		t.Setenv("CHUNKLOG_NODE_ID", "70000")
		c := Defaults()
		err := FromEnv(&c)
		require.NotNil(t, err)
		assert.Contains(t, err.Error(), "CHUNKLOG_NODE_ID")
	})
}

func TestNewLogger(t *testing.T) {
	l := NewLogger("json", "debug")
	assert.Equal(t, logrus.DebugLevel, l.Level)
	_, isJSON := l.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)

	l = NewLogger("text", "")
	assert.Equal(t, logrus.InfoLevel, l.Level)
	_, isJSON = l.Formatter.(*logrus.JSONFormatter)
	assert.False(t, isJSON)
}
