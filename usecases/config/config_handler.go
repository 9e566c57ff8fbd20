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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFile = "./chunklog.conf.yaml"

	KiB = 1 << 10
	MiB = 1 << 20
)

// Config holds every tunable of a chunk log store.
type Config struct {
	DataPath string `json:"data_path" yaml:"data_path"`
	// NodeID is the creator id of chunks created on this node
	NodeID uint16 `json:"node_id" yaml:"node_id"`

	PrimaryLog   PrimaryLog   `json:"primary_log" yaml:"primary_log"`
	SecondaryLog SecondaryLog `json:"secondary_log" yaml:"secondary_log"`
	WriteBuffer  WriteBuffer  `json:"write_buffer" yaml:"write_buffer"`
	Reorg        Reorg        `json:"reorganization" yaml:"reorganization"`
	Versions     Versions     `json:"versions" yaml:"versions"`

	FlashPageSize int  `json:"flash_page_size" yaml:"flash_page_size"`
	UseChecksums  bool `json:"use_checksums" yaml:"use_checksums"`

	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"`
}

type PrimaryLog struct {
	Size int64 `json:"size" yaml:"size"`
}

type SecondaryLog struct {
	Size        int64 `json:"size" yaml:"size"`
	SegmentSize int   `json:"segment_size" yaml:"segment_size"`
	// BufferSize is the write combining buffer in front of each secondary log
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

type WriteBuffer struct {
	// Size must be a power of two
	Size int `json:"size" yaml:"size"`
	// SignalBytes wakes the writer before its timeout
	SignalBytes int `json:"signal_bytes" yaml:"signal_bytes"`
	// MaxBytes is the occupancy at which producers wait
	MaxBytes      int           `json:"max_bytes" yaml:"max_bytes"`
	WriterTimeout time.Duration `json:"writer_timeout" yaml:"writer_timeout"`
}

type Reorg struct {
	// UtilizationThreshold in percent of a secondary log's size, crossing it
	// triggers reorganization of that log
	UtilizationThreshold int           `json:"utilization_threshold" yaml:"utilization_threshold"`
	Interval             time.Duration `json:"interval" yaml:"interval"`
	RoutinesLimit        int           `json:"routines_limit" yaml:"routines_limit"`
	SegmentsPerCycle     int           `json:"segments_per_cycle" yaml:"segments_per_cycle"`
	// InlineRetries bounds the synchronous reclaim attempts of a full log
	InlineRetries uint64 `json:"inline_retries" yaml:"inline_retries"`
}

type Versions struct {
	InitialCapacity int     `json:"initial_capacity" yaml:"initial_capacity"`
	LoadFactor      float64 `json:"load_factor" yaml:"load_factor"`
	// FlushThreshold is the number of buffered versions that forces a flush
	FlushThreshold int  `json:"flush_threshold" yaml:"flush_threshold"`
	AssignVersions bool `json:"assign_versions" yaml:"assign_versions"`
}

// Defaults returns a configuration suited for a single node with moderate
// memory. The values keep the ratios of the original deployments.
func Defaults() Config {
	return Config{
		DataPath: "./data",
		PrimaryLog: PrimaryLog{
			Size: 256 * MiB,
		},
		SecondaryLog: SecondaryLog{
			Size:        128 * MiB,
			SegmentSize: 8 * MiB,
			BufferSize:  128 * KiB,
		},
		WriteBuffer: WriteBuffer{
			Size:          32 * MiB,
			SignalBytes:   8 * MiB,
			MaxBytes:      10 * MiB,
			WriterTimeout: 500 * time.Millisecond,
		},
		Reorg: Reorg{
			UtilizationThreshold: 70,
			Interval:             time.Second,
			RoutinesLimit:        2,
			SegmentsPerCycle:     4,
			InlineRetries:        3,
		},
		Versions: Versions{
			InitialCapacity: 1 << 16,
			LoadFactor:      0.9,
			FlushThreshold:  1 << 20,
			AssignVersions:  true,
		},
		FlashPageSize: 4 * KiB,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

func (c *Config) Validate() error {
	if c.DataPath == "" {
		return configErr(fmt.Errorf("data_path must be set"))
	}
	if err := c.WriteBuffer.Validate(); err != nil {
		return configErr(err)
	}
	if err := c.SecondaryLog.Validate(c.FlashPageSize); err != nil {
		return configErr(err)
	}
	if c.PrimaryLog.Size < int64(c.FlashPageSize) {
		return configErr(fmt.Errorf("primary_log.size must hold at least one flash page"))
	}
	if c.Reorg.UtilizationThreshold < 1 || c.Reorg.UtilizationThreshold > 100 {
		return configErr(fmt.Errorf("reorganization.utilization_threshold must be between 1 and 100"))
	}
	if c.Versions.LoadFactor <= 0 || c.Versions.LoadFactor >= 1 {
		return configErr(fmt.Errorf("versions.load_factor must be between 0 and 1"))
	}
	return nil
}

func (w WriteBuffer) Validate() error {
	if w.Size <= 0 || w.Size&(w.Size-1) != 0 {
		return fmt.Errorf("write_buffer.size must be a power of two, got %d", w.Size)
	}
	if w.SignalBytes <= 0 || w.SignalBytes >= w.MaxBytes {
		return fmt.Errorf("write_buffer.signal_bytes must be positive and below max_bytes")
	}
	if w.MaxBytes > w.Size {
		return fmt.Errorf("write_buffer.max_bytes must not exceed write_buffer.size")
	}
	if w.WriterTimeout <= 0 {
		return fmt.Errorf("write_buffer.writer_timeout must be positive")
	}
	return nil
}

func (s SecondaryLog) Validate(flashPageSize int) error {
	if flashPageSize <= 0 {
		return fmt.Errorf("flash_page_size must be positive")
	}
	if s.SegmentSize < flashPageSize {
		return fmt.Errorf("secondary_log.segment_size must be at least one flash page")
	}
	if s.Size < int64(s.SegmentSize) || s.Size%int64(s.SegmentSize) != 0 {
		return fmt.Errorf("secondary_log.size must be a multiple of secondary_log.segment_size")
	}
	if s.BufferSize <= 0 || s.BufferSize > s.SegmentSize {
		return fmt.Errorf("secondary_log.buffer_size must be positive and fit into a segment")
	}
	return nil
}

// LoadConfig starts from the defaults, overlays the config file if present
// and finally the environment.
func LoadConfig(fileName string, logger logrus.FieldLogger) (Config, error) {
	config := Defaults()
	if fileName == "" {
		fileName = DefaultConfigFile
	}

	file, err := os.ReadFile(fileName)
	switch {
	case err == nil:
		logger.WithField("action", "config_load").WithField("config_file_path", fileName).
			Debug("loading config file")
		if err := parseConfigFile(file, fileName, &config); err != nil {
			return config, configErr(err)
		}
	case os.IsNotExist(err):
	default:
		return config, errors.Wrapf(err, "read config file %q", fileName)
	}

	if err := FromEnv(&config); err != nil {
		return config, configErr(err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func parseConfigFile(file []byte, name string, config *Config) error {
	switch filepath.Ext(name) {
	case ".json":
		if err := json.Unmarshal(file, config); err != nil {
			return fmt.Errorf("error unmarshalling the json config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(file, config); err != nil {
			return fmt.Errorf("error unmarshalling the yaml config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension '%s', use .yaml or .json", filepath.Ext(name))
	}
	return nil
}

func configErr(err error) error {
	return fmt.Errorf("invalid config: %w", err)
}
