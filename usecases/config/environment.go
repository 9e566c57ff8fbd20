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
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// FromEnv takes a *Config as it will respect initial config that has been
// provided by other means (e.g. a config file) and will only extend those
// that are set
func FromEnv(config *Config) error {
	if v := os.Getenv("CHUNKLOG_DATA_PATH"); v != "" {
		config.DataPath = v
	}

	if err := parseUint16("CHUNKLOG_NODE_ID", &config.NodeID); err != nil {
		return err
	}

	if err := parseInt64("CHUNKLOG_PRIMARY_LOG_SIZE", &config.PrimaryLog.Size); err != nil {
		return err
	}

	if err := parseInt64("CHUNKLOG_SECONDARY_LOG_SIZE", &config.SecondaryLog.Size); err != nil {
		return err
	}

	if err := parseInt("CHUNKLOG_SEGMENT_SIZE", &config.SecondaryLog.SegmentSize); err != nil {
		return err
	}

	if err := parseInt("CHUNKLOG_SECONDARY_LOG_BUFFER_SIZE", &config.SecondaryLog.BufferSize); err != nil {
		return err
	}

	if err := parseInt("CHUNKLOG_WRITE_BUFFER_SIZE", &config.WriteBuffer.Size); err != nil {
		return err
	}

	if err := parseInt("CHUNKLOG_WRITE_BUFFER_SIGNAL_BYTES", &config.WriteBuffer.SignalBytes); err != nil {
		return err
	}

	if err := parseInt("CHUNKLOG_WRITE_BUFFER_MAX_BYTES", &config.WriteBuffer.MaxBytes); err != nil {
		return err
	}

	if err := parseDuration("CHUNKLOG_WRITER_TIMEOUT", &config.WriteBuffer.WriterTimeout); err != nil {
		return err
	}

	if err := parseInt("CHUNKLOG_FLASH_PAGE_SIZE", &config.FlashPageSize); err != nil {
		return err
	}

	if err := parseInt("CHUNKLOG_REORG_UTILIZATION_THRESHOLD", &config.Reorg.UtilizationThreshold); err != nil {
		return err
	}

	if err := parseDuration("CHUNKLOG_REORG_INTERVAL", &config.Reorg.Interval); err != nil {
		return err
	}

	if err := parseInt("CHUNKLOG_REORG_ROUTINES_LIMIT", &config.Reorg.RoutinesLimit); err != nil {
		return err
	}

	if v := os.Getenv("CHUNKLOG_USE_CHECKSUMS"); v != "" {
		config.UseChecksums = enabled(v)
	}

	if v := os.Getenv("CHUNKLOG_ASSIGN_VERSIONS"); v != "" {
		config.Versions.AssignVersions = enabled(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.LogFormat = v
	}

	return nil
}

func parseInt(envName string, target *int) error {
	if v := os.Getenv(envName); v != "" {
		asInt, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s as int", envName)
		}
		*target = asInt
	}
	return nil
}

func parseInt64(envName string, target *int64) error {
	if v := os.Getenv(envName); v != "" {
		asInt, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "parse %s as int64", envName)
		}
		*target = asInt
	}
	return nil
}

func parseUint16(envName string, target *uint16) error {
	if v := os.Getenv(envName); v != "" {
		asUint, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return errors.Wrapf(err, "parse %s as uint16", envName)
		}
		*target = uint16(asUint)
	}
	return nil
}

func parseDuration(envName string, target *time.Duration) error {
	if v := os.Getenv(envName); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s as duration", envName)
		}
		*target = d
	}
	return nil
}

func enabled(value string) bool {
	switch value {
	case "on", "enabled", "1", "true":
		return true
	default:
		return false
	}
}
