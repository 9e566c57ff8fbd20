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
	"time"

	"github.com/pkg/errors"
	"github.com/weaviate/chunklog/usecases/config"
)

type StoreOption func(s *Store) error

// WithConfig replaces the defaults as a whole.
func WithConfig(cfg config.Config) StoreOption {
	return func(s *Store) error {
		s.cfg = cfg
		return nil
	}
}

func WithSecondaryLogSize(size int64, segmentSize int) StoreOption {
	return func(s *Store) error {
		s.cfg.SecondaryLog.Size = size
		s.cfg.SecondaryLog.SegmentSize = segmentSize
		return nil
	}
}

func WithPrimaryLogSize(size int64) StoreOption {
	return func(s *Store) error {
		s.cfg.PrimaryLog.Size = size
		return nil
	}
}

func WithWriteBuffer(size, signalBytes, maxBytes int, writerTimeout time.Duration) StoreOption {
	return func(s *Store) error {
		s.cfg.WriteBuffer = config.WriteBuffer{
			Size:          size,
			SignalBytes:   signalBytes,
			MaxBytes:      maxBytes,
			WriterTimeout: writerTimeout,
		}
		return nil
	}
}

func WithChecksums(enabled bool) StoreOption {
	return func(s *Store) error {
		s.cfg.UseChecksums = enabled
		return nil
	}
}

func WithUtilizationThreshold(percent int) StoreOption {
	return func(s *Store) error {
		if percent <= 0 || percent > 100 {
			return errors.Errorf("utilization threshold must be within (0, 100], got %d", percent)
		}
		s.cfg.Reorg.UtilizationThreshold = percent
		return nil
	}
}

func WithVersionFlushThreshold(threshold int) StoreOption {
	return func(s *Store) error {
		s.cfg.Versions.FlushThreshold = threshold
		return nil
	}
}

func WithFlashPageSize(size int) StoreOption {
	return func(s *Store) error {
		s.cfg.FlashPageSize = size
		return nil
	}
}
