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

package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when an append does not fit into the
	// writable space of a log. The data is rejected, never truncated.
	ErrCapacityExceeded = errors.New("log capacity exceeded")

	// ErrChecksumMismatch marks an entry whose payload does not match its
	// stored checksum. Recovery skips the entry and continues.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCorruptHeader marks an entry header with inconsistent fields.
	// Recovery abandons the rest of the segment.
	ErrCorruptHeader = errors.New("corrupt log entry header")

	// ErrInterrupted is returned when a blocking wait was cancelled.
	ErrInterrupted = errors.New("operation interrupted")

	// ErrSegmentLocked is transient, the caller moves on to another segment.
	ErrSegmentLocked = errors.New("segment locked")

	ErrClosed = errors.New("log closed")

	// ErrEntryTooLarge is a configuration error: the request can never fit
	// into the write buffer.
	ErrEntryTooLarge = errors.New("entry larger than write buffer")
)

func NewCapacityExceeded(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCapacityExceeded)
}

func NewChecksumMismatch(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrChecksumMismatch)
}

func NewCorruptHeader(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCorruptHeader)
}

func NewInterrupted(cause error) error {
	return fmt.Errorf("%w: %v", ErrInterrupted, cause)
}

func NewEntryTooLarge(size, limit int) error {
	return fmt.Errorf("%w: %d bytes, buffer holds %d", ErrEntryTooLarge, size, limit)
}

// IsTransient reports whether the operation may succeed when retried later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrSegmentLocked)
}
