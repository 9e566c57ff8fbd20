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
	"sync"

	"github.com/pkg/errors"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/logentry"
)

// SecondaryLogBuffer collects small writes of a range in secondary form
// until they fill a buffer worth writing to the secondary log.
type SecondaryLogBuffer struct {
	sync.Mutex
	buf []byte
	log *SecondaryLog
}

func NewSecondaryLogBuffer(log *SecondaryLog, size int) *SecondaryLogBuffer {
	return &SecondaryLogBuffer{
		buf: make([]byte, 0, size),
		log: log,
	}
}

// toSecondary converts a region of whole primary entries.
func toSecondary(dst, primary []byte) ([]byte, error) {
	for pos := 0; pos < len(primary); {
		start := len(dst)
		h, _, err := logentry.DecodePrimary(primary[pos:])
		if err != nil {
			return dst, errors.Wrapf(err, "decode entry at %d", pos)
		}
		dst = append(dst, make([]byte, h.SecondarySize()+int(h.Length))...)
		written, consumed, err := logentry.ToSecondary(dst[start:], primary[pos:])
		if err != nil {
			return dst[:start], err
		}
		dst = dst[:start+written]
		pos += consumed
	}
	return dst, nil
}

// BufferData converts the primary entries and buffers them. A full buffer
// is written to the secondary log first, data larger than the buffer goes
// to the log directly.
func (b *SecondaryLogBuffer) BufferData(primary []byte) error {
	converted, err := toSecondary(make([]byte, 0, len(primary)), primary)
	if err != nil {
		return err
	}

	b.Lock()
	defer b.Unlock()

	if len(b.buf)+len(converted) <= cap(b.buf) {
		b.buf = append(b.buf, converted...)
		return nil
	}
	if err := b.flushLocked(); err != nil {
		return err
	}
	if len(converted) > cap(b.buf) {
		_, err := b.log.AppendData(converted)
		return err
	}
	b.buf = append(b.buf, converted...)
	return nil
}

// FlushAllDataToSecLog writes the buffered data followed by the converted
// primary entries to the secondary log in one append.
func (b *SecondaryLogBuffer) FlushAllDataToSecLog(primary []byte) (int, error) {
	b.Lock()
	defer b.Unlock()

	data, err := toSecondary(append(make([]byte, 0, len(b.buf)+len(primary)), b.buf...), primary)
	if err != nil {
		return 0, err
	}
	n, err := b.log.AppendData(data)
	if n >= len(b.buf) {
		b.buf = b.buf[:0]
	} else {
		b.buf = b.buf[:copy(b.buf, b.buf[n:])]
	}
	return n, err
}

// Flush writes the buffered data to the secondary log.
func (b *SecondaryLogBuffer) Flush() error {
	b.Lock()
	defer b.Unlock()
	return b.flushLocked()
}

func (b *SecondaryLogBuffer) flushLocked() error {
	if len(b.buf) == 0 {
		return nil
	}
	n, err := b.log.AppendData(b.buf)
	// entries that made it into the log must not be written twice
	b.buf = b.buf[:copy(b.buf, b.buf[n:])]
	return err
}

func (b *SecondaryLogBuffer) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.buf)
}
