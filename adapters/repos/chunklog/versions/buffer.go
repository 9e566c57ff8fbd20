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
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/chunklog/entities/diskio"
	enterrors "github.com/weaviate/chunklog/entities/errors"
	"github.com/weaviate/chunklog/usecases/byte_operations"
)

const (
	// RecordSize is chunk id (8), epoch (2), version (3)
	RecordSize = 13
	headerSize = 2
)

// BeforeFlipFunc runs while a flush is about to wrap the epoch, before the
// eon changes. currentEon is the eon still in effect.
type BeforeFlipFunc func(currentEon uint8) error

type Observer struct {
	// Flushed is called after every successful flush
	Flushed func(flipped bool)
	// Replayed reports bytes read from the version log and the time taken
	Replayed diskio.MeteredReaderCallback
}

// Buffer assigns versions for the chunks of one secondary log and persists
// them in a version log file: a two byte header holding the current epoch,
// followed by fixed size records appended at every flush.
//
// All methods are safe for concurrent use, serialized by a single lock.
type Buffer struct {
	sync.Mutex

	path     string
	file     *os.File
	logger   logrus.FieldLogger
	observer Observer

	table          *Table
	epoch          uint16
	flushThreshold int
	capacity       int
	loadFactor     float64
}

func OpenBuffer(path string, capacity int, loadFactor float64, flushThreshold int,
	logger logrus.FieldLogger, observer Observer,
) (*Buffer, error) {
	b := &Buffer{
		path:           path,
		logger:         logger,
		observer:       observer,
		table:          NewTable(capacity, loadFactor),
		flushThreshold: flushThreshold,
		capacity:       capacity,
		loadFactor:     loadFactor,
	}

	f, err := diskio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666, "versions")
	if err != nil {
		return nil, errors.Wrapf(err, "open version log %q", path)
	}
	b.file = f

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat version log %q", path)
	}

	if stat.Size() < headerSize {
		if err := b.writeEpoch(); err != nil {
			f.Close()
			return nil, err
		}
		return b, nil
	}

	var header [headerSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "read header of version log %q", path)
	}
	rw := byte_operations.ByteOperations{Buffer: header[:]}
	b.epoch = rw.ReadUint16()

	if torn := (stat.Size() - headerSize) % RecordSize; torn != 0 {
		logger.WithField("action", "chunklog_versions_open").
			WithField("path", path).
			Warnf("discarding %d bytes of a torn record at the end of the version log", torn)
		if err := f.Truncate(stat.Size() - torn); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "truncate version log %q", path)
		}
	}

	return b, nil
}

func (b *Buffer) writeEpoch() error {
	var header [headerSize]byte
	rw := byte_operations.ByteOperations{Buffer: header[:]}
	rw.WriteUint16(b.epoch)
	if _, err := b.file.WriteAt(header[:], 0); err != nil {
		return errors.Wrapf(err, "write header of version log %q", b.path)
	}
	return nil
}

// Current returns the epoch (including the eon bit) new versions are
// assigned in.
func (b *Buffer) Current() Version {
	b.Lock()
	defer b.Unlock()
	return Version{Epoch: b.epoch}
}

func (b *Buffer) CurrentEon() uint8 {
	return b.Current().Eon()
}

// Get returns the version assigned in the current epoch, if any.
func (b *Buffer) Get(chunkID uint64) (Version, bool) {
	b.Lock()
	defer b.Unlock()
	return b.table.Get(chunkID)
}

// GetNext assigns the next version of a chunk: the successor of the version
// assigned in the current epoch, or version 1 if there is none. It returns
// false and assigns nothing if no greater version is left in this epoch,
// because the chunk was deleted in it or used up MaxNumber. The caller
// flushes and asks again.
func (b *Buffer) GetNext(chunkID uint64) (Version, bool) {
	b.Lock()
	defer b.Unlock()

	next := Version{Epoch: b.epoch, Number: 1}
	// versions recorded through PutMax may belong to other epochs
	if cur, ok := b.table.Get(chunkID); ok && cur.Epoch == b.epoch {
		if cur.IsTombstone() || cur.Number >= MaxNumber {
			return Version{}, false
		}
		next.Number = cur.Number + 1
	}
	b.table.Put(chunkID, next)
	return next, true
}

// PutMax records a version assigned by the caller unless a newer one is
// known for the chunk. It returns the version recorded afterwards.
func (b *Buffer) PutMax(chunkID uint64, v Version) Version {
	b.Lock()
	defer b.Unlock()
	return b.table.PutMax(chunkID, v, uint8(b.epoch>>EpochBits))
}

// MarkDeleted records a deletion in the current epoch and returns the
// version to write into the tombstone.
func (b *Buffer) MarkDeleted(chunkID uint64) Version {
	b.Lock()
	defer b.Unlock()

	v := Version{Epoch: b.epoch, Number: TombstoneNumber}
	b.table.Put(chunkID, v)
	return v
}

func (b *Buffer) Len() int {
	b.Lock()
	defer b.Unlock()
	return b.table.Len()
}

func (b *Buffer) NeedsFlush() bool {
	return b.Len() >= b.flushThreshold
}

// Flush appends all buffered versions to the version log, clears the
// buffer and advances the epoch. When the epoch wraps, beforeFlip runs
// first while assignment of new versions is blocked; if it fails, the
// flush is aborted and the epoch is unchanged.
func (b *Buffer) Flush(beforeFlip BeforeFlipFunc) (flipped bool, err error) {
	b.Lock()
	defer b.Unlock()

	if b.epoch&MaxEpoch == MaxEpoch {
		if beforeFlip != nil {
			if err := beforeFlip(uint8(b.epoch >> EpochBits)); err != nil {
				return false, errors.Wrap(err, "prepare eon flip")
			}
		}
		flipped = true
	}

	// an epoch in which no version was assigned may be lost on crash
	needsSync := flipped || b.table.Len() > 0
	if err := b.appendRecordsLocked(); err != nil {
		return false, err
	}

	if flipped {
		b.epoch = (b.epoch & EonBit) ^ EonBit
	} else {
		b.epoch++
	}
	if err := b.writeEpoch(); err != nil {
		return false, err
	}
	if needsSync {
		if err := b.file.Sync(); err != nil {
			return false, errors.Wrapf(err, "sync version log %q", b.path)
		}
	}

	b.table.Clear()
	if b.observer.Flushed != nil {
		b.observer.Flushed(flipped)
	}
	return flipped, nil
}

func (b *Buffer) appendRecordsLocked() error {
	if b.table.Len() == 0 {
		return nil
	}

	stat, err := b.file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat version log %q", b.path)
	}

	buf := make([]byte, b.table.Len()*RecordSize)
	encodeRecords(b.table, buf)
	if _, err := b.file.WriteAt(buf, stat.Size()); err != nil {
		return errors.Wrapf(err, "append to version log %q", b.path)
	}
	return nil
}

func encodeRecords(t *Table, buf []byte) {
	rw := byte_operations.ByteOperations{Buffer: buf}
	t.Range(func(chunkID uint64, v Version) bool {
		rw.WriteUint64(chunkID)
		rw.WriteUint16(v.Epoch)
		rw.WriteUint24(v.Number & VersionMask)
		return true
	})
}

// MergeAllFromDisk replays the version log oldest first into into, overlays
// the versions buffered in memory, and rewrites the version log to contain
// just that consolidated view. Versions read back from disk carry 24 bit
// numbers, so a deletion reads as version 0xFFFFFF.
func (b *Buffer) MergeAllFromDisk(into *Table) error {
	b.Lock()
	defer b.Unlock()

	if into == nil {
		into = NewTable(b.capacity, b.loadFactor)
	}

	if err := b.replayLocked(into); err != nil {
		return err
	}
	b.table.Range(func(chunkID uint64, v Version) bool {
		into.Put(chunkID, v)
		return true
	})

	return b.rewriteLocked(into)
}

func (b *Buffer) replayLocked(into *Table) error {
	if _, err := b.file.Seek(headerSize, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek version log %q", b.path)
	}

	r := bufio.NewReaderSize(diskio.NewMeteredReader(b.file, b.observer.Replayed), 64*1024)
	record := make([]byte, RecordSize)
	for {
		if _, err := io.ReadFull(r, record); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				b.logger.WithField("action", "chunklog_versions_replay").
					WithField("path", b.path).
					Warn("ignoring torn record at the end of the version log")
				return nil
			}
			return errors.Wrapf(err, "read version log %q", b.path)
		}

		rw := byte_operations.ByteOperations{Buffer: record}
		chunkID := rw.ReadUint64()
		v := Version{Epoch: rw.ReadUint16(), Number: rw.ReadUint24()}
		into.Put(chunkID, v)
	}
}

func (b *Buffer) rewriteLocked(view *Table) error {
	tmpPath := b.path + ".tmp"
	tmp, err := diskio.CreateFile(tmpPath, "versions")
	if err != nil {
		return errors.Wrapf(err, "create %q", tmpPath)
	}

	buf := make([]byte, headerSize+view.Len()*RecordSize)
	rw := byte_operations.ByteOperations{Buffer: buf}
	rw.WriteUint16(b.epoch)
	encodeRecords(view, buf[headerSize:])

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %q", tmpPath)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync %q", tmpPath)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %q", tmpPath)
	}

	if err := b.file.Close(); err != nil {
		return errors.Wrapf(err, "close version log %q", b.path)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return errors.Wrapf(err, "replace version log %q", b.path)
	}

	f, err := diskio.OpenFile(b.path, os.O_RDWR, 0o666, "versions")
	if err != nil {
		return errors.Wrapf(err, "reopen version log %q", b.path)
	}
	b.file = f
	return nil
}

// ReplayAll returns the consolidated view without rewriting the version
// log. Recovery uses it, the log may be read-only at that point.
func (b *Buffer) ReplayAll() (*Table, error) {
	b.Lock()
	defer b.Unlock()

	start := time.Now()
	view := NewTable(b.capacity, b.loadFactor)
	if err := b.replayLocked(view); err != nil {
		return nil, err
	}
	b.table.Range(func(chunkID uint64, v Version) bool {
		view.Put(chunkID, v)
		return true
	})

	b.logger.WithField("action", "chunklog_versions_replay").
		WithField("path", b.path).
		WithField("entries", view.Len()).
		WithField("took", time.Since(start)).
		Debug("replayed version log")
	return view, nil
}

func (b *Buffer) Close() error {
	b.Lock()
	defer b.Unlock()

	if b.file == nil {
		return enterrors.ErrClosed
	}
	err := b.file.Close()
	b.file = nil
	return err
}

// Remove closes the buffer and deletes the version log.
func (b *Buffer) Remove() error {
	if err := b.Close(); err != nil && !errors.Is(err, enterrors.ErrClosed) {
		return err
	}
	return diskio.RemoveFile(b.path, "versions")
}
