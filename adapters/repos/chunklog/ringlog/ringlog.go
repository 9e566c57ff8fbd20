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

// Package ringlog implements a circular log file with independent read,
// write and reorganization pointers. Primary and secondary logs contain a
// RingLog and decide themselves how its space is used.
package ringlog

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/weaviate/chunklog/entities/diskio"
	enterrors "github.com/weaviate/chunklog/entities/errors"
	"github.com/weaviate/chunklog/usecases/byte_operations"
)

const (
	MagicSize    = 8
	pointersSize = 3 * 8
)

var (
	PrimaryMagic   = [MagicSize]byte{'C', 'L', 'P', 'R', 'I', 'M', 0, 1}
	SecondaryMagic = [MagicSize]byte{'C', 'L', 'S', 'E', 'C', 0, 0, 1}
)

// RingLog is a byte addressable circular region of a file, following a
// fixed header. Pointers are absolute byte counts; their value modulo the
// usable space is the file offset within the usable region. This keeps a
// full ring distinguishable from an empty one.
//
// I/O is done with positional reads and writes, so concurrent reads and
// overwrites of disjoint regions are safe. Pointer updates are serialized.
type RingLog struct {
	sync.Mutex

	path            string
	file            *os.File
	magic           [MagicSize]byte
	persistPointers bool
	headerSize      int64
	usable          int64

	read  int64
	write int64
	reorg int64
}

// OpenOrCreate opens the log at path or creates it with the given usable
// size. An existing file must carry the same magic and size. Pointers are
// restored from the header if persistPointers is set.
func OpenOrCreate(path string, usable int64, magic [MagicSize]byte, persistPointers bool) (*RingLog, error) {
	if usable <= 0 {
		return nil, errors.Errorf("ring log %q: usable size must be positive", path)
	}

	r := &RingLog{
		path:            path,
		magic:           magic,
		persistPointers: persistPointers,
		headerSize:      MagicSize,
		usable:          usable,
	}
	if persistPointers {
		r.headerSize += pointersSize
	}

	exists, err := diskio.FileExists(path)
	if err != nil {
		return nil, errors.Wrapf(err, "stat ring log %q", path)
	}

	if exists {
		if err := r.open(); err != nil {
			return nil, err
		}
		return r, nil
	}

	if err := r.create(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RingLog) create() error {
	f, err := diskio.OpenFile(r.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666, "ringlog")
	if err != nil {
		return errors.Wrapf(err, "create ring log %q", r.path)
	}
	r.file = f

	if err := preallocate(f, r.headerSize+r.usable); err != nil {
		f.Close()
		return errors.Wrapf(err, "preallocate ring log %q", r.path)
	}
	if err := r.writeHeader(); err != nil {
		f.Close()
		return err
	}
	// the new directory entry must survive a crash as well
	if err := diskio.Fsync(filepath.Dir(r.path)); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync directory of ring log %q", r.path)
	}
	return nil
}

func (r *RingLog) open() error {
	f, err := diskio.OpenFile(r.path, os.O_RDWR, 0o666, "ringlog")
	if err != nil {
		return errors.Wrapf(err, "open ring log %q", r.path)
	}
	r.file = f

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "stat ring log %q", r.path)
	}
	if stat.Size() != r.headerSize+r.usable {
		f.Close()
		return enterrors.NewCorruptHeader("ring log %q has size %d, expected %d",
			r.path, stat.Size(), r.headerSize+r.usable)
	}

	header := make([]byte, r.headerSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return errors.Wrapf(err, "read header of ring log %q", r.path)
	}
	rw := byte_operations.ByteOperations{Buffer: header}
	if magic := rw.ReadBytesFromBuffer(MagicSize); !bytes.Equal(magic, r.magic[:]) {
		f.Close()
		return enterrors.NewCorruptHeader("ring log %q has unexpected magic %x", r.path, magic)
	}

	if r.persistPointers {
		r.read = int64(rw.ReadUint64())
		r.write = int64(rw.ReadUint64())
		r.reorg = int64(rw.ReadUint64())
		if r.read > r.write || r.write-r.read > r.usable {
			f.Close()
			return enterrors.NewCorruptHeader("ring log %q has inconsistent pointers read=%d write=%d",
				r.path, r.read, r.write)
		}
	}
	return nil
}

// writeHeader must be called with the lock held or before the log is shared.
func (r *RingLog) writeHeader() error {
	header := make([]byte, r.headerSize)
	rw := byte_operations.ByteOperations{Buffer: header}
	if err := rw.CopyBytesToBuffer(r.magic[:]); err != nil {
		return err
	}
	if r.persistPointers {
		rw.WriteUint64(uint64(r.read))
		rw.WriteUint64(uint64(r.write))
		rw.WriteUint64(uint64(r.reorg))
	}
	if _, err := r.file.WriteAt(header, 0); err != nil {
		return errors.Wrapf(err, "write header of ring log %q", r.path)
	}
	return nil
}

func (r *RingLog) Path() string {
	return r.path
}

func (r *RingLog) UsableSpace() int64 {
	return r.usable
}

func (r *RingLog) HeaderSize() int64 {
	return r.headerSize
}

func (r *RingLog) OccupiedSpace() int64 {
	r.Lock()
	defer r.Unlock()
	return r.write - r.read
}

func (r *RingLog) WritableSpace() int64 {
	r.Lock()
	defer r.Unlock()
	return r.usable - (r.write - r.read)
}

// Pointers returns the absolute read, write and reorganization pointers.
func (r *RingLog) Pointers() (read, write, reorg int64) {
	r.Lock()
	defer r.Unlock()
	return r.read, r.write, r.reorg
}

// AppendSequential writes data at the write pointer. Data that does not fit
// into the writable space is rejected as a whole.
func (r *RingLog) AppendSequential(data []byte) (int, error) {
	r.Lock()
	defer r.Unlock()

	writable := r.usable - (r.write - r.read)
	if int64(len(data)) > writable {
		return 0, enterrors.NewCapacityExceeded("ring log %q: %d bytes requested, %d writable",
			r.path, len(data), writable)
	}
	return r.appendLocked(data)
}

// AppendTruncated writes as much of data as fits and returns the number of
// bytes written. The caller is responsible for the remainder.
func (r *RingLog) AppendTruncated(data []byte) (int, error) {
	r.Lock()
	defer r.Unlock()

	writable := r.usable - (r.write - r.read)
	if int64(len(data)) > writable {
		data = data[:writable]
	}
	return r.appendLocked(data)
}

func (r *RingLog) appendLocked(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if err := r.writeAt(r.write%r.usable, data); err != nil {
		return 0, err
	}
	r.write += int64(len(data))
	return len(data), nil
}

// ReadSequential reads up to length bytes starting at the read pointer and
// advances the pointer if requested.
func (r *RingLog) ReadSequential(length int, advance bool) ([]byte, error) {
	r.Lock()
	defer r.Unlock()

	if occupied := r.write - r.read; int64(length) > occupied {
		length = int(occupied)
	}
	out := make([]byte, length)
	if err := r.readAt(r.read%r.usable, out); err != nil {
		return nil, err
	}
	if advance {
		r.read += int64(length)
		if r.reorg < r.read {
			r.reorg = r.read
		}
	}
	return out, nil
}

// ReadRandom reads length bytes at offset of the usable region, wrapping
// around its end.
func (r *RingLog) ReadRandom(offset int64, length int) ([]byte, error) {
	out := make([]byte, length)
	if err := r.ReadRandomInto(offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RingLog) ReadRandomInto(offset int64, out []byte) error {
	if int64(len(out)) > r.usable {
		return errors.Errorf("ring log %q: read of %d bytes exceeds usable space", r.path, len(out))
	}
	return r.readAt(offset%r.usable, out)
}

// Overwrite writes data at offset of the usable region without touching
// any pointer.
func (r *RingLog) Overwrite(offset int64, data []byte) error {
	if int64(len(data)) > r.usable {
		return errors.Errorf("ring log %q: write of %d bytes exceeds usable space", r.path, len(data))
	}
	return r.writeAt(offset%r.usable, data)
}

// SetWritePointer moves the write pointer of a log whose space is managed
// by its owner, e.g. in segments.
func (r *RingLog) SetWritePointer(pos int64) {
	r.Lock()
	defer r.Unlock()
	r.write = pos
	if r.reorg > r.write {
		r.reorg = r.write
	}
}

func (r *RingLog) SetReorgPointer(pos int64) {
	r.Lock()
	defer r.Unlock()
	r.reorg = pos
}

// ResetPointers empties the log. The data stays on disk but is unreachable.
func (r *RingLog) ResetPointers() error {
	r.Lock()
	defer r.Unlock()

	r.read, r.write, r.reorg = 0, 0, 0
	if r.persistPointers {
		return r.writeHeader()
	}
	return nil
}

// writeAt splits a write crossing the end of the usable region in two.
func (r *RingLog) writeAt(offset int64, data []byte) error {
	first := data
	var second []byte
	if offset+int64(len(data)) > r.usable {
		split := r.usable - offset
		first, second = data[:split], data[split:]
	}

	if _, err := r.file.WriteAt(first, r.headerSize+offset); err != nil {
		return errors.Wrapf(err, "write ring log %q at %d", r.path, offset)
	}
	if len(second) > 0 {
		if _, err := r.file.WriteAt(second, r.headerSize); err != nil {
			return errors.Wrapf(err, "write ring log %q at wraparound", r.path)
		}
	}
	return nil
}

func (r *RingLog) readAt(offset int64, out []byte) error {
	first := out
	var second []byte
	if offset+int64(len(out)) > r.usable {
		split := r.usable - offset
		first, second = out[:split], out[split:]
	}

	if _, err := r.file.ReadAt(first, r.headerSize+offset); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(err, "read ring log %q at %d", r.path, offset)
	}
	if len(second) > 0 {
		if _, err := r.file.ReadAt(second, r.headerSize); err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrapf(err, "read ring log %q at wraparound", r.path)
		}
	}
	return nil
}

// Sync persists the pointers (if enabled) and flushes file data to disk.
func (r *RingLog) Sync() error {
	r.Lock()
	defer r.Unlock()

	if r.persistPointers {
		if err := r.writeHeader(); err != nil {
			return err
		}
	}
	if err := datasync(r.file); err != nil {
		return errors.Wrapf(err, "sync ring log %q", r.path)
	}
	return nil
}

func (r *RingLog) Close() error {
	if err := r.Sync(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Remove closes the log and deletes its file.
func (r *RingLog) Remove() error {
	if err := r.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return errors.Wrapf(err, "close ring log %q", r.path)
	}
	return diskio.RemoveFile(r.path, "ringlog")
}
