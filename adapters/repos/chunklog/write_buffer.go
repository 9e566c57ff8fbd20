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
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	enterrors "github.com/weaviate/chunklog/entities/errors"
)

// Snapshot is the region of the write buffer handed to the writer. It
// wraps around the end of the buffer in at most two pieces.
type Snapshot struct {
	First, Second []byte
	// bytes per range, as announced by the producers
	Lengths map[RangeKey]int
}

func (s Snapshot) Len() int {
	return len(s.First) + len(s.Second)
}

func (s Snapshot) byteAt(pos int) byte {
	if pos < len(s.First) {
		return s.First[pos]
	}
	return s.Second[pos-len(s.First)]
}

// appendRange appends the bytes [pos, pos+n) to dst.
func (s Snapshot) appendRange(dst []byte, pos, n int) []byte {
	if pos < len(s.First) {
		end := pos + n
		if end <= len(s.First) {
			return append(dst, s.First[pos:end]...)
		}
		dst = append(dst, s.First[pos:]...)
		n -= len(s.First) - pos
		pos = len(s.First)
	}
	pos -= len(s.First)
	return append(dst, s.Second[pos:pos+n]...)
}

// view returns [pos, pos+n) without copying unless it crosses the split.
func (s Snapshot) view(pos, n int, scratch []byte) []byte {
	switch {
	case pos+n <= len(s.First):
		return s.First[pos : pos+n]
	case pos >= len(s.First):
		return s.Second[pos-len(s.First) : pos-len(s.First)+n]
	default:
		return s.appendRange(scratch[:0], pos, n)
	}
}

type SnapshotWriter func(Snapshot) error

type WriteBufferConfig struct {
	Size int
	// occupancy at which the writer is woken up
	SignalBytes int64
	// occupancy at which producers block
	MaxBytes int64
	// the writer flushes at least this often
	WriterTimeout time.Duration
}

// WriteBuffer stages primary entries of many producers in a ring. A
// producer reserves space under the lock and copies its entry outside of
// it. A single writer goroutine swaps the staged region out once every
// in-flight copy has finished and hands it to the primary log.
type WriteBuffer struct {
	mu         sync.Mutex
	spaceFreed *sync.Cond
	copied     *sync.Cond

	buf      []byte
	head     int64
	tail     int64
	inFlight int
	swapping bool
	pending  map[RangeKey]int
	closed   bool
	lastErr  error

	cfg           WriteBufferConfig
	write         SnapshotWriter
	wake          chan struct{}
	flushRequests chan chan error
	stop          chan struct{}
	done          chan struct{}
	logger        logrus.FieldLogger
	metrics       *Metrics
}

func NewWriteBuffer(cfg WriteBufferConfig, write SnapshotWriter, logger logrus.FieldLogger,
	metrics *Metrics,
) *WriteBuffer {
	if cfg.MaxBytes <= 0 || cfg.MaxBytes > int64(cfg.Size) {
		cfg.MaxBytes = int64(cfg.Size)
	}
	if cfg.SignalBytes <= 0 || cfg.SignalBytes > cfg.MaxBytes {
		cfg.SignalBytes = cfg.MaxBytes
	}
	if cfg.WriterTimeout <= 0 {
		cfg.WriterTimeout = 500 * time.Millisecond
	}

	b := &WriteBuffer{
		buf:           make([]byte, cfg.Size),
		pending:       map[RangeKey]int{},
		cfg:           cfg,
		write:         write,
		wake:          make(chan struct{}, 1),
		flushRequests: make(chan chan error),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		logger:        logger,
		metrics:       metrics,
	}
	b.spaceFreed = sync.NewCond(&b.mu)
	b.copied = sync.NewCond(&b.mu)

	enterrors.GoWrapper(b.run, logger)
	return b
}

// Append stages one entry of a range, given as header and payload. It
// blocks while the buffer is above its limit.
func (b *WriteBuffer) Append(key RangeKey, header, payload []byte) error {
	n := int64(len(header) + len(payload))
	if n > b.cfg.MaxBytes {
		return enterrors.NewEntryTooLarge(int(n), int(b.cfg.MaxBytes))
	}

	b.mu.Lock()
	waited := false
	for !b.closed && (b.swapping || b.head-b.tail+n > b.cfg.MaxBytes) {
		if !waited {
			waited = true
			b.metrics.Backpressure()
			b.signal()
		}
		b.spaceFreed.Wait()
	}
	if b.closed {
		b.mu.Unlock()
		return enterrors.ErrClosed
	}

	start := b.head
	b.head += n
	b.inFlight++
	b.pending[key] += int(n)
	occupancy := b.head - b.tail
	b.mu.Unlock()

	b.copyAt(start, header)
	b.copyAt(start+int64(len(header)), payload)

	b.mu.Lock()
	b.inFlight--
	if b.inFlight == 0 {
		b.copied.Broadcast()
	}
	b.mu.Unlock()

	b.metrics.WriteBufferOccupancy(occupancy)
	if occupancy >= b.cfg.SignalBytes {
		b.signal()
	}
	return nil
}

func (b *WriteBuffer) copyAt(pos int64, data []byte) {
	offset := int(pos % int64(len(b.buf)))
	n := copy(b.buf[offset:], data)
	copy(b.buf, data[n:])
}

func (b *WriteBuffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *WriteBuffer) Occupancy() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head - b.tail
}

func (b *WriteBuffer) run() {
	defer close(b.done)

	timer := time.NewTimer(b.cfg.WriterTimeout)
	defer timer.Stop()

	for {
		select {
		case <-b.stop:
			b.flush()
			return
		case done := <-b.flushRequests:
			b.flushAndReply(done)
		case <-b.wake:
			b.flush()
		case <-timer.C:
			b.flush()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.cfg.WriterTimeout)
	}
}

// swap takes the staged region once all reserved space has been copied.
// New reservations wait meanwhile.
func (b *WriteBuffer) swap() (Snapshot, int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.head == b.tail {
		return Snapshot{}, 0, false
	}

	b.swapping = true
	for b.inFlight > 0 {
		b.copied.Wait()
	}
	b.swapping = false
	b.spaceFreed.Broadcast()

	size := int64(len(b.buf))
	offset := b.tail % size
	total := b.head - b.tail
	snap := Snapshot{Lengths: b.pending}
	if offset+total <= size {
		snap.First = b.buf[offset : offset+total]
	} else {
		snap.First = b.buf[offset:]
		snap.Second = b.buf[:total-(size-offset)]
	}
	b.pending = map[RangeKey]int{}
	return snap, b.head, true
}

// flushAndReply answers a flush request even if the flush does not
// return.
func (b *WriteBuffer) flushAndReply(done chan<- error) {
	defer func() {
		done <- b.takeErr()
	}()
	b.flush()
}

// writeSnapshot hands the snapshot to the writer. A panic of the writer
// is returned as an error, the goroutine stays alive.
func (b *WriteBuffer) writeSnapshot(snap Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("writer panicked: %v", r)
			b.logger.WithField("action", "chunklog_write_buffer_flush").
				WithField("panic", r).
				Errorf("recovered from panic in writer\n%s", debug.Stack())
		}
	}()
	return b.write(snap)
}

func (b *WriteBuffer) flush() {
	snap, end, ok := b.swap()
	if !ok {
		return
	}

	start := time.Now()
	err := b.writeSnapshot(snap)
	b.metrics.TrackFlush(start)

	b.mu.Lock()
	b.tail = end
	if err != nil {
		b.lastErr = err
	}
	occupancy := b.head - b.tail
	b.spaceFreed.Broadcast()
	b.mu.Unlock()

	b.metrics.WriteBufferOccupancy(occupancy)
	if err != nil {
		b.metrics.FailedFlush(snap.Len())
		b.logger.WithField("action", "chunklog_write_buffer_flush").
			WithField("bytes", snap.Len()).
			WithError(err).
			Error("writing staged entries failed")
	}
}

func (b *WriteBuffer) takeErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.lastErr
	b.lastErr = nil
	return err
}

// SignalFlushAndWait makes the writer flush everything staged so far and
// waits for it. It returns the first error of any flush since the last
// call.
func (b *WriteBuffer) SignalFlushAndWait(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case b.flushRequests <- done:
	case <-b.done:
		return enterrors.ErrClosed
	case <-ctx.Done():
		return enterrors.NewInterrupted(ctx.Err())
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return enterrors.NewInterrupted(ctx.Err())
	}
}

// Close rejects further appends, flushes what is staged and stops the
// writer.
func (b *WriteBuffer) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return enterrors.ErrClosed
	}
	b.closed = true
	b.spaceFreed.Broadcast()
	b.mu.Unlock()

	close(b.stop)
	select {
	case <-b.done:
	case <-ctx.Done():
		return enterrors.NewInterrupted(ctx.Err())
	}
	return b.takeErr()
}
