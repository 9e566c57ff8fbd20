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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/logentry"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/ringlog"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/versions"
	enterrors "github.com/weaviate/chunklog/entities/errors"
)

const (
	// writes of at least this share of a segment go to a free segment
	largeWriteRatio = 0.9
	// smallest secondary entry, a segment with less room left is full
	minSecondaryEntrySize = 17

	logKindSecondary = "secondary"
)

type SecondaryLogConfig struct {
	Size        int64
	SegmentSize int
	// occupancy in percent at which reorganization is requested
	UtilizationThreshold int
	// reclaim attempts before an append fails for lack of space
	InlineRetries int
}

// SecondaryLog is the segmented backup log of one range. Entries are
// appended into segments, invalidated in place once superseded and
// compacted by reorganization. Segment bookkeeping lives in memory only.
type SecondaryLog struct {
	// serializes appends, keeps the entries of a chunk in append order
	appendMu sync.Mutex
	// serializes sweeps, compaction and version flushes
	reorgMu sync.Mutex

	mu       sync.Mutex
	unlocked *sync.Cond
	segments []*segmentHeader
	free     []int
	used     int64
	// updates reported since the last sweep that superseded older entries
	invalidCounter     int
	appendedSinceSweep int64

	key      RangeKey
	creator  uint16
	cfg      SecondaryLogConfig
	ring     *ringlog.RingLog
	versions *versions.Buffer
	logger   logrus.FieldLogger
	metrics  *Metrics
	now      func() time.Time

	// called without locks once occupancy crossed the threshold
	thresholdHook func()
}

// OpenSecondaryLog opens or creates the log file at path. The counters of
// an existing log are rebuilt by scanning every segment.
func OpenSecondaryLog(path string, key RangeKey, cfg SecondaryLogConfig,
	versionBuffer *versions.Buffer, logger logrus.FieldLogger, metrics *Metrics,
) (*SecondaryLog, error) {
	if cfg.SegmentSize <= 0 || cfg.Size < int64(cfg.SegmentSize) {
		return nil, errors.Errorf("secondary log %q: size %d cannot hold a segment of %d bytes",
			path, cfg.Size, cfg.SegmentSize)
	}

	count := int(cfg.Size / int64(cfg.SegmentSize))
	ring, err := ringlog.OpenOrCreate(path, int64(count*cfg.SegmentSize), ringlog.SecondaryMagic, true)
	if err != nil {
		return nil, errors.Wrapf(err, "open secondary log of range %s", key)
	}

	l := &SecondaryLog{
		key:      key,
		creator:  key.Creator(),
		cfg:      cfg,
		ring:     ring,
		versions: versionBuffer,
		logger:   logger.WithField("range", key.String()),
		metrics:  metrics,
		now:      time.Now,
		segments: make([]*segmentHeader, count),
	}
	l.unlocked = sync.NewCond(&l.mu)

	if err := l.rebuild(); err != nil {
		ring.Close()
		return nil, err
	}
	return l, nil
}

func (l *SecondaryLog) Key() RangeKey {
	return l.key
}

// rebuild restores the segment counters from disk. Data behind a corrupt
// entry is treated as unused and gets overwritten by later appends.
func (l *SecondaryLog) rebuild() error {
	now := l.now()
	l.free = l.free[:0]
	l.used = 0

	first := make([]byte, 1)
	for i := range l.segments {
		seg := &segmentHeader{index: i, lastAccess: now}
		l.segments[i] = seg

		// fresh and freed segments start with a terminator
		if err := l.ring.ReadRandomInto(l.segmentOffset(i), first); err != nil {
			return errors.Wrapf(err, "scan segment %d", i)
		}
		if first[0] == 0 {
			l.free = append(l.free, i)
			continue
		}

		buf, err := l.ring.ReadRandom(l.segmentOffset(i), l.cfg.SegmentSize)
		if err != nil {
			return errors.Wrapf(err, "scan segment %d", i)
		}
		it := logentry.NewSecondaryIterator(buf, l.creator)
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			if e.IsInvalid() {
				seg.deleted += e.Size
			}
		}
		if err := it.Err(); err != nil {
			l.logger.WithField("action", "chunklog_secondary_log_open").
				WithField("segment", i).
				WithError(err).
				Warnf("ignoring segment data behind offset %d", it.Pos())
		}
		seg.used = it.Pos()
		if seg.used == 0 {
			l.free = append(l.free, i)
		}
		l.used += int64(seg.used)
	}

	l.ring.SetWritePointer(l.used)
	l.updateMetricsLocked()
	return nil
}

// SetThresholdHook registers fn to be called after appends once the
// occupancy reached the utilization threshold. fn must not block.
func (l *SecondaryLog) SetThresholdHook(fn func()) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.thresholdHook = fn
}

func (l *SecondaryLog) segmentOffset(index int) int64 {
	return int64(index) * int64(l.cfg.SegmentSize)
}

func (l *SecondaryLog) largeWrite() int {
	return int(float64(l.cfg.SegmentSize) * largeWriteRatio)
}

// AppendData writes whole secondary entries. Large writes go to a free
// segment, smaller ones fill partly used segments first. When no segment
// is free, space is reclaimed inline with backoff before the append fails
// with ErrCapacityExceeded.
func (l *SecondaryLog) AppendData(data []byte) (int, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	n, err := l.writeEntries(data, -1, true)
	if err != nil {
		return n, err
	}
	l.metrics.Appended(logKindSecondary, n)
	l.checkThreshold()
	return n, nil
}

// writeEntries distributes data over the segments. The segment exclude is
// never written to. Inline reclaim is attempted if reclaim is set.
func (l *SecondaryLog) writeEntries(data []byte, exclude int, reclaim bool) (int, error) {
	written := 0
	for len(data) > 0 {
		if len(data) < l.largeWrite() {
			n, err := l.fillPartlyUsed(data, exclude)
			written += n
			if err != nil {
				return written, err
			}
			data = data[n:]
			if len(data) == 0 {
				break
			}
		}

		seg, err := l.acquireFree(reclaim)
		if err != nil {
			return written, err
		}
		n, err := logentry.FitEntries(data, l.cfg.SegmentSize)
		if err == nil && n == 0 {
			err = enterrors.NewEntryTooLarge(firstEntrySize(data), l.cfg.SegmentSize)
		}
		if err != nil {
			l.unlockSegment(seg)
			return written, err
		}
		if err := l.writeSegment(seg, data[:n]); err != nil {
			return written, err
		}
		data = data[n:]
		written += n
	}
	return written, nil
}

func firstEntrySize(data []byte) int {
	h, size, err := logentry.DecodeSecondary(data, 0)
	if err != nil {
		return len(data)
	}
	return size + int(h.Length)
}

func (l *SecondaryLog) fillPartlyUsed(data []byte, exclude int) (int, error) {
	written := 0
	for _, index := range l.partlyUsed(exclude) {
		seg, free := l.tryLockSegment(index)
		if seg == nil {
			continue
		}
		n, err := logentry.FitEntries(data[written:], free)
		if err != nil || n == 0 {
			l.unlockSegment(seg)
			if err != nil {
				return written, err
			}
			continue
		}
		if err := l.writeSegment(seg, data[written:written+n]); err != nil {
			return written, err
		}
		written += n
		if written == len(data) {
			break
		}
	}
	return written, nil
}

func (l *SecondaryLog) partlyUsed(exclude int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []int
	for _, seg := range l.segments {
		if seg.index == exclude || seg.locked || seg.used == 0 {
			continue
		}
		if seg.freeBytes(l.cfg.SegmentSize) >= minSecondaryEntrySize {
			out = append(out, seg.index)
		}
	}
	return out
}

// tryLockSegment locks a used segment unless it is locked already.
func (l *SecondaryLog) tryLockSegment(index int) (*segmentHeader, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seg := l.segments[index]
	if seg.locked || seg.used == 0 {
		return nil, 0
	}
	seg.locked = true
	return seg, seg.freeBytes(l.cfg.SegmentSize)
}

// lockSegment waits until the segment is unlocked and locks it.
func (l *SecondaryLog) lockSegment(index int) *segmentHeader {
	l.mu.Lock()
	defer l.mu.Unlock()

	seg := l.segments[index]
	for seg.locked {
		l.unlocked.Wait()
	}
	seg.locked = true
	return seg
}

func (l *SecondaryLog) unlockSegment(seg *segmentHeader) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlockSegmentLocked(seg)
}

func (l *SecondaryLog) unlockSegmentLocked(seg *segmentHeader) {
	seg.locked = false
	if seg.used == 0 && !l.isFreeLocked(seg.index) {
		l.pushFreeLocked(seg.index)
	}
	l.unlocked.Broadcast()
}

func (l *SecondaryLog) isFreeLocked(index int) bool {
	i := sort.SearchInts(l.free, index)
	return i < len(l.free) && l.free[i] == index
}

func (l *SecondaryLog) pushFreeLocked(index int) {
	i := sort.SearchInts(l.free, index)
	l.free = append(l.free, 0)
	copy(l.free[i+1:], l.free[i:])
	l.free[i] = index
}

func (l *SecondaryLog) popFree() *segmentHeader {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.free) == 0 {
		return nil
	}
	seg := l.segments[l.free[0]]
	l.free = l.free[1:]
	seg.locked = true
	return seg
}

var errNoFreeSegment = errors.New("no free segment")

func (l *SecondaryLog) acquireFree(reclaim bool) (*segmentHeader, error) {
	if seg := l.popFree(); seg != nil {
		return seg, nil
	}

	if reclaim && l.cfg.InlineRetries > 0 {
		var seg *segmentHeader
		op := func() error {
			if err := l.reclaim(); err != nil {
				l.logger.WithField("action", "chunklog_secondary_log_reclaim").
					WithError(err).
					Warn("inline reclaim failed")
			}
			if seg = l.popFree(); seg != nil {
				return nil
			}
			return errNoFreeSegment
		}
		if err := backoff.Retry(op, backoff.WithMaxRetries(newReclaimBackOff(), uint64(l.cfg.InlineRetries))); err == nil {
			return seg, nil
		}
	}

	l.metrics.CapacityError(logKindSecondary)
	return nil, enterrors.NewCapacityExceeded("secondary log of range %s: no free segment left (%s)",
		l.key, l.segmentDistribution())
}

func newReclaimBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// writeSegment appends data behind the used bytes of the locked segment
// and unlocks it. A zero byte terminates the segment's data if room is
// left.
func (l *SecondaryLog) writeSegment(seg *segmentHeader, data []byte) error {
	out := data
	if seg.used+len(data) < l.cfg.SegmentSize {
		out = make([]byte, len(data)+1)
		copy(out, data)
	}
	if err := l.ring.Overwrite(l.segmentOffset(seg.index)+int64(seg.used), out); err != nil {
		l.unlockSegment(seg)
		return errors.Wrapf(err, "write segment %d of range %s", seg.index, l.key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	seg.used += len(data)
	seg.lastAccess = l.now()
	l.used += int64(len(data))
	l.appendedSinceSweep += int64(len(data))
	l.ring.SetWritePointer(l.used)
	l.unlockSegmentLocked(seg)
	l.updateMetricsLocked()
	return nil
}

// freeSegment releases the locked segment for reuse.
func (l *SecondaryLog) freeSegment(seg *segmentHeader) error {
	if err := l.ring.Overwrite(l.segmentOffset(seg.index), []byte{0}); err != nil {
		l.unlockSegment(seg)
		return errors.Wrapf(err, "free segment %d of range %s", seg.index, l.key)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.used -= int64(seg.used)
	seg.used, seg.deleted = 0, 0
	seg.lastAccess = l.now()
	l.ring.SetWritePointer(l.used)
	l.unlockSegmentLocked(seg)
	l.updateMetricsLocked()
	return nil
}

func (l *SecondaryLog) checkThreshold() {
	if l.thresholdHook != nil && l.OverThreshold() {
		l.thresholdHook()
	}
}

// OverThreshold reports whether the occupancy reached the configured
// utilization threshold.
func (l *SecondaryLog) OverThreshold() bool {
	return l.OccupiedSpace()*100 >= l.ring.UsableSpace()*int64(l.cfg.UtilizationThreshold)
}

// InvalidateEntry invalidates the entry at offset of a segment in place.
// Invalidating an entry twice changes nothing.
func (l *SecondaryLog) InvalidateEntry(segmentIndex, offset int) (bool, error) {
	if segmentIndex < 0 || segmentIndex >= len(l.segments) {
		return false, errors.Errorf("segment %d out of range", segmentIndex)
	}
	seg := l.lockSegment(segmentIndex)
	defer l.unlockSegment(seg)

	if offset >= seg.used {
		return false, errors.Errorf("offset %d behind the %d used bytes of segment %d", offset, seg.used, segmentIndex)
	}
	buf, err := l.ring.ReadRandom(l.segmentOffset(segmentIndex)+int64(offset), seg.used-offset)
	if err != nil {
		return false, err
	}
	h, size, err := logentry.DecodeSecondary(buf, l.creator)
	if err != nil {
		return false, err
	}
	return l.invalidateEntryLocked(seg, buf, 0, offset, size+int(h.Length))
}

// invalidateEntryLocked invalidates the entry at bufOffset of buf, a copy
// of the segment's data at logOffset, in buf and on disk. The caller holds
// the segment lock.
func (l *SecondaryLog) invalidateEntryLocked(seg *segmentHeader, buf []byte, bufOffset, logOffset, size int) (bool, error) {
	entry := buf[bufOffset:]
	if !logentry.InvalidateSecondary(entry) {
		return false, nil
	}
	headerSize := logentry.SecondaryHeaderSize(entry[0])
	if err := l.ring.Overwrite(l.segmentOffset(seg.index)+int64(logOffset), entry[:headerSize]); err != nil {
		return false, errors.Wrapf(err, "invalidate entry in segment %d", seg.index)
	}

	l.mu.Lock()
	seg.deleted += size
	l.mu.Unlock()
	return true, nil
}

// MarkSuperseded records an update or deletion of a chunk that may have
// an older entry in this log.
func (l *SecondaryLog) MarkSuperseded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invalidCounter++
}

func (l *SecondaryLog) OccupiedSpace() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

func (l *SecondaryLog) FreeSegments() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.free)
}

func (l *SecondaryLog) SegmentCount() int {
	return len(l.segments)
}

// SegmentStatus returns a snapshot of every segment.
func (l *SecondaryLog) SegmentStatus() []SegmentStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SegmentStatus, len(l.segments))
	for i, seg := range l.segments {
		out[i] = SegmentStatus{
			Index:        seg.index,
			UsedBytes:    seg.used,
			DeletedBytes: seg.deleted,
			Utilization:  seg.utilization(l.cfg.SegmentSize),
			Locked:       seg.locked,
			LastAccess:   seg.lastAccess,
		}
	}
	return out
}

func (l *SecondaryLog) segmentDistribution() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var full, partly int
	for _, seg := range l.segments {
		switch {
		case seg.used == 0:
		case seg.freeBytes(l.cfg.SegmentSize) < minSecondaryEntrySize:
			full++
		default:
			partly++
		}
	}
	return fmt.Sprintf("%d free, %d partly used, %d full, %s of %s occupied", len(l.free), partly, full,
		humanize.IBytes(uint64(l.used)), humanize.IBytes(uint64(l.ring.UsableSpace())))
}

// SegmentDistribution renders one line per used segment.
func (l *SecondaryLog) SegmentDistribution() string {
	var sb strings.Builder
	sb.WriteString(l.segmentDistribution())
	for _, s := range l.SegmentStatus() {
		if s.UsedBytes == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n  segment %d: %s used, %s deleted, %.0f%% live", s.Index,
			humanize.IBytes(uint64(s.UsedBytes)), humanize.IBytes(uint64(s.DeletedBytes)), s.Utilization*100)
	}
	return sb.String()
}

func (l *SecondaryLog) updateMetricsLocked() {
	name := l.key.String()
	l.metrics.Occupied(name, l.used)
	l.metrics.FreeSegments(name, len(l.free))
}

// Sync persists the segment data and the log's pointers.
func (l *SecondaryLog) Sync() error {
	return l.ring.Sync()
}

func (l *SecondaryLog) Close() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.reorgMu.Lock()
	defer l.reorgMu.Unlock()

	err := l.ring.Close()
	if l.versions != nil {
		if verr := l.versions.Close(); verr != nil && !errors.Is(verr, enterrors.ErrClosed) && err == nil {
			err = verr
		}
	}
	return err
}

// Remove closes the log and deletes its files.
func (l *SecondaryLog) Remove() error {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.reorgMu.Lock()
	defer l.reorgMu.Unlock()

	if err := l.ring.Remove(); err != nil {
		return err
	}
	if l.versions != nil {
		return l.versions.Remove()
	}
	return nil
}
