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
	"sort"

	"github.com/pkg/errors"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/logentry"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/versions"
	enterrors "github.com/weaviate/chunklog/entities/errors"
)

type ReorganizationStats struct {
	Segments          int
	MovedEntries      int
	RemovedEntries    int
	RemovedTombstones int
	ReclaimedBytes    int
	Invalidated       int
}

func (s *ReorganizationStats) add(o ReorganizationStats) {
	s.Segments += o.Segments
	s.MovedEntries += o.MovedEntries
	s.RemovedEntries += o.RemovedEntries
	s.RemovedTombstones += o.RemovedTombstones
	s.ReclaimedBytes += o.ReclaimedBytes
	s.Invalidated += o.Invalidated
}

func (l *SecondaryLog) currentEon() uint8 {
	if l.versions == nil {
		return 0
	}
	return l.versions.CurrentEon()
}

// Reorganize runs one cycle: it flushes the version buffer if due, sweeps
// superseded entries if updates were reported, and compacts up to
// maxSegments segments once the occupancy reached the threshold. It
// reports whether any work was done.
func (l *SecondaryLog) Reorganize(shouldAbort func() bool, maxSegments int) (ReorganizationStats, bool, error) {
	l.reorgMu.Lock()
	defer l.reorgMu.Unlock()

	var stats ReorganizationStats
	executed := false

	if l.versions != nil && l.versions.NeedsFlush() {
		if _, err := l.flushVersionsLocked(); err != nil {
			return stats, executed, err
		}
		executed = true
	}

	if l.needsSweep() {
		n, err := l.sweepLocked(l.currentEon(), false, true)
		stats.Invalidated += n
		if err != nil {
			return stats, true, err
		}
		executed = true
	}

	if !l.OverThreshold() {
		return stats, executed, nil
	}

	for _, index := range l.chooseSegments(maxSegments) {
		if shouldAbort != nil && shouldAbort() {
			break
		}
		segStats, err := l.reorganizeSegmentLocked(index)
		if errors.Is(err, enterrors.ErrSegmentLocked) {
			continue
		}
		stats.add(segStats)
		executed = true
		if err != nil {
			return stats, executed, err
		}
	}
	return stats, executed, nil
}

// ReorganizeAll sweeps the log and compacts every segment holding
// invalidated entries.
func (l *SecondaryLog) ReorganizeAll() (ReorganizationStats, error) {
	l.reorgMu.Lock()
	defer l.reorgMu.Unlock()
	return l.reorganizeAllLocked()
}

func (l *SecondaryLog) reorganizeAllLocked() (ReorganizationStats, error) {
	var stats ReorganizationStats
	n, err := l.sweepLocked(l.currentEon(), false, true)
	stats.Invalidated = n
	if err != nil {
		return stats, err
	}

	for _, index := range l.chooseSegments(len(l.segments)) {
		segStats, err := l.reorganizeSegmentLocked(index)
		if errors.Is(err, enterrors.ErrSegmentLocked) {
			continue
		}
		stats.add(segStats)
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// reclaim is the inline variant used by appends running out of segments.
func (l *SecondaryLog) reclaim() error {
	l.reorgMu.Lock()
	defer l.reorgMu.Unlock()

	stats, err := l.reorganizeAllLocked()
	l.logger.WithField("action", "chunklog_secondary_log_reclaim").
		WithField("segments", stats.Segments).
		WithField("reclaimed_bytes", stats.ReclaimedBytes).
		Debug("reclaimed space inline")
	return err
}

func (l *SecondaryLog) needsSweep() bool {
	l.mu.Lock()
	pending, appended := l.invalidCounter, l.appendedSinceSweep
	l.mu.Unlock()
	return pending > 0 || (appended > 0 && l.OverThreshold())
}

// chooseSegments returns up to max segments holding invalidated data,
// best cost-benefit score first.
func (l *SecondaryLog) chooseSegments(max int) []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	type candidate struct {
		index int
		score float64
	}
	var candidates []candidate
	for _, seg := range l.segments {
		if seg.locked || seg.used == 0 || seg.deleted == 0 {
			continue
		}
		candidates = append(candidates, candidate{seg.index, seg.score(now, l.cfg.SegmentSize)})
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})

	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]int, len(candidates))
	for i, c := range candidates {
		out[i] = c.index
	}
	return out
}

// reorganizeSegmentLocked copies the valid entries of a segment elsewhere
// and frees it. If there is no room for the copy, the segment is left
// untouched.
func (l *SecondaryLog) reorganizeSegmentLocked(index int) (ReorganizationStats, error) {
	var stats ReorganizationStats

	seg, _ := l.tryLockSegment(index)
	if seg == nil {
		return stats, enterrors.ErrSegmentLocked
	}
	start := l.now()

	buf, err := l.ring.ReadRandom(l.segmentOffset(index), seg.used)
	if err != nil {
		l.unlockSegment(seg)
		return stats, errors.Wrapf(err, "read segment %d", index)
	}

	compacted := make([]byte, 0, len(buf))
	it := logentry.NewSecondaryIterator(buf, l.creator)
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		if e.IsInvalid() {
			if e.IsTombstone() {
				stats.RemovedTombstones++
			} else {
				stats.RemovedEntries++
			}
			continue
		}
		compacted = append(compacted, buf[e.Offset:e.Offset+e.Size]...)
		stats.MovedEntries++
	}
	if err := it.Err(); err != nil {
		l.logger.WithField("action", "chunklog_reorganize_segment").
			WithField("segment", index).
			WithError(err).
			Warnf("dropping segment data behind offset %d", it.Pos())
	}

	if len(compacted) == len(buf) {
		l.unlockSegment(seg)
		return ReorganizationStats{}, nil
	}

	if len(compacted) > 0 {
		if _, err := l.writeEntries(compacted, index, false); err != nil {
			l.unlockSegment(seg)
			return ReorganizationStats{}, errors.Wrapf(err, "relocate %d entries of segment %d", stats.MovedEntries, index)
		}
	}

	stats.Segments = 1
	stats.ReclaimedBytes = len(buf) - len(compacted)
	if err := l.freeSegment(seg); err != nil {
		return stats, err
	}

	l.metrics.TrackReorganization("compact_segment", start)
	l.metrics.Reclaimed("entries", stats.RemovedEntries)
	l.metrics.Reclaimed("tombstones", stats.RemovedTombstones)
	l.metrics.Reclaimed("bytes", stats.ReclaimedBytes)
	return stats, nil
}

// Sweep invalidates every entry superseded by a newer entry of the same
// chunk, and every entry of a deleted chunk including the tombstone.
func (l *SecondaryLog) Sweep() (int, error) {
	l.reorgMu.Lock()
	defer l.reorgMu.Unlock()
	return l.sweepLocked(l.currentEon(), false, true)
}

// sweepLocked decides validity from the entries on disk alone: the newest
// version per chunk wins. With restamp set, surviving entries are
// rewritten to epoch 0 of eon, so they stay comparable once the eon flips.
func (l *SecondaryLog) sweepLocked(eon uint8, restamp, mergeVersions bool) (int, error) {
	start := l.now()
	if mergeVersions && l.versions != nil {
		if err := l.versions.MergeAllFromDisk(nil); err != nil {
			return 0, errors.Wrapf(err, "consolidate version log of range %s", l.key)
		}
	}

	l.mu.Lock()
	var indices []int
	for _, seg := range l.segments {
		if seg.used > 0 {
			indices = append(indices, seg.index)
		}
	}
	l.invalidCounter = 0
	l.appendedSinceSweep = 0
	l.mu.Unlock()

	newest := versions.NewTable(1024, 0.9)
	for _, index := range indices {
		seg := l.lockSegment(index)
		buf, err := l.ring.ReadRandom(l.segmentOffset(index), seg.used)
		l.unlockSegment(seg)
		if err != nil {
			return 0, errors.Wrapf(err, "read segment %d", index)
		}

		it := logentry.NewSecondaryIterator(buf, l.creator)
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			if !e.IsInvalid() {
				newest.PutMax(e.ChunkID(), e.Version, eon)
			}
		}
	}

	invalidated := 0
	kept := versions.NewTable(newest.Len(), 0.9)
	restamped := versions.NewVersion(eon, 0, 0)
	for _, index := range indices {
		n, err := l.sweepSegment(index, newest, kept, eon, restamp, restamped)
		invalidated += n
		if err != nil {
			return invalidated, err
		}
	}

	l.metrics.Invalidated(invalidated)
	l.metrics.TrackReorganization("sweep", start)
	return invalidated, nil
}

func (l *SecondaryLog) sweepSegment(index int, newest, kept *versions.Table, eon uint8,
	restamp bool, restamped versions.Version,
) (int, error) {
	seg := l.lockSegment(index)
	defer l.unlockSegment(seg)

	buf, err := l.ring.ReadRandom(l.segmentOffset(index), seg.used)
	if err != nil {
		return 0, errors.Wrapf(err, "read segment %d", index)
	}

	invalidated, deleted := 0, 0
	modified := false
	it := logentry.NewSecondaryIterator(buf, l.creator)
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		if e.IsInvalid() {
			continue
		}

		id := e.ChunkID()
		latest, found := newest.Get(id)
		if !found {
			// appended after the first pass
			continue
		}
		cmp := versions.Compare(e.Version, latest, eon)
		stale := cmp < 0 || (cmp == 0 && latest.IsTombstone())
		if k, ok := kept.Get(id); ok && versions.Compare(k, e.Version, eon) == 0 {
			stale = true
		}
		if stale {
			logentry.InvalidateSecondary(buf[e.Offset:])
			invalidated++
			deleted += e.Size
			modified = true
			continue
		}

		kept.Put(id, e.Version)
		if restamp {
			logentry.Restamp(buf[e.Offset:], restamped)
			modified = true
		}
	}

	if !modified {
		return 0, nil
	}
	if err := l.ring.Overwrite(l.segmentOffset(index), buf); err != nil {
		return 0, errors.Wrapf(err, "rewrite segment %d", index)
	}

	l.mu.Lock()
	seg.deleted += deleted
	l.mu.Unlock()
	return invalidated, nil
}

// FlushVersions persists the version buffer and advances the epoch.
func (l *SecondaryLog) FlushVersions() (bool, error) {
	l.reorgMu.Lock()
	defer l.reorgMu.Unlock()
	return l.flushVersionsLocked()
}

func (l *SecondaryLog) flushVersionsLocked() (bool, error) {
	if l.versions == nil {
		return false, nil
	}

	flipped, err := l.versions.Flush(func(eon uint8) error {
		// the version buffer is locked, its log must not be consolidated here
		n, err := l.sweepLocked(eon, true, false)
		l.logger.WithField("action", "chunklog_eon_flip").
			WithField("eon", eon).
			WithField("invalidated", n).
			Info("restamped surviving entries before the epoch wraps")
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "flush versions of range %s", l.key)
	}
	return flipped, nil
}
