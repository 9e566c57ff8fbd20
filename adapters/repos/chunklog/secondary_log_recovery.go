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
	"github.com/weaviate/chunklog/adapters/repos/chunklog/logentry"
	"github.com/weaviate/chunklog/adapters/repos/chunklog/versions"
)

type RecoveryStats struct {
	Entries            int
	Deleted            int
	ChecksumMismatches int
	CorruptSegments    int
}

func (s *RecoveryStats) add(o RecoveryStats) {
	s.Entries += o.Entries
	s.Deleted += o.Deleted
	s.ChecksumMismatches += o.ChecksumMismatches
	s.CorruptSegments += o.CorruptSegments
}

type recovered struct {
	version   versions.Version
	payload   []byte
	tombstone bool
}

// RecoverRange returns the newest payload of every live chunk of the log
// whose local id lies within [low, high]. Entries failing checksum
// verification are skipped, a corrupt header abandons the rest of its
// segment. Appends and reorganization are paused meanwhile.
func (l *SecondaryLog) RecoverRange(low, high uint64, verifyChecksums bool) (map[uint64][]byte, RecoveryStats, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.reorgMu.Lock()
	defer l.reorgMu.Unlock()

	var stats RecoveryStats
	start := l.now()
	eon := l.currentEon()

	var view *versions.Table
	if l.versions != nil {
		var err error
		if view, err = l.versions.ReplayAll(); err != nil {
			return nil, stats, errors.Wrapf(err, "replay versions of range %s", l.key)
		}
	}

	l.mu.Lock()
	used := make([]int, len(l.segments))
	for i, seg := range l.segments {
		used[i] = seg.used
	}
	l.mu.Unlock()

	mapping, err := l.ring.Map()
	if err != nil {
		return nil, stats, err
	}
	defer mapping.Unmap()
	data := mapping.Bytes()

	newest := make(map[uint64]recovered)
	for index, n := range used {
		if n == 0 {
			continue
		}
		offset := int(l.segmentOffset(index))
		it := logentry.NewSecondaryIterator(data[offset:offset+n], l.creator)
		for e, ok := it.Next(); ok; e, ok = it.Next() {
			if e.IsInvalid() || e.LocalID < low || e.LocalID > high {
				continue
			}
			if verifyChecksums {
				if err := e.Verify(e.Payload); err != nil {
					stats.ChecksumMismatches++
					l.metrics.RecoveryError("checksum")
					l.logger.WithField("action", "chunklog_recover").
						WithField("segment", index).
						WithError(err).
						Warn("skipping entry with checksum mismatch")
					continue
				}
			}

			id := e.ChunkID()
			if cur, ok := newest[id]; ok && versions.Compare(cur.version, e.Version, eon) >= 0 {
				continue
			}
			newest[id] = recovered{version: e.Version, payload: e.Payload, tombstone: e.IsTombstone()}
		}
		if err := it.Err(); err != nil {
			stats.CorruptSegments++
			l.metrics.RecoveryError("corrupt_header")
			l.logger.WithField("action", "chunklog_recover").
				WithField("segment", index).
				WithError(err).
				Errorf("abandoning segment behind offset %d", it.Pos())
		}
	}

	out := make(map[uint64][]byte, len(newest))
	for id, r := range newest {
		if r.tombstone || deletedInView(view, id, r.version, eon) {
			stats.Deleted++
			continue
		}
		// the mapping is gone once this returns
		payload := make([]byte, len(r.payload))
		copy(payload, r.payload)
		out[id] = payload
	}
	stats.Entries = len(out)

	l.metrics.Recovered(stats.Entries)
	l.metrics.TrackReorganization("recover", start)
	l.logger.WithField("action", "chunklog_recover").
		WithField("entries", stats.Entries).
		WithField("deleted", stats.Deleted).
		WithField("took", time.Since(start)).
		Debug("recovered range")
	return out, stats, nil
}

// deletedInView reports whether the chunk was deleted after its newest
// entry on disk was written. Versions read back from disk carry 24 bit
// numbers, a tombstone reads back as VersionMask.
func deletedInView(view *versions.Table, chunkID uint64, newest versions.Version, currentEon uint8) bool {
	if view == nil {
		return false
	}
	v, ok := view.Get(chunkID)
	if !ok || (!v.IsTombstone() && v.Number != versions.VersionMask) {
		return false
	}
	return versions.Compare(v, newest, currentEon) >= 0
}
