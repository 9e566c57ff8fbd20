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

	"github.com/dustin/go-humanize"
	"github.com/weaviate/chunklog/entities/cyclemanager"
	enterrors "github.com/weaviate/chunklog/entities/errors"
	"github.com/weaviate/chunklog/entities/interval"
)

// reorganizeCallback runs the reorganization cycles of one range. A range
// whose reorganization fails is skipped with growing intervals.
func (s *Store) reorganizeCallback(logs *RangeLogs) cyclemanager.CycleCallback {
	backoff := interval.NewBackoffTimer(0, time.Second, 5*time.Second, 30*time.Second, 2*time.Minute)
	logger := s.logger.WithField("action", "chunklog_reorganize").
		WithField("range", logs.Key.String())

	return func(shouldAbort cyclemanager.ShouldAbortCallback) bool {
		if !backoff.IntervalElapsed() {
			return false
		}

		start := time.Now()
		stats, executed, err := logs.Log.Reorganize(shouldAbort, s.cfg.Reorg.SegmentsPerCycle)
		if enterrors.IsTransient(err) {
			logger.WithError(err).Debug("postponing reorganization cycle")
			return executed
		}
		if err != nil {
			s.metrics.ReorganizationFailure()
			backoff.IncreaseInterval()
			logger.WithError(err).
				WithField("backoff_level", backoff.Level()).
				Warn("abandoning reorganization cycle")
			return executed
		}
		backoff.Reset()

		if stats.Segments > 0 || stats.Invalidated > 0 {
			logger.WithField("segments", stats.Segments).
				WithField("moved", stats.MovedEntries).
				WithField("removed_entries", stats.RemovedEntries).
				WithField("removed_tombstones", stats.RemovedTombstones).
				WithField("invalidated", stats.Invalidated).
				WithField("took", time.Since(start)).
				Debugf("reclaimed %s", humanize.IBytes(uint64(stats.ReclaimedBytes)))
		}
		return executed
	}
}

// triggerReorganization is the threshold hook of every secondary log.
func (s *Store) triggerReorganization() {
	if s.reorgCycle != nil {
		s.reorgCycle.Trigger()
	}
}

// ReorganizeAll sweeps and compacts every range synchronously.
func (s *Store) ReorganizeAll() (ReorganizationStats, error) {
	var total ReorganizationStats
	for _, logs := range s.catalog.GetAllLogs() {
		stats, err := logs.Log.ReorganizeAll()
		total.add(stats)
		if err != nil {
			s.metrics.ReorganizationFailure()
			return total, err
		}
	}
	return total, nil
}
