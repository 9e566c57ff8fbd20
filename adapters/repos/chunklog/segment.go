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
)

// segmentHeader is the in-memory bookkeeping of one segment of a secondary
// log. It is never persisted; reopening a log rebuilds it by scanning.
type segmentHeader struct {
	index      int
	used       int
	deleted    int
	lastAccess time.Time
	// locked while written to or reorganized, appends skip locked segments
	locked bool
}

func (s *segmentHeader) freeBytes(segmentSize int) int {
	return segmentSize - s.used
}

// utilization is the share of the segment holding live data.
func (s *segmentHeader) utilization(segmentSize int) float64 {
	return float64(s.used-s.deleted) / float64(segmentSize)
}

// score rates how beneficial reorganizing the segment is: old segments with
// little live data come first.
func (s *segmentHeader) score(now time.Time, segmentSize int) float64 {
	u := s.utilization(segmentSize)
	age := now.Sub(s.lastAccess).Seconds()
	if age < 0 {
		age = 0
	}
	return ((1 - u) * age) / (1 + u)
}

type SegmentStatus struct {
	Index        int
	UsedBytes    int
	DeletedBytes int
	Utilization  float64
	Locked       bool
	LastAccess   time.Time
}
