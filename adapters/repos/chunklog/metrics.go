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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/chunklog/usecases/monitoring"
)

// Metrics are the store's views on the process wide metrics, curried by
// store name. A nil *Metrics disables tracking.
type Metrics struct {
	appended       *prometheus.CounterVec
	occupied       *prometheus.GaugeVec
	freeSegments   *prometheus.GaugeVec
	capacityErrors *prometheus.CounterVec
	invalidated    prometheus.Counter
	wbOccupancy    prometheus.Gauge
	backpressure   prometheus.Counter
	flushDuration  prometheus.Observer
	failedBytes    prometheus.Counter
	rangeWrites    *prometheus.CounterVec
	reorgDurations prometheus.ObserverVec
	reclaimed      *prometheus.CounterVec
	reorgFailures  prometheus.Counter
	recoveryErrors *prometheus.CounterVec
	recovered      prometheus.Counter
	recoveryDiskIO prometheus.Observer
	versionFlushes prometheus.Counter
	eonFlips       prometheus.Counter
	catalogRanges  *prometheus.GaugeVec
}

func NewMetrics(promMetrics *monitoring.PrometheusMetrics, storeName string) *Metrics {
	if promMetrics == nil {
		return nil
	}

	labels := prometheus.Labels{"store": storeName}
	return &Metrics{
		appended:       promMetrics.LogAppendedBytes.MustCurryWith(labels),
		occupied:       promMetrics.LogOccupiedBytes.MustCurryWith(labels),
		freeSegments:   promMetrics.LogFreeSegments.MustCurryWith(labels),
		capacityErrors: promMetrics.LogCapacityErrors.MustCurryWith(labels),
		invalidated:    promMetrics.LogInvalidatedEntries.With(labels),
		wbOccupancy:    promMetrics.WriteBufferOccupancy.With(labels),
		backpressure:   promMetrics.WriteBufferBackpressure.With(labels),
		flushDuration:  promMetrics.WriteBufferFlushDuration.With(labels),
		failedBytes:    promMetrics.WriteBufferFailedBytes.With(labels),
		rangeWrites:    promMetrics.PrimaryLogRangeWrites.MustCurryWith(labels),
		reorgDurations: promMetrics.ReorganizationDurations.MustCurryWith(labels),
		reclaimed:      promMetrics.ReorganizationReclaimed.MustCurryWith(labels),
		reorgFailures:  promMetrics.ReorganizationFailures.With(labels),
		recoveryErrors: promMetrics.RecoveryErrors.MustCurryWith(labels),
		recovered:      promMetrics.RecoveredEntries.With(labels),
		recoveryDiskIO: promMetrics.RecoveryDiskIO.With(labels),
		versionFlushes: promMetrics.VersionFlushes.With(labels),
		eonFlips:       promMetrics.VersionEonFlips.With(labels),
		catalogRanges:  promMetrics.CatalogRangeCount.MustCurryWith(labels),
	}
}

func (m *Metrics) Appended(logKind string, n int) {
	if m == nil {
		return
	}
	m.appended.With(prometheus.Labels{"log_kind": logKind}).Add(float64(n))
}

func (m *Metrics) Occupied(log string, bytes int64) {
	if m == nil {
		return
	}
	m.occupied.With(prometheus.Labels{"log": log}).Set(float64(bytes))
}

func (m *Metrics) FreeSegments(log string, count int) {
	if m == nil {
		return
	}
	m.freeSegments.With(prometheus.Labels{"log": log}).Set(float64(count))
}

func (m *Metrics) CapacityError(logKind string) {
	if m == nil {
		return
	}
	m.capacityErrors.With(prometheus.Labels{"log_kind": logKind}).Inc()
}

func (m *Metrics) Invalidated(count int) {
	if m == nil {
		return
	}
	m.invalidated.Add(float64(count))
}

func (m *Metrics) WriteBufferOccupancy(bytes int64) {
	if m == nil {
		return
	}
	m.wbOccupancy.Set(float64(bytes))
}

// FailedFlush counts the bytes of a flush whose write returned an error.
// Their space is reused, so entries not yet written are lost.
func (m *Metrics) FailedFlush(bytes int) {
	if m == nil {
		return
	}
	m.failedBytes.Add(float64(bytes))
}

func (m *Metrics) Backpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

func (m *Metrics) TrackFlush(start time.Time) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(float64(time.Since(start)) / float64(time.Millisecond))
}

// RangeWrite counts a demultiplexed range write, path is "buffered" or
// "direct".
func (m *Metrics) RangeWrite(path string) {
	if m == nil {
		return
	}
	m.rangeWrites.With(prometheus.Labels{"path": path}).Inc()
}

func (m *Metrics) TrackReorganization(operation string, start time.Time) {
	if m == nil {
		return
	}
	took := float64(time.Since(start)) / float64(time.Millisecond)
	m.reorgDurations.With(prometheus.Labels{"operation": operation}).Observe(took)
}

func (m *Metrics) Reclaimed(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reclaimed.With(prometheus.Labels{"kind": kind}).Add(float64(n))
}

func (m *Metrics) ReorganizationFailure() {
	if m == nil {
		return
	}
	m.reorgFailures.Inc()
}

func (m *Metrics) RecoveryError(kind string) {
	if m == nil {
		return
	}
	m.recoveryErrors.With(prometheus.Labels{"kind": kind}).Inc()
}

func (m *Metrics) Recovered(n int) {
	if m == nil {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Metrics) TrackVersionReplayDiskIO(read int64, nanoseconds int64) {
	if m == nil || nanoseconds == 0 {
		return
	}
	seconds := float64(nanoseconds) / float64(time.Second)
	m.recoveryDiskIO.Observe(float64(read) / seconds)
}

func (m *Metrics) VersionFlushed(flipped bool) {
	if m == nil {
		return
	}
	m.versionFlushes.Inc()
	if flipped {
		m.eonFlips.Inc()
	}
}

func (m *Metrics) CatalogRanges(creator, migration int) {
	if m == nil {
		return
	}
	m.catalogRanges.With(prometheus.Labels{"kind": "creator"}).Set(float64(creator))
	m.catalogRanges.With(prometheus.Labels{"kind": "migration"}).Set(float64(migration))
}
