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

package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	LogAppendedBytes      *prometheus.CounterVec
	LogOccupiedBytes      *prometheus.GaugeVec
	LogFreeSegments       *prometheus.GaugeVec
	LogCapacityErrors     *prometheus.CounterVec
	LogInvalidatedEntries *prometheus.CounterVec

	WriteBufferOccupancy     *prometheus.GaugeVec
	WriteBufferBackpressure  *prometheus.CounterVec
	WriteBufferFlushDuration *prometheus.HistogramVec
	WriteBufferFailedBytes   *prometheus.CounterVec
	PrimaryLogRangeWrites    *prometheus.CounterVec

	ReorganizationDurations *prometheus.HistogramVec
	ReorganizationReclaimed *prometheus.CounterVec
	ReorganizationFailures  *prometheus.CounterVec

	RecoveryErrors    *prometheus.CounterVec
	RecoveredEntries  *prometheus.CounterVec
	RecoveryDiskIO    *prometheus.HistogramVec
	VersionFlushes    *prometheus.CounterVec
	VersionEonFlips   *prometheus.CounterVec
	FileIOOps         *prometheus.CounterVec
	CatalogRangeCount *prometheus.GaugeVec

	MetricsConnections prometheus.Gauge
}

var (
	metrics *PrometheusMetrics
	msMu    sync.Mutex
)

// GetMetrics returns the process wide metrics registered with the default
// prometheus registerer.
func GetMetrics() *PrometheusMetrics {
	msMu.Lock()
	defer msMu.Unlock()

	if metrics == nil {
		metrics = NewPrometheusMetrics(prometheus.DefaultRegisterer)
	}
	return metrics
}

// NewPrometheusMetrics registers a fresh set of metrics with reg. Tests pass
// their own registry (or a NoopPrometheusRegistery) to stay independent of
// the global one.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)

	return &PrometheusMetrics{
		Registerer: reg,

		LogAppendedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_appended_bytes_total",
			Help: "Bytes appended to logs, by log kind",
		}, []string{"store", "log_kind"}),
		LogOccupiedBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chunklog_occupied_bytes",
			Help: "Occupied bytes of a log",
		}, []string{"store", "log"}),
		LogFreeSegments: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chunklog_free_segments",
			Help: "Number of free segments of a secondary log",
		}, []string{"store", "log"}),
		LogCapacityErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_capacity_errors_total",
			Help: "Appends rejected because a log was full",
		}, []string{"store", "log_kind"}),
		LogInvalidatedEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_invalidated_entries_total",
			Help: "Entries invalidated in place by the version sweep",
		}, []string{"store"}),

		WriteBufferOccupancy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chunklog_write_buffer_occupied_bytes",
			Help: "Bytes staged in the primary write buffer",
		}, []string{"store"}),
		WriteBufferBackpressure: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_write_buffer_backpressure_waits_total",
			Help: "Appends that had to wait for the write buffer to drain",
		}, []string{"store"}),
		WriteBufferFlushDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunklog_write_buffer_flush_duration_ms",
			Help:    "Duration of one write buffer flush into the logs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"store"}),
		WriteBufferFailedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_write_buffer_failed_flush_bytes_total",
			Help: "Staged bytes released by flushes that returned an error, not all of them reached the logs",
		}, []string{"store"}),
		PrimaryLogRangeWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_primary_log_range_writes_total",
			Help: "Per range writes of the demultiplexer, buffered or direct",
		}, []string{"store", "path"}),

		ReorganizationDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunklog_reorganization_duration_ms",
			Help:    "Duration of reorganization operations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 18),
		}, []string{"store", "operation"}),
		ReorganizationReclaimed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_reorganization_reclaimed_total",
			Help: "Entries, tombstones and bytes removed by reorganization",
		}, []string{"store", "kind"}),
		ReorganizationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_reorganization_failures_total",
			Help: "Abandoned reorganization cycles",
		}, []string{"store"}),

		RecoveryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_recovery_errors_total",
			Help: "Entries skipped during recovery, by kind",
		}, []string{"store", "kind"}),
		RecoveredEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_recovered_entries_total",
			Help: "Entries returned by recovery",
		}, []string{"store"}),
		RecoveryDiskIO: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunklog_recovery_disk_io_bytes_per_second",
			Help:    "Read throughput while replaying version logs",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12),
		}, []string{"store"}),
		VersionFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_version_flushes_total",
			Help: "Version buffer flushes (epoch increments)",
		}, []string{"store"}),
		VersionEonFlips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_version_eon_flips_total",
			Help: "Epoch wraparounds",
		}, []string{"store"}),
		FileIOOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunklog_file_io_ops_total",
			Help: "File operations, by operation and source",
		}, []string{"operation", "source"}),
		CatalogRangeCount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chunklog_catalog_ranges",
			Help: "Registered ranges, by kind",
		}, []string{"store", "kind"}),

		MetricsConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunklog_metrics_open_connections",
			Help: "Open connections to the metrics endpoint",
		}),
	}
}
