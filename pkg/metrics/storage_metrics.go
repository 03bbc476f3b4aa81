package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StorageMetrics tracks the log-structured engine: operations, disk usage,
// rotation and compaction.
//
// All methods are safe on a nil receiver so the engine can run without a
// registry.
type StorageMetrics struct {
	registry *Registry

	Operations       *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	BytesWritten     prometheus.Counter

	Keys       prometheus.Gauge
	Segments   prometheus.Gauge
	TotalBytes prometheus.Gauge
	StaleBytes prometheus.Gauge

	Rotations prometheus.Counter

	CompactionRuns           *prometheus.CounterVec
	CompactionLatency        prometheus.Histogram
	CompactionBytesReclaimed prometheus.Counter

	RecoveryTruncations prometheus.Counter
}

func newStorageMetrics(r *Registry) *StorageMetrics {
	m := &StorageMetrics{registry: r}

	m.Operations = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "operations_total",
		Help:      "Engine operations by type and outcome (ok, not_found, error)",
	}, []string{"op", "result"})

	m.OperationLatency = r.newHistogramVec(prometheus.HistogramOpts{
		Subsystem: "storage",
		Name:      "operation_latency_seconds",
		Help:      "Engine operation latency",
	}, []string{"op"})

	m.BytesWritten = r.newCounter(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "bytes_written_total",
		Help:      "Bytes appended to the active segment",
	})

	m.Keys = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "storage",
		Name:      "keys",
		Help:      "Live keys in the index",
	})

	m.Segments = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "storage",
		Name:      "segments",
		Help:      "Segment files on disk, active included",
	})

	m.TotalBytes = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "storage",
		Name:      "size_bytes",
		Help:      "Bytes held by all segments",
	})

	m.StaleBytes = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "storage",
		Name:      "stale_bytes",
		Help:      "Bytes held by superseded records and tombstones",
	})

	m.Rotations = r.newCounter(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "segment_rotations_total",
		Help:      "Active segment rotations",
	})

	m.CompactionRuns = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "compactions_total",
		Help:      "Compaction runs by outcome (success, failure)",
	}, []string{"result"})

	m.CompactionLatency = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "storage",
		Name:      "compaction_duration_seconds",
		Help:      "Wall time of a compaction run",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	m.CompactionBytesReclaimed = r.newCounter(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "compaction_reclaimed_bytes_total",
		Help:      "Disk bytes released by compaction",
	})

	m.RecoveryTruncations = r.newCounter(prometheus.CounterOpts{
		Subsystem: "storage",
		Name:      "recovery_truncations_total",
		Help:      "Torn tails cut from the active segment during recovery",
	})

	return m
}

func (m *StorageMetrics) on() bool {
	return m != nil && m.registry.enabled
}

// RecordOp records one engine call. result is one of "ok", "not_found" or
// "error".
func (m *StorageMetrics) RecordOp(op, result string, latency time.Duration) {
	if !m.on() {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(latency.Seconds())
}

// RecordWrite records bytes appended to the log.
func (m *StorageMetrics) RecordWrite(bytes int) {
	if !m.on() {
		return
	}
	m.BytesWritten.Add(float64(bytes))
}

// SetUsage publishes the engine's current footprint.
func (m *StorageMetrics) SetUsage(keys, segments int, total, stale int64) {
	if !m.on() {
		return
	}
	m.Keys.Set(float64(keys))
	m.Segments.Set(float64(segments))
	m.TotalBytes.Set(float64(total))
	m.StaleBytes.Set(float64(stale))
}

// RecordRotation counts a segment rotation.
func (m *StorageMetrics) RecordRotation() {
	if !m.on() {
		return
	}
	m.Rotations.Inc()
}

// RecordCompaction records the outcome of a compaction run.
func (m *StorageMetrics) RecordCompaction(latency time.Duration, reclaimed int64, err error) {
	if !m.on() {
		return
	}
	if err != nil {
		m.CompactionRuns.WithLabelValues("failure").Inc()
		return
	}
	m.CompactionRuns.WithLabelValues("success").Inc()
	m.CompactionLatency.Observe(latency.Seconds())
	if reclaimed > 0 {
		m.CompactionBytesReclaimed.Add(float64(reclaimed))
	}
}

// RecordTruncation counts a torn tail dropped during recovery.
func (m *StorageMetrics) RecordTruncation() {
	if !m.on() {
		return
	}
	m.RecoveryTruncations.Inc()
}
