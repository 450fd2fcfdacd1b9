package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "cas",
		Name:      "operations_total",
		Help:      "Blob store operations per op and content kind.",
	}, []string{"op", "kind"})

	bytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "cas",
		Name:      "bytes_total",
		Help:      "Bytes moved per direction and content kind.",
	}, []string{"direction", "kind"})

	objectSizeBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sluice",
		Subsystem: "cas",
		Name:      "object_size_bytes",
		Help:      "Stored object sizes per content kind.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"kind"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sluice",
		Subsystem: "cas",
		Name:      "operation_duration_seconds",
		Help:      "Blob store operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	dedupHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "cas",
		Name:      "dedup_hits_total",
		Help:      "Puts that found identical content already stored.",
	}, []string{"kind"})

	quotaDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "cas",
		Name:      "quota_denied_total",
		Help:      "Quota admission denials per reason.",
	}, []string{"reason"})

	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "cas",
		Name:      "evictions_total",
		Help:      "Blobs evicted per content kind.",
	}, []string{"kind"})
)
