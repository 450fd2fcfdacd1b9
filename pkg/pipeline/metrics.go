package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "pipeline",
		Name:      "processed_total",
		Help:      "Messages handled per stage and outcome (ok, retry, dlq).",
	}, []string{"stage", "outcome"})

	processingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sluice",
		Subsystem: "pipeline",
		Name:      "processing_duration_seconds",
		Help:      "Handler latency per stage.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	batchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sluice",
		Subsystem: "pipeline",
		Name:      "batch_size",
		Help:      "Messages fetched per consume call.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
	}, []string{"stage"})
)
