package album

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	seededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "album",
		Name:      "seeded_total",
		Help:      "Album fan-in states created or refreshed.",
	})

	assembledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "album",
		Name:      "assembled_total",
		Help:      "Albums whose summary was assembled and published.",
	})

	lateItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "album",
		Name:      "late_items_total",
		Help:      "Vision results that arrived after their album state expired.",
	})

	assemblyLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sluice",
		Subsystem: "album",
		Name:      "assembly_lag_seconds",
		Help:      "Time between the first and last analysed item of an album.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
	})
)
