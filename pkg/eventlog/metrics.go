package eventlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "eventlog",
		Name:      "published_total",
		Help:      "Messages appended per topic.",
	}, []string{"topic"})

	consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "eventlog",
		Name:      "consumed_total",
		Help:      "Messages delivered to consumers per topic and group.",
	}, []string{"topic", "group"})

	ackedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "eventlog",
		Name:      "acked_total",
		Help:      "Messages acknowledged per topic and group.",
	}, []string{"topic", "group"})

	reclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "eventlog",
		Name:      "reclaimed_total",
		Help:      "Stale pending messages claimed back per topic and group.",
	}, []string{"topic", "group"})

	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "eventlog",
		Name:      "dead_lettered_total",
		Help:      "Messages routed to a dead-letter stream per topic and reason.",
	}, []string{"topic", "reason"})

	trimmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "eventlog",
		Name:      "trimmed_total",
		Help:      "Entries removed by safe trims per topic.",
	}, []string{"topic"})
)
