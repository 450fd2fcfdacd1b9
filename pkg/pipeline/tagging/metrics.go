package tagging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	taggedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "tagging",
		Name:      "posts_total",
		Help:      "Tagging outcomes (tagged, cached, unchanged).",
	}, []string{"outcome"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "tagging",
		Name:      "dropped_total",
		Help:      "Messages dropped before tagging (vision_retag guard, empty posts).",
	}, []string{"reason"})
)
