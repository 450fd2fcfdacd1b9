package retag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sluice_retag_decisions_total",
	Help: "Retag trigger decisions by outcome (legacy, vision_version, features_hash, current, unchanged, untagged).",
}, []string{"outcome"})
