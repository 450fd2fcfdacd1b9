package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "ratelimit",
		Name:      "denied_total",
		Help:      "Sliding-window denials per key scope.",
	}, []string{"scope"})

	degradedChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "ratelimit",
		Name:      "degraded_checks_total",
		Help:      "Checks that allowed by default because the KV was unreachable.",
	})

	cooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "ratelimit",
		Name:      "channel_cooldowns_total",
		Help:      "Channels placed into cool-down.",
	})

	floodWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "platform",
		Name:      "floodwait_total",
		Help:      "Flood-wait responses observed per platform method.",
	}, []string{"method"})
)
