package vision

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	analyzedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "vision",
		Name:      "analyzed_total",
		Help:      "Posts whose media was analysed, per provider.",
	}, []string{"provider"})

	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "vision",
		Name:      "skipped_total",
		Help:      "Posts gated out of vision, per skip reason.",
	}, []string{"reason"})

	fallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "vision",
		Name:      "fallback_total",
		Help:      "Analyses served by the fallback adapter while the primary was unreachable.",
	})

	budgetExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "vision",
		Name:      "budget_exhausted_total",
		Help:      "Posts skipped because the tenant's monthly token budget ran out.",
	}, []string{"tenant"})

	tokensSpentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "vision",
		Name:      "tokens_spent_total",
		Help:      "Vision model tokens spent per tenant.",
	}, []string{"tenant"})
)
