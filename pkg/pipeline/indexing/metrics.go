package indexing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	indexedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "indexing",
		Name:      "posts_total",
		Help:      "Posts indexed, per tenant and embedding status.",
	}, []string{"tenant", "embedding_status"})

	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "indexing",
		Name:      "skipped_total",
		Help:      "Embedding skips per reason.",
	}, []string{"reason"})

	unresolvedTenantTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "indexing",
		Name:      "unresolved_tenant_total",
		Help:      "Posts dead-lettered because no owning tenant resolved.",
	})
)
