package enrichment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "enrichment",
		Name:      "posts_total",
		Help:      "Enrichment outcomes (crawled, no_url, tag_mismatch, cache_hit, budget_exhausted).",
	}, []string{"outcome"})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "enrichment",
		Name:      "crawl_cache_hits_total",
		Help:      "Crawls avoided because the canonical URL blob already existed.",
	})

	quotaDeniedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sluice",
		Subsystem: "enrichment",
		Name:      "quota_denied_total",
		Help:      "Crawl blobs rejected by the storage quota.",
	})
)
