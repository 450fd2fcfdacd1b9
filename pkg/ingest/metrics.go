package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_ingest_cycles_total",
		Help: "Completed polling cycles across all channels of an identity.",
	})

	channelsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_ingest_channels_skipped_total",
		Help: "Channels skipped during a cycle, by admission reason.",
	}, []string{"reason"})

	postsStagedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_ingest_posts_staged_total",
		Help: "posts.parsed events staged through the outbox.",
	})

	floodWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_ingest_flood_waits_total",
		Help: "Flood-wait errors hit while fetching messages.",
	})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_ingest_reconnects_total",
		Help: "Watchdog reconnect attempts by outcome.",
	}, []string{"outcome"})

	authFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_ingest_auth_failures_total",
		Help: "Identities parked after losing authentication.",
	})
)
