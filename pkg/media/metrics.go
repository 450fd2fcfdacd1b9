package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_media_downloads_total",
		Help: "Media download attempts by attachment kind and outcome.",
	}, []string{"kind", "outcome"})

	downloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sluice_media_download_duration_seconds",
		Help:    "Media download latency by attachment kind.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})

	uploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_media_uploaded_bytes_total",
		Help: "Raw media bytes handed to the blob store.",
	})

	quotaSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_media_quota_skipped_total",
		Help: "Media items skipped on quota denial, by tenant and denial reason.",
	}, []string{"tenant", "reason"})

	albumsSeededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sluice_media_albums_seeded_total",
		Help: "Albums reconstructed from a sibling fetch.",
	})
)
