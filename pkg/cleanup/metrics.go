package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var postsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sluice_cleanup_posts_purged_total",
	Help: "Posts removed by retention sweeps.",
})
