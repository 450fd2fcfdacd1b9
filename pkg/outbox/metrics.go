package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stagedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_outbox_staged_total",
		Help: "Events staged into the outbox, by stream.",
	}, []string{"stream"})

	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_outbox_relayed_total",
		Help: "Relay attempts by stream and outcome (sent, retry, dead).",
	}, []string{"stream", "outcome"})
)
