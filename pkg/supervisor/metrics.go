package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_supervisor_restarts_total",
		Help: "Task restarts after unexpected exits.",
	}, []string{"task"})

	taskStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sluice_supervisor_task_up",
		Help: "1 while the task is running, 0 once it failed permanently.",
	}, []string{"task"})
)
