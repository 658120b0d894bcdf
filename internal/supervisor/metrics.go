package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proceed_script_executions_active",
			Help: "Number of script runners currently alive.",
		},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proceed_script_executions_total",
			Help: "Total number of finished script executions, by outcome.",
		},
		[]string{"outcome"},
	)

	forwardRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proceed_forward_requests_total",
			Help: "Total number of forwarded HTTP requests, by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(executionsActive)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(forwardRequestsTotal)
}
