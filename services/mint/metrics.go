package mint

import "github.com/prometheus/client_golang/prometheus"

var opTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "issuance_transitions_total",
}, []string{"status"})

func init() {
	prometheus.MustRegister(opTransitions)
}
