package forge

import "github.com/prometheus/client_golang/prometheus"

var burnTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "forge_transitions_total",
}, []string{"status"})

func init() {
	prometheus.MustRegister(burnTransitions)
}
