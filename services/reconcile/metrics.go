package reconcile

import "github.com/prometheus/client_golang/prometheus"

var jobOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "reconcile_jobs_total",
}, []string{"result"})

var tokenDiffs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "reconcile_token_diffs_total",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(jobOutcomes, tokenDiffs)
}
