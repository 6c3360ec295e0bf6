package grants

import "github.com/prometheus/client_golang/prometheus"

var eventOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "grants_events_total",
}, []string{"result"})

var ruleMatches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "grants_rule_matches_total",
}, []string{"rule_id"})

var ruleCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "grants_rule_cache_hits_total",
})

var ruleCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "grants_rule_cache_miss_total",
})

func init() {
	prometheus.MustRegister(eventOutcomes, ruleMatches, ruleCacheHits, ruleCacheMiss)
}
