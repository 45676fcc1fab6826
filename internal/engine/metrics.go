package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sgengine_decisions_total",
		Help: "Number of packet decisions, by action and reason.",
	}, []string{"action", "reason"})
	malformedPacketsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgengine_malformed_packets_total",
		Help: "Number of packets denied because their descriptor could not be used.",
	})
	ruleSetReplacements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgengine_rule_set_replacements_total",
		Help: "Number of security group rule sets installed.",
	})
)

func init() {
	prometheus.MustRegister(decisionsCount)
	prometheus.MustRegister(malformedPacketsCount)
	prometheus.MustRegister(ruleSetReplacements)
}
