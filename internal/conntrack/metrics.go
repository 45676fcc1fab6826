package conntrack

import "github.com/prometheus/client_golang/prometheus"

var (
	gaugeFlows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sgengine_conntrack_flows",
		Help: "Number of flows currently tracked.",
	})
	expiredFlowsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgengine_conntrack_expired_flows_total",
		Help: "Number of flows removed after their idle timeout.",
	})
	flowTableFullCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sgengine_conntrack_table_full_total",
		Help: "Number of flows refused because the flow table was full.",
	})
)

func init() {
	prometheus.MustRegister(gaugeFlows)
	prometheus.MustRegister(expiredFlowsCount)
	prometheus.MustRegister(flowTableFullCount)
}
