// metrics.go exposes the control plane's operational gauges/counters via
// prometheus/client_golang. Registration happens once per process; the
// collectors are package-level so every Manager instance feeds the same
// series.
package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hostsMarkedDownTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysmanage_hosts_marked_down_total",
		Help: "Hosts flipped to status=down by the heartbeat monitor.",
	})
	queueEntriesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysmanage_queue_entries_expired_total",
		Help: "Queue entries expired by the cleanup loop.",
	})
	queueEntriesCleanedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysmanage_queue_entries_cleaned_total",
		Help: "Terminal queue entries deleted by the cleanup loop.",
	})
)

// RegisterConnectionGauge publishes the current number of live agent
// sessions. Called once from main with the hub's ActiveConnections
// counter.
func RegisterConnectionGauge(count func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sysmanage_active_agent_connections",
		Help: "Currently authenticated agent WebSocket sessions.",
	}, func() float64 { return float64(count()) }))
}
