// Package metrics holds the broker's ambient Prometheus instrumentation, in
// the teacher's style
// (controlplane/controller/internal/controller/metrics.go): package-level
// vars registered once, read by the rest of the broker without threading a
// registry handle through every constructor.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broker_sessions_active",
		Help: "The number of sessions currently registered in the broker.",
	})

	HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_heartbeats_total",
		Help: "The total number of heartbeats processed, by outcome.",
	}, []string{"outcome"})

	SweeperGCRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_sweeper_gc_removals_total",
		Help: "The total number of sessions removed by Sweeper-GC.",
	})

	SweeperOfflineDemotions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broker_sweeper_offline_demotions_total",
		Help: "The total number of devices demoted to offline by Sweeper-Offline.",
	})

	ReconcileRPCsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_reconcile_rpcs_total",
		Help: "The total number of run_network_instance RPCs issued by reconcile tasks, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		HeartbeatsTotal,
		SweeperGCRemovals,
		SweeperOfflineDemotions,
		ReconcileRPCsTotal,
	)
}
