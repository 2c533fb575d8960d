package wallet

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nexlance",
		Subsystem: "wallet",
		Name:      "reconcile_mismatches",
		Help:      "Number of wallet balance mismatches found in last reconciliation run.",
	})

	reconcileRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nexlance",
		Subsystem: "wallet",
		Name:      "reconcile_runs_total",
		Help:      "Total reconciliation runs.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileRuns,
	)
}
