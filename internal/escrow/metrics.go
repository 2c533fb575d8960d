package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// opsTotal counts escrow operations by operation and outcome.
	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nexlance",
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Total escrow operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	// opDuration observes operation latency by operation.
	opDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nexlance",
			Subsystem: "escrow",
			Name:      "operation_duration_seconds",
			Help:      "Escrow operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration)
}

// observeOp returns a function to observe the operation's duration.
func observeOp(op string) func() {
	start := time.Now()
	return func() {
		opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
