/*
metrics.go - Prometheus instrumentation for the settlement path
*/
package coin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bcoin_settlements_total",
		Help: "Settlement attempts by outcome",
	}, []string{"result"})

	settlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bcoin_settlement_duration_seconds",
		Help:    "Settlement latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	tokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bcoin_tokens_issued_total",
		Help: "Tokens issued",
	})
)
