package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ragd",
		Subsystem: "retrieval",
		Name:      "results",
		Help:      "Chunks returned per query.",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 50},
	})

	belowThreshold = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "retrieval",
		Name:      "below_threshold_total",
		Help:      "Matches dropped by the relevance cutoff.",
	})
)
