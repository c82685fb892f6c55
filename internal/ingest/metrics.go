package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ragd",
		Subsystem: "ingest",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each pipeline stage.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"stage"})

	documentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "ingest",
		Name:      "documents_total",
		Help:      "Documents that reached a terminal state.",
	}, []string{"state"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "ingest",
		Name:      "retries_total",
		Help:      "Retried provider and index calls by stage.",
	}, []string{"stage"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragd",
		Subsystem: "ingest",
		Name:      "queue_depth",
		Help:      "Documents waiting for a pipeline worker.",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ragd",
		Subsystem: "ingest",
		Name:      "in_flight",
		Help:      "Documents queued or being processed.",
	})
)
