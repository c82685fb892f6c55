package vectorstore

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts index operations.
	// Labels: backend, op, result (success, error, violation)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Vector index operations by backend, operation and result",
		},
		[]string{"backend", "op", "result"},
	)

	// OperationDuration tracks index operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ragd",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector index operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

func observe(backend, op string, start time.Time, errp *error) {
	OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())

	result := "success"
	switch {
	case *errp == nil:
	case errors.Is(*errp, tenant.ErrIsolationViolation):
		result = "violation"
	default:
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, op, result).Inc()
}
