package tenant

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// IsolationViolation describes one detected cross-namespace access.
// It never carries the content that crossed the boundary.
type IsolationViolation struct {
	Op       string
	Expected string
	Actual   string
	ID       string
}

func (v *IsolationViolation) Error() string {
	return fmt.Sprintf("%s: op=%s expected=%q actual=%q id=%q",
		ErrIsolationViolation, v.Op, v.Expected, v.Actual, v.ID)
}

func (v *IsolationViolation) Unwrap() error { return ErrIsolationViolation }

var violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ragd",
	Subsystem: "tenant",
	Name:      "isolation_violations_total",
	Help:      "Detected cross-namespace reads or writes, by operation.",
}, []string{"op"})

// Guard checks namespace provenance and reports violations.
type Guard struct {
	logger *logging.Logger
}

// NewGuard creates a guard that logs violations through logger.
func NewGuard(logger *logging.Logger) *Guard {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Guard{logger: logger.Named("tenant")}
}

// Check returns nil when actual names the same namespace as expected.
// Otherwise the violation is recorded and returned.
func (g *Guard) Check(ctx context.Context, op string, expected Namespace, actual, id string) error {
	if err := expected.Validate(); err != nil {
		return err
	}
	if actual == expected.String() {
		return nil
	}
	return g.Report(ctx, &IsolationViolation{Op: op, Expected: expected.String(), Actual: actual, ID: id})
}

// Report records v as a security event and returns it as an error.
// Violations are logged at error level so sampling never drops them.
func (g *Guard) Report(ctx context.Context, v *IsolationViolation) error {
	violationsTotal.WithLabelValues(v.Op).Inc()
	g.logger.Error(ctx, "tenant isolation violation",
		logging.Event(logging.EventIsolationViolation),
		zap.String("op", v.Op),
		zap.String("expected_namespace", v.Expected),
		zap.String("actual_namespace", v.Actual),
		zap.String("id", v.ID),
	)
	return v
}
