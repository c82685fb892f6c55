package embeddings

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ragd/internal/embeddings"

// Metrics holds embedding call instruments.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider. Instrument
// creation failures are logged and the affected instrument is skipped.
func NewMetrics(logger *logging.Logger) *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	ctx := context.Background()

	var err error
	m.duration, err = meter.Float64Histogram(
		"ragd.embedding.call_duration_seconds",
		metric.WithDescription("Duration of one provider embedding call"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"ragd.embedding.batch_size",
		metric.WithDescription("Texts per provider embedding call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"ragd.embedding.errors_total",
		metric.WithDescription("Failed embedding calls by provider and class"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create errors counter", zap.Error(err))
	}
	return m
}

// RecordGeneration records one provider call.
func (m *Metrics) RecordGeneration(ctx context.Context, provider string, d time.Duration, batch int, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))

	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if m.batchSize != nil && batch > 0 {
		m.batchSize.Record(ctx, int64(batch), attrs)
	}
	if err != nil && m.errors != nil {
		class := "permanent"
		if IsTransient(err) {
			class = "transient"
		}
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("class", class),
		))
	}
}
