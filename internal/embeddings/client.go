// Package embeddings turns text into vectors through a pluggable provider.
//
// Client is the adapter the pipeline talks to. It splits work into
// bounded batches, rate limits provider calls and classifies every
// failure as transient or permanent. Retrying is left to the caller.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Provider is a raw embedding backend.
type Provider interface {
	// Name identifies the provider in errors, logs and metrics.
	Name() string
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector width, or 0 when unknown.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ClientOptions tunes a Client.
type ClientOptions struct {
	// MaxBatchSize bounds the texts sent in one provider call.
	MaxBatchSize int
	// RateLimit is provider calls per second; 0 disables limiting.
	RateLimit float64
	Burst     int
	Logger    *logging.Logger
}

// Client is the embedding adapter used by ingestion and retrieval.
type Client struct {
	provider Provider
	maxBatch int
	limiter  *rate.Limiter
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *logging.Logger
}

// NewClient wraps provider.
func NewClient(provider Provider, opts ClientOptions) *Client {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 32
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	c := &Client{
		provider: provider,
		maxBatch: opts.MaxBatchSize,
		metrics:  NewMetrics(opts.Logger),
		tracer:   otel.Tracer(instrumentationName),
		logger:   opts.Logger.Named("embeddings"),
	}
	if opts.RateLimit > 0 {
		burst := max(opts.Burst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Dimension returns the provider's vector width.
func (c *Client) Dimension() int { return c.provider.Dimension() }

// MaxBatchSize returns the per-call batch bound.
func (c *Client) MaxBatchSize() int { return c.maxBatch }

// Provider returns the wrapped provider name.
func (c *Client) Provider() string { return c.provider.Name() }

// Close closes the provider.
func (c *Client) Close() error { return c.provider.Close() }

// EmbedBatch returns one vector per text in input order, or an error for
// the whole request. Inputs larger than the batch bound are sent as
// several provider calls; a failure in any of them discards the rest.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, &PermanentError{Provider: c.provider.Name(), Err: ErrEmptyInput}
	}

	ctx, span := c.tracer.Start(ctx, "Embeddings.EmbedBatch", trace.WithAttributes(
		attribute.String("provider", c.provider.Name()),
		attribute.Int("texts", len(texts)),
	))
	defer span.End()

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.maxBatch {
		end := min(start+c.maxBatch, len(texts))
		vecs, err := c.call(ctx, texts[start:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embed failed")
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single query text.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) call(ctx context.Context, batch []string) ([][]float32, error) {
	name := c.provider.Name()
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// The limiter refuses waits that would outlast the deadline
			// without wrapping context.DeadlineExceeded.
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, &PermanentError{Provider: name, Err: err}
			}
			return nil, &TransientError{Provider: name, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	start := time.Now()
	vecs, err := c.provider.Embed(ctx, batch)
	if err == nil {
		err = c.check(batch, vecs)
	}
	err = Classify(name, err)
	c.metrics.RecordGeneration(ctx, name, time.Since(start), len(batch), err)

	if err != nil {
		c.logger.Debug(ctx, "embedding call failed",
			zap.String("provider", name),
			zap.Int("batch", len(batch)),
			zap.Bool("transient", IsTransient(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return vecs, nil
}

func (c *Client) check(batch []string, vecs [][]float32) error {
	if len(vecs) != len(batch) {
		return &PermanentError{
			Provider: c.provider.Name(),
			Err:      fmt.Errorf("%w: requested %d vectors, got %d", ErrBatchMismatch, len(batch), len(vecs)),
		}
	}
	dim := c.provider.Dimension()
	for i, v := range vecs {
		if len(v) == 0 || (dim > 0 && len(v) != dim) {
			return &PermanentError{
				Provider: c.provider.Name(),
				Err:      fmt.Errorf("%w: vector %d has width %d, want %d", ErrBatchMismatch, i, len(v), dim),
			}
		}
	}
	return nil
}
