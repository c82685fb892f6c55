// Package retry runs operations under an explicit exponential backoff
// policy. Only errors the caller classifies as transient are retried.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fyrsmithlabs/ragd/internal/config"
)

// Policy bounds retries of one stage call.
type Policy struct {
	// MaxAttempts counts every try, including the first.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Jitter is the randomization factor in [0, 1].
	Jitter   float64
	MaxDelay time.Duration
}

// DefaultPolicy returns one try plus three retries.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.2,
		MaxDelay:    5 * time.Second,
	}
}

// FromConfig converts the config section into a Policy.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
		MaxDelay:    c.MaxDelay,
	}
}

// Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// Notify observes a failed attempt before the next one is scheduled.
type Notify func(attempt int, err error, next time.Duration)

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxAttempts or ctx ends. The last error from op is returned unchanged;
// when ctx ends between attempts its cause is returned instead.
func Do[T any](ctx context.Context, p Policy, retryable Classifier, notify Notify, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(max(1, p.MaxAttempts))),
		// Attempts, not wall time, bound the retries.
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			notify(attempt, err, next)
		}))
	}
	v, err := backoff.Retry(ctx, operation, opts...)
	if pe, ok := err.(*backoff.PermanentError); ok {
		err = pe.Err
	}
	return v, err
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = backoff.DefaultMaxInterval
	}
	return b
}
