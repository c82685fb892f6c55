package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrBatchMismatch means the provider returned a different number of
	// vectors, or vectors of the wrong width, than were requested.
	ErrBatchMismatch = errors.New("embedding batch mismatch")
)

// TransientError is a provider failure worth retrying: rate limiting,
// timeouts and 5xx-equivalent responses.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient embedding error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a provider failure that retrying cannot fix.
type PermanentError struct {
	Provider string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent embedding error: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// StatusError is a non-2xx response from an HTTP embedding server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Classify wraps err as a TransientError or PermanentError for provider.
// Errors that are already classified pass through unchanged.
func Classify(provider string, err error) error {
	if err == nil || IsTransient(err) || IsPermanent(err) {
		return err
	}
	if transient(err) {
		return &TransientError{Provider: provider, Err: err}
	}
	return &PermanentError{Provider: provider, Err: err}
}

func transient(err error) bool {
	// Caller cancellation is never retried; a per-call deadline is.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests ||
			se.Code == http.StatusRequestTimeout ||
			se.Code >= http.StatusInternalServerError
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var llmErr *llms.Error
	if !errors.As(err, &llmErr) {
		return false
	}
	return llms.IsRateLimitError(err) ||
		llms.IsTimeoutError(err) ||
		llms.IsProviderUnavailableError(err)
}
