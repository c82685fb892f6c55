package http

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// statusCode maps a service error to its HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, status.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tenant.ErrIsolationViolation):
		return http.StatusForbidden
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, tenant.ErrMissingNamespace),
		errors.Is(err, tenant.ErrInvalidNamespace),
		errors.Is(err, ingest.ErrEmptyInput),
		errors.Is(err, retrieval.ErrInvalidQuery),
		errors.Is(err, chunker.ErrInvalidConfig):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail converts err into an echo.HTTPError. Isolation violations and
// internal errors never echo the underlying message.
func (s *Server) fail(c echo.Context, err error) error {
	code := statusCode(err)
	ctx := c.Request().Context()
	switch code {
	case http.StatusForbidden:
		return echo.NewHTTPError(code, "forbidden")
	case http.StatusInternalServerError:
		s.logger.Error(ctx, "request failed", zap.String("path", c.Path()), zap.Error(err))
		return echo.NewHTTPError(code, "internal error")
	case http.StatusServiceUnavailable:
		c.Response().Header().Set("Retry-After", "1")
	}
	return echo.NewHTTPError(code, err.Error())
}
