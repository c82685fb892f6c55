package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: logging.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/documents/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "doc")
	})
	e.GET("/broken", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "nope")
	})

	for _, path := range []string{"/api/v1/documents/a", "/api/v1/documents/b", "/broken"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	statuses := map[int64]int64{}
	var foundDuration, foundSize bool
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case "ragd.http.requests_total":
				sum, ok := md.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					ep, _ := dp.Attributes.Value("endpoint")
					st, _ := dp.Attributes.Value("status")
					counts[ep.AsString()] += dp.Value
					statuses[st.AsInt64()] += dp.Value
				}
			case "ragd.http.request_duration_seconds":
				foundDuration = true
			case "ragd.http.response_size_bytes":
				foundSize = true
			}
		}
	}

	assert.Equal(t, int64(2), counts["/api/v1/documents/:id"])
	assert.Equal(t, int64(1), counts["/broken"])
	assert.Equal(t, int64(1), statuses[http.StatusTeapot])
	assert.True(t, foundDuration)
	assert.True(t, foundSize)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/", normalizePath(""))
	assert.Equal(t, "/api/v1/documents/:id", normalizePath("/api/v1/documents/:id"))
}
