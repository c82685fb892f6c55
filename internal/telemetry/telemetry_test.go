package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, false},
		{"enabled local", func(c *Config) { c.Enabled = true }, false},
		{"insecure remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
		}, true},
		{"secure remote", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}, false},
		{"bad protocol", func(c *Config) {
			c.Enabled = true
			c.Protocol = "udp"
		}, true},
		{"bad sample rate", func(c *Config) {
			c.Enabled = true
			c.SampleRate = 2
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("http://127.0.0.1:4318"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.False(t, isLocalEndpoint("collector:4317"))
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "localhost:4318",
		Protocol:    "http/protobuf",
		Insecure:    true,
		ServiceName: "ragd-test",
		SampleRate:  0.5,
	}, "1.2.3")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tel := NewTestTelemetry()

	_, span := tel.Tracer("ragd/test").Start(context.Background(), "Unit.Work")
	span.End()
	tel.AssertSpanExists(t, "Unit.Work")

	counter, err := tel.Meter("ragd/test").Int64Counter("ragd.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 2)
	assert.True(t, tel.HasMetric(t, "ragd.test.count"))
}
