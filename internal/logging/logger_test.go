package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newBufferLogger(t *testing.T) (*zap.Logger, *bytes.Buffer) {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)
	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	return zap.New(core), &buf
}

func TestRedactingEncoder(t *testing.T) {
	zl, buf := newBufferLogger(t)

	zl.With(zap.String("token", "tok-123")).Info("connecting",
		zap.String("api_key", "sk-abcdef"),
		zap.String("header", "Bearer abc.def"),
		zap.String("dsn_hint", "postgres://ragd:hunter2@db:5432/ragd"),
		zap.Error(errors.New("auth failed: api_key=sk-zzz")),
		zap.String("document_id", "doc-1"),
	)

	out := buf.String()
	assert.NotContains(t, out, "tok-123")
	assert.NotContains(t, out, "sk-abcdef")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "sk-zzz")
	assert.Contains(t, out, `"document_id":"doc-1"`)
}

func TestSecretField(t *testing.T) {
	f := Secret("api_key", config.Secret("abcd"))
	assert.Equal(t, "[REDACTED:4]", f.String)
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = FromSettings(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NoError(t, logger.Sync())
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	core, observed := observer.New(zapcore.DebugLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(time.Minute),
		Initial:    1,
		Thereafter: 0,
	})
	zl := zap.New(sampled)

	for i := 0; i < 10; i++ {
		zl.Info("repeated")
		zl.Error("isolation")
	}

	assert.Equal(t, 1, observed.FilterMessage("repeated").Len())
	assert.Equal(t, 10, observed.FilterMessage("isolation").Len())
}

func TestContextFields(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTenantID(ctx, "acme")

	logger := NewTestLogger()
	logger.Info(ctx, "hello")

	logger.AssertField(t, "hello", "trace_id", traceID.String())
	logger.AssertField(t, "hello", "request_id", "req-1")
	logger.AssertField(t, "hello", KeyTenantID, "acme")
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	logger := NewTestLogger()
	ctx := WithLogger(context.Background(), logger.Logger)
	FromContext(ctx).Warn(ctx, "stored")
	logger.AssertLogged(t, zapcore.WarnLevel, "stored")
}

func TestPrintfAdapter(t *testing.T) {
	logger := NewTestLogger()
	logger.Printf("worker %d exited", 3)
	logger.AssertLogged(t, zapcore.WarnLevel, "worker 3 exited")
}
