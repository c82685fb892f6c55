package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"overlap equals size", func(c *Config) { c.Ingestion.ChunkOverlap = c.Ingestion.ChunkSize }, true},
		{"negative overlap", func(c *Config) { c.Ingestion.ChunkOverlap = -1 }, true},
		{"zero workers", func(c *Config) { c.Ingestion.Workers = 0 }, true},
		{"zero attempts", func(c *Config) { c.Ingestion.Retry.MaxAttempts = 0 }, true},
		{"jitter above one", func(c *Config) { c.Ingestion.Retry.Jitter = 1.5 }, true},
		{"gitleaks detector", func(c *Config) { c.Ingestion.SecretDetector = "gitleaks" }, false},
		{"unknown secret detector", func(c *Config) { c.Ingestion.SecretDetector = "trufflehog" }, true},
		{"unknown embeddings provider", func(c *Config) { c.Embeddings.Provider = "magic" }, true},
		{"unknown vector store", func(c *Config) { c.VectorStore.Provider = "faiss" }, true},
		{"pgvector without dsn", func(c *Config) { c.VectorStore.Provider = "pgvector" }, true},
		{"pgvector with dsn", func(c *Config) {
			c.VectorStore.Provider = "pgvector"
			c.VectorStore.Pgvector.DSN = "postgres://localhost/ragd"
		}, false},
		{"sqlite status store", func(c *Config) { c.StatusStore.Provider = "sqlite" }, false},
		{"events without url", func(c *Config) { c.Events.Enabled = true }, true},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("super-secret")

	assert.Equal(t, "super-secret", s.Value())
	assert.NotContains(t, fmt.Sprintf("%v %s %#v", s, s, s), "super-secret")

	out, err := json.Marshal(struct{ Key Secret }{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "super-secret")

	assert.Equal(t, "", Secret("").String())
	assert.False(t, Secret("").IsSet())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1500ms")))
	assert.Equal(t, "1.5s", d.Duration().String())
	assert.Error(t, d.UnmarshalText([]byte("-1s")))
}
