package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 200, cfg.Ingestion.ChunkOverlap)
	assert.Equal(t, 100, cfg.Ingestion.UpsertBatchSize)
	assert.Equal(t, 4, cfg.Ingestion.Retry.MaxAttempts)
	assert.Equal(t, "rules", cfg.Ingestion.SecretDetector)
	assert.Equal(t, 384, cfg.Embeddings.Dimension)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "badger", cfg.StatusStore.Provider)
	assert.Equal(t, uint64(384), cfg.VectorStore.Qdrant.VectorSize)
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
server:
  port: 8088
ingestion:
  chunk_size: 500
  chunk_overlap: 50
  call_timeout: 5s
  retry:
    max_attempts: 3
vectorstore:
  provider: qdrant
  qdrant:
    host: qdrant.internal
embeddings:
  provider: openai
  api_key: sk-test
`, 0600)

	t.Setenv("RAGD_SERVER_PORT", "9999")
	t.Setenv("RAGD_VECTORSTORE_QDRANT__PORT", "7000")
	t.Setenv("RAGD_INGESTION_RETRY__BASE_DELAY", "50ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 500, cfg.Ingestion.ChunkSize)
	assert.Equal(t, 50, cfg.Ingestion.ChunkOverlap)
	assert.Equal(t, 5*time.Second, cfg.Ingestion.CallTimeout)
	assert.Equal(t, 3, cfg.Ingestion.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Ingestion.Retry.BaseDelay)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, 7000, cfg.VectorStore.Qdrant.Port)
	assert.Equal(t, "sk-test", cfg.Embeddings.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.Embeddings.APIKey.String())
}

func TestLoad_RejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n", 0644)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_OverlapNotBelowChunkSize(t *testing.T) {
	path := writeConfig(t, "ingestion:\n  chunk_size: 100\n  chunk_overlap: 100\n", 0600)

	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEnvKey(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"RAGD_SERVER_PORT", "server.port"},
		{"RAGD_INGESTION_CHUNK_SIZE", "ingestion.chunk_size"},
		{"RAGD_VECTORSTORE_QDRANT__HOST", "vectorstore.qdrant.host"},
		{"RAGD_INGESTION_RETRY__MAX_ATTEMPTS", "ingestion.retry.max_attempts"},
		{"RAGD_STATUSSTORE_BADGER__IN_MEMORY", "statusstore.badger.in_memory"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			assert.Equal(t, tt.want, envKey(tt.env))
		})
	}
}
