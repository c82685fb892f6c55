package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix of every environment override.
	EnvPrefix = "RAGD_"
)

// Load reads configuration from a YAML file and then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (RAGD_INGESTION_CHUNK_SIZE, ...)
//  2. YAML config file
//  3. Defaults
//
// An empty path means ~/.config/ragd/config.yaml, which may be absent.
// An explicit path must exist.
//
// The file must have 0600 or 0400 permissions and be at most 1MB.
//
// # Environment Variable Mapping
//
// The RAGD_ prefix is stripped, the rest is lowercased, a double underscore
// separates nested sections and the first single underscore separates the
// top-level section from the field name:
//
//	RAGD_INGESTION_CHUNK_SIZE        -> ingestion.chunk_size
//	RAGD_VECTORSTORE_QDRANT__HOST    -> vectorstore.qdrant.host
//	RAGD_INGESTION_RETRY__MAX_ATTEMPTS -> ingestion.retry.max_attempts
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	explicit := configPath != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "ragd", "config.yaml")
	}

	content, err := readConfigFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps RAGD_SECTION_NESTED__FIELD_NAME to section.nested.field_name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	return strings.Replace(key, "_", ".", 1)
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	// Skip on Windows (different permission model)
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.BodyLimit == "" {
		cfg.Server.BodyLimit = "25M"
	}

	in := &cfg.Ingestion
	if in.ChunkSize == 0 {
		in.ChunkSize = 1000
	}
	if in.ChunkOverlap == 0 && in.ChunkSize > 200 {
		in.ChunkOverlap = 200
	}
	if in.Tolerance == 0 {
		in.Tolerance = 0.2
	}
	if in.Workers == 0 {
		in.Workers = 4
	}
	if in.QueueSize == 0 {
		in.QueueSize = 256
	}
	if in.CallTimeout == 0 {
		in.CallTimeout = 30 * time.Second
	}
	if in.UpsertBatchSize == 0 {
		in.UpsertBatchSize = 100
	}
	if in.MaxFileBytes == 0 {
		in.MaxFileBytes = 20 << 20
	}
	if in.SecretDetector == "" {
		in.SecretDetector = "rules"
	}
	if in.Retry.MaxAttempts == 0 {
		in.Retry.MaxAttempts = 4
	}
	if in.Retry.BaseDelay == 0 {
		in.Retry.BaseDelay = 200 * time.Millisecond
	}
	if in.Retry.Multiplier == 0 {
		in.Retry.Multiplier = 2
	}
	if in.Retry.Jitter == 0 {
		in.Retry.Jitter = 0.2
	}
	if in.Retry.MaxDelay == 0 {
		in.Retry.MaxDelay = 5 * time.Second
	}

	emb := &cfg.Embeddings
	if emb.Provider == "" {
		emb.Provider = "tei"
	}
	if emb.BaseURL == "" {
		emb.BaseURL = "http://localhost:8080"
	}
	if emb.Model == "" {
		emb.Model = "BAAI/bge-small-en-v1.5"
	}
	if emb.Dimension == 0 {
		emb.Dimension = 384 // bge-small-en-v1.5 dimensions
	}
	if emb.BatchSize == 0 {
		emb.BatchSize = 32
	}
	if emb.RateLimit == 0 {
		emb.RateLimit = 20
	}
	if emb.Burst == 0 {
		emb.Burst = 5
	}
	if emb.Timeout == 0 {
		emb.Timeout = 30 * time.Second
	}

	vs := &cfg.VectorStore
	if vs.Provider == "" {
		vs.Provider = "chromem"
	}
	if vs.Qdrant.Host == "" {
		vs.Qdrant.Host = "localhost"
	}
	if vs.Qdrant.Port == 0 {
		vs.Qdrant.Port = 6334
	}
	if vs.Qdrant.Collection == "" {
		vs.Qdrant.Collection = "ragd_chunks"
	}
	if vs.Qdrant.VectorSize == 0 {
		vs.Qdrant.VectorSize = uint64(emb.Dimension)
	}
	if vs.Pgvector.Table == "" {
		vs.Pgvector.Table = "ragd_chunks"
	}
	if vs.Pgvector.Dimension == 0 {
		vs.Pgvector.Dimension = emb.Dimension
	}

	if cfg.StatusStore.Provider == "" {
		cfg.StatusStore.Provider = "badger"
	}
	if cfg.StatusStore.Badger.Path == "" && !cfg.StatusStore.Badger.InMemory {
		cfg.StatusStore.Badger.Path = defaultDataPath("status")
	}
	if cfg.StatusStore.SQLite.Path == "" {
		cfg.StatusStore.SQLite.Path = defaultDataPath("status.db")
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.TokenBudget == 0 {
		cfg.Retrieval.TokenBudget = 2000
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "ragd.documents"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "ragd"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "ragd", name)
	}
	return filepath.Join(home, ".local", "share", "ragd", name)
}
