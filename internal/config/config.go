// Package config provides configuration loading for ragd.
//
// Values come from a YAML file and are overridden by RAGD_* environment
// variables. Every section has defaults, so an empty file yields a runnable
// single-node setup (chromem vector index, badger status store).
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete ragd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Ingestion   IngestionConfig   `koanf:"ingestion"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	StatusStore StatusStoreConfig `koanf:"statusstore"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Events      EventsConfig      `koanf:"events"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	BodyLimit       string        `koanf:"body_limit"`
}

// IngestionConfig controls the document pipeline.
type IngestionConfig struct {
	ChunkSize       int           `koanf:"chunk_size"`
	ChunkOverlap    int           `koanf:"chunk_overlap"`
	Tolerance       float64       `koanf:"tolerance"`
	Workers         int           `koanf:"workers"`
	QueueSize       int           `koanf:"queue_size"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
	UpsertBatchSize int           `koanf:"upsert_batch_size"`
	MaxFileBytes    int64         `koanf:"max_file_bytes"`
	ScrubSecrets    bool          `koanf:"scrub_secrets"`
	SecretDetector  string        `koanf:"secret_detector"` // "rules" or "gitleaks"
	Retry           RetryConfig   `koanf:"retry"`
}

// RetryConfig is the backoff policy applied to embedding and index calls.
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	Jitter      float64       `koanf:"jitter"`
	MaxDelay    time.Duration `koanf:"max_delay"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is one of "tei", "openai", "ollama", "fastembed" or "hash".
	Provider  string        `koanf:"provider"`
	BaseURL   string        `koanf:"base_url"`
	Model     string        `koanf:"model"`
	APIKey    Secret        `koanf:"api_key"`
	Dimension int           `koanf:"dimension"`
	BatchSize int           `koanf:"batch_size"`
	RateLimit float64       `koanf:"rate_limit"`
	Burst     int           `koanf:"burst"`
	Timeout   time.Duration `koanf:"timeout"`
	CacheDir  string        `koanf:"cache_dir"`
}

// VectorStoreConfig selects the vector index backend.
type VectorStoreConfig struct {
	// Provider is one of "chromem", "qdrant" or "pgvector".
	Provider string `koanf:"provider"`

	// MaxVectorsPerNamespace caps each tenant's index size; 0 means no cap.
	MaxVectorsPerNamespace int            `koanf:"max_vectors_per_namespace"`
	Chromem                ChromemConfig  `koanf:"chromem"`
	Qdrant                 QdrantConfig   `koanf:"qdrant"`
	Pgvector               PgvectorConfig `koanf:"pgvector"`
}

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps the index in memory.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	Collection string `koanf:"collection"`
	VectorSize uint64 `koanf:"vector_size"`
}

// PgvectorConfig configures the Postgres pgvector backend.
type PgvectorConfig struct {
	DSN       Secret `koanf:"dsn"`
	Table     string `koanf:"table"`
	Dimension int    `koanf:"dimension"`
}

// StatusStoreConfig selects the document status backend.
type StatusStoreConfig struct {
	// Provider is one of "badger" or "sqlite".
	Provider string       `koanf:"provider"`
	Badger   BadgerConfig `koanf:"badger"`
	SQLite   SQLiteConfig `koanf:"sqlite"`
}

// BadgerConfig configures the Badger status store.
type BadgerConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// SQLiteConfig configures the SQLite status store.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// RetrievalConfig holds query defaults used when a request omits them.
type RetrievalConfig struct {
	TopK        int     `koanf:"top_k"`
	Threshold   float64 `koanf:"threshold"`
	TokenBudget int     `koanf:"token_budget"`
}

// EventsConfig controls NATS lifecycle event publishing.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig is the subset of logging settings exposed through config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed through config files.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port must be 1-65535, got %d", ErrInvalidConfig, c.Server.Port)
	}

	in := c.Ingestion
	if in.ChunkSize <= 0 {
		return fmt.Errorf("%w: ingestion.chunk_size must be positive", ErrInvalidConfig)
	}
	if in.ChunkOverlap < 0 || in.ChunkOverlap >= in.ChunkSize {
		return fmt.Errorf("%w: ingestion.chunk_overlap must be in [0, chunk_size), got %d", ErrInvalidConfig, in.ChunkOverlap)
	}
	if in.Tolerance < 0 || in.Tolerance >= 1 {
		return fmt.Errorf("%w: ingestion.tolerance must be in [0, 1)", ErrInvalidConfig)
	}
	if in.Workers <= 0 || in.QueueSize < 0 || in.UpsertBatchSize <= 0 {
		return fmt.Errorf("%w: ingestion workers and upsert_batch_size must be positive", ErrInvalidConfig)
	}
	if in.SecretDetector != "rules" && in.SecretDetector != "gitleaks" {
		return fmt.Errorf("%w: unknown ingestion.secret_detector %q", ErrInvalidConfig, in.SecretDetector)
	}
	if in.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: ingestion.retry.max_attempts must be positive", ErrInvalidConfig)
	}
	if in.Retry.Multiplier < 1 {
		return fmt.Errorf("%w: ingestion.retry.multiplier must be >= 1", ErrInvalidConfig)
	}
	if in.Retry.Jitter < 0 || in.Retry.Jitter > 1 {
		return fmt.Errorf("%w: ingestion.retry.jitter must be in [0, 1]", ErrInvalidConfig)
	}

	switch c.Embeddings.Provider {
	case "tei", "openai", "ollama", "fastembed", "hash":
	default:
		return fmt.Errorf("%w: unknown embeddings.provider %q", ErrInvalidConfig, c.Embeddings.Provider)
	}
	if c.Embeddings.BatchSize <= 0 || c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("%w: embeddings batch_size and dimension must be positive", ErrInvalidConfig)
	}

	switch c.VectorStore.Provider {
	case "chromem":
	case "qdrant":
		if c.VectorStore.Qdrant.Host == "" {
			return fmt.Errorf("%w: vectorstore.qdrant.host is required", ErrInvalidConfig)
		}
	case "pgvector":
		if !c.VectorStore.Pgvector.DSN.IsSet() {
			return fmt.Errorf("%w: vectorstore.pgvector.dsn is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown vectorstore.provider %q", ErrInvalidConfig, c.VectorStore.Provider)
	}

	switch c.StatusStore.Provider {
	case "badger", "sqlite":
	default:
		return fmt.Errorf("%w: unknown statusstore.provider %q", ErrInvalidConfig, c.StatusStore.Provider)
	}

	if c.Retrieval.TopK <= 0 || c.Retrieval.TokenBudget <= 0 {
		return fmt.Errorf("%w: retrieval top_k and token_budget must be positive", ErrInvalidConfig)
	}
	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("%w: events.url is required when events are enabled", ErrInvalidConfig)
	}
	return nil
}
