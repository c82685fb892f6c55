package embeddings

import (
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

// FastEmbedConfig configures the local ONNX provider.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

var fastEmbedDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

func fastEmbedDimension(model string) (int, bool) {
	dim, ok := fastEmbedDimensions[model]
	return dim, ok
}

// NewProvider builds the provider selected in cfg.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	client := &http.Client{Timeout: cfg.Timeout}

	switch cfg.Provider {
	case "tei":
		return NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			Dimension: cfg.Dimension,
			Client:    client,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimension,
			Client:    client,
		})
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Client:    client,
		})
	case "fastembed":
		if dim, ok := fastEmbedDimension(cfg.Model); ok && dim != cfg.Dimension {
			return nil, fmt.Errorf("%w: model %s produces %d dimensions, configured %d",
				ErrInvalidConfig, cfg.Model, dim, cfg.Dimension)
		}
		return NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	case "hash":
		return NewHashProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

var (
	_ Provider = (*TEIProvider)(nil)
	_ Provider = (*LangChainProvider)(nil)
	_ Provider = (*FastEmbedProvider)(nil)
	_ Provider = (*HashProvider)(nil)
)
