package embeddings

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

type embeddingCreator interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// LangChainProvider embeds through a langchaingo model client. Provider
// errors are normalised to llms error codes before classification.
type LangChainProvider struct {
	name      string
	client    embeddingCreator
	mapper    *llms.ErrorMapper
	dimension int
}

// OpenAIConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
	Client    *http.Client
}

// NewOpenAIProvider creates a provider for any OpenAI-compatible API.
func NewOpenAIProvider(cfg OpenAIConfig) (*LangChainProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: openai api key required", ErrInvalidConfig)
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Dimension > 0 {
		opts = append(opts, openai.WithEmbeddingDimensions(cfg.Dimension))
	}
	if cfg.Client != nil {
		opts = append(opts, openai.WithHTTPClient(cfg.Client))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &LangChainProvider{
		name:      "openai",
		client:    llm,
		mapper:    llms.OpenAIErrorMapper(),
		dimension: cfg.Dimension,
	}, nil
}

// OllamaConfig configures a local Ollama server.
type OllamaConfig struct {
	BaseURL   string
	Model     string
	Dimension int
	Client    *http.Client
}

// NewOllamaProvider creates a provider backed by Ollama.
func NewOllamaProvider(cfg OllamaConfig) (*LangChainProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: ollama model required", ErrInvalidConfig)
	}
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	if cfg.Client != nil {
		opts = append(opts, ollama.WithHTTPClient(cfg.Client))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating ollama client: %w", err)
	}
	return &LangChainProvider{
		name:      "ollama",
		client:    llm,
		mapper:    llms.NewErrorMapper("ollama"),
		dimension: cfg.Dimension,
	}, nil
}

func (p *LangChainProvider) Name() string   { return p.name }
func (p *LangChainProvider) Dimension() int { return p.dimension }
func (p *LangChainProvider) Close() error   { return nil }

// Embed calls CreateEmbedding and maps the error to an llms code.
func (p *LangChainProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := p.client.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, p.mapper.Map(err)
	}
	return vecs, nil
}
