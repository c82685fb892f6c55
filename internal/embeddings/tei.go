package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

// TEIConfig configures a Text Embeddings Inference server.
type TEIConfig struct {
	BaseURL   string
	Model     string
	APIKey    config.Secret
	Dimension int
	Client    *http.Client
}

// TEIProvider calls the /embed endpoint of a TEI server.
type TEIProvider struct {
	baseURL   string
	model     string
	apiKey    config.Secret
	dimension int
	client    *http.Client
}

type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// NewTEIProvider creates a TEI provider.
func NewTEIProvider(cfg TEIConfig) (*TEIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &TEIProvider{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		client:    client,
	}, nil
}

func (p *TEIProvider) Name() string   { return "tei" }
func (p *TEIProvider) Dimension() int { return p.dimension }
func (p *TEIProvider) Close() error   { return nil }

// Embed posts texts to /embed with truncation enabled.
func (p *TEIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(teiRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, &PermanentError{Provider: p.Name(), Err: fmt.Errorf("marshaling request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Provider: p.Name(), Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+p.apiKey.Value())
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, &PermanentError{Provider: p.Name(), Err: fmt.Errorf("decoding response: %w", err)}
	}
	return vectors, nil
}
