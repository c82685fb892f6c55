// Package retrieval answers queries with ranked, relevance-filtered chunks
// from one tenant's namespace.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/chunker"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrInvalidQuery is returned for blank text or out-of-range parameters.
var ErrInvalidQuery = errors.New("invalid query")

// QueryEmbedder embeds query text.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// DocumentLookup resolves the parent document of a match and the full
// text of chunks whose vector metadata holds only a prefix.
type DocumentLookup interface {
	Get(ctx context.Context, id string) (*status.Document, error)
	Chunks(ctx context.Context, id string) ([]status.Chunk, error)
}

// Request is one retrieval query. Zero TopK or TokenBudget take the
// engine defaults; Threshold is used as given.
type Request struct {
	TenantID    string
	Text        string
	TopK        int
	Threshold   float64
	TokenBudget int
}

// Result is one returned chunk with its provenance.
type Result struct {
	DocumentID    string  `json:"document_id"`
	ChunkIndex    int     `json:"chunk_index"`
	SourceName    string  `json:"source_name,omitempty"`
	Text          string  `json:"text"`
	Score         float32 `json:"score"`
	TokenEstimate int     `json:"token_estimate"`
}

// Response is a ranked context. An empty Results means nothing relevant
// was found; it is not an error.
type Response struct {
	Results []Result `json:"results"`
	// Candidates is how many matches the index returned.
	Candidates int `json:"candidates"`
	// BelowThreshold counts matches dropped by the relevance cutoff.
	BelowThreshold int `json:"below_threshold"`
	TokensUsed     int `json:"tokens_used"`
}

// Engine runs queries. It holds no mutable state and is safe for
// unbounded concurrent use.
type Engine struct {
	embedder QueryEmbedder
	index    vectorstore.Index
	docs     DocumentLookup
	guard    *tenant.Guard
	defaults config.RetrievalConfig
	policy   retry.Policy
	logger   *logging.Logger
	tracer   trace.Tracer
}

// Options configures an Engine.
type Options struct {
	Defaults config.RetrievalConfig
	Retry    retry.Policy
	Guard    *tenant.Guard
	Logger   *logging.Logger
}

// NewEngine creates an Engine.
func NewEngine(embedder QueryEmbedder, index vectorstore.Index, docs DocumentLookup, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Guard == nil {
		opts.Guard = tenant.NewGuard(opts.Logger)
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Defaults.TopK <= 0 {
		opts.Defaults.TopK = 5
	}
	if opts.Defaults.TokenBudget <= 0 {
		opts.Defaults.TokenBudget = 2000
	}
	return &Engine{
		embedder: embedder,
		index:    index,
		docs:     docs,
		guard:    opts.Guard,
		defaults: opts.Defaults,
		policy:   opts.Retry,
		logger:   opts.Logger.Named("retrieval"),
		tracer:   otel.Tracer("github.com/fyrsmithlabs/ragd/internal/retrieval"),
	}
}

func (e *Engine) normalize(req Request) (Request, tenant.Namespace, error) {
	ns, err := tenant.NamespaceFor(req.TenantID)
	if err != nil {
		return req, ns, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return req, ns, fmt.Errorf("%w: text is required", ErrInvalidQuery)
	}
	if req.TopK < 0 || req.TokenBudget < 0 {
		return req, ns, fmt.Errorf("%w: top_k and token_budget must not be negative", ErrInvalidQuery)
	}
	if math.IsNaN(req.Threshold) || req.Threshold < -1 || req.Threshold > 1 {
		return req, ns, fmt.Errorf("%w: relevance threshold must be in [-1, 1]", ErrInvalidQuery)
	}
	if req.TopK == 0 {
		req.TopK = e.defaults.TopK
	}
	if req.TokenBudget == 0 {
		req.TokenBudget = e.defaults.TokenBudget
	}
	return req, ns, nil
}

// Query embeds the request text, searches the tenant namespace, drops
// matches scoring below the threshold and fills the token budget in
// descending score order. Only chunks of Indexed documents owned by the
// tenant are returned.
func (e *Engine) Query(ctx context.Context, req Request) (resp *Response, err error) {
	req, ns, err := e.normalize(req)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "Retrieval.Query", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("top_k", req.TopK),
		attribute.Float64("threshold", req.Threshold),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	vector, err := retry.Do(ctx, e.policy, embeddings.IsTransient, nil, func(ctx context.Context) ([]float32, error) {
		return e.embedder.EmbedQuery(ctx, req.Text)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := e.index.Query(ctx, ns, vector, req.TopK)
	if err != nil {
		return nil, fmt.Errorf("searching namespace: %w", err)
	}

	resp = &Response{Results: []Result{}, Candidates: len(matches)}
	relevant := make([]vectorstore.Match, 0, len(matches))
	threshold := float32(req.Threshold)
	for _, m := range matches {
		if m.Score < threshold {
			resp.BelowThreshold++
			continue
		}
		relevant = append(relevant, m)
	}
	slices.SortStableFunc(relevant, func(a, b vectorstore.Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if c := strings.Compare(a.DocumentID(), b.DocumentID()); c != 0 {
			return c
		}
		return a.ChunkIndex() - b.ChunkIndex()
	})

	visible, err := e.visible(ctx, ns, relevant)
	if err != nil {
		return nil, err
	}

	texts := make(map[string][]status.Chunk)
	for _, m := range visible {
		r := toResult(m)
		if m.Metadata[vectorstore.MetaTextTruncated] == "true" {
			if r.Text, err = e.fullText(ctx, m, texts); err != nil {
				return nil, err
			}
		}
		if resp.TokensUsed+r.TokenEstimate > req.TokenBudget {
			break
		}
		resp.TokensUsed += r.TokenEstimate
		resp.Results = append(resp.Results, r)
	}

	resultSize.Observe(float64(len(resp.Results)))
	belowThreshold.Add(float64(resp.BelowThreshold))
	e.logger.Debug(ctx, "query served",
		logging.Namespace(ns.String()),
		zap.Int("candidates", resp.Candidates),
		zap.Int("below_threshold", resp.BelowThreshold),
		zap.Int("results", len(resp.Results)),
		zap.Int("tokens", resp.TokensUsed))
	return resp, nil
}

// visible keeps matches whose parent document is Indexed. A parent owned
// by another tenant is an isolation violation and fails the query.
func (e *Engine) visible(ctx context.Context, ns tenant.Namespace, matches []vectorstore.Match) ([]vectorstore.Match, error) {
	if e.docs == nil {
		return matches, nil
	}
	indexed := make(map[string]bool)
	out := matches[:0]
	for _, m := range matches {
		id := m.DocumentID()
		ok, seen := indexed[id]
		if !seen {
			doc, err := e.docs.Get(ctx, id)
			switch {
			case errors.Is(err, status.ErrNotFound):
				ok = false
			case err != nil:
				return nil, fmt.Errorf("resolving document %s: %w", id, err)
			case doc.TenantID != ns.TenantID():
				return nil, e.guard.Report(ctx, &tenant.IsolationViolation{
					Op: "retrieve", Expected: ns.String(), Actual: "tenant:" + doc.TenantID, ID: m.ID,
				})
			default:
				ok = doc.State == status.Indexed
			}
			indexed[id] = ok
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// fullText reads the complete chunk text from the status store, caching
// each document's chunk set in loaded.
func (e *Engine) fullText(ctx context.Context, m vectorstore.Match, loaded map[string][]status.Chunk) (string, error) {
	text := m.Metadata[vectorstore.MetaText]
	if e.docs == nil {
		return text, nil
	}
	id := m.DocumentID()
	chunks, ok := loaded[id]
	if !ok {
		var err error
		chunks, err = e.docs.Chunks(ctx, id)
		if err != nil && !errors.Is(err, status.ErrNotFound) {
			return "", fmt.Errorf("loading chunks of %s: %w", id, err)
		}
		loaded[id] = chunks
	}
	idx := m.ChunkIndex()
	for _, c := range chunks {
		if c.Index == idx {
			return c.Text, nil
		}
	}
	return text, nil
}

func toResult(m vectorstore.Match) Result {
	text := m.Metadata[vectorstore.MetaText]
	tokens := m.TokenEstimate()
	if tokens <= 0 {
		tokens = chunker.EstimateTokens(text)
	}
	return Result{
		DocumentID:    m.DocumentID(),
		ChunkIndex:    m.ChunkIndex(),
		SourceName:    m.Metadata[vectorstore.MetaSourceName],
		Text:          text,
		Score:         m.Score,
		TokenEstimate: tokens,
	}
}

// String renders a result as a citation line for CLI output.
func (r Result) String() string {
	return r.DocumentID + "#" + strconv.Itoa(r.ChunkIndex) + " (" + strconv.FormatFloat(float64(r.Score), 'f', 3, 32) + ")"
}
