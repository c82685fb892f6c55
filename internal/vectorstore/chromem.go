package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var chromemTracer = otel.Tracer("ragd.vectorstore.chromem")

// errNoEmbeddingFunc is returned if chromem ever tries to embed content
// itself. Every record arrives with its vector.
var errNoEmbeddingFunc = errors.New("chromem: vectors must be supplied by the caller")

func noEmbed(context.Context, string) ([]float32, error) { return nil, errNoEmbeddingFunc }

// Chromem is an embedded index keeping one chromem collection per
// namespace, so isolation is structural as well as checked.
type Chromem struct {
	db *chromem.DB
}

// NewChromem opens a persistent index at cfg.Path, or an in-memory one
// when the path is empty.
func NewChromem(cfg config.ChromemConfig) (*Chromem, error) {
	if cfg.Path == "" {
		return &Chromem{db: chromem.NewDB()}, nil
	}
	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, err
	}
	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("%w: opening chromem db at %s: %v", ErrIndex, path, err)
	}
	return &Chromem{db: db}, nil
}

func expandPath(path string) (string, error) {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, rest), nil
	}
	return path, nil
}

func (c *Chromem) Name() string { return "chromem" }
func (c *Chromem) Close() error { return nil }

func (c *Chromem) Upsert(ctx context.Context, ns tenant.Namespace, records []Record) error {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Upsert", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("records", len(records)),
	))
	defer span.End()

	if len(records) == 0 {
		return nil
	}
	col, err := c.db.GetOrCreateCollection(ns.String(), nil, noEmbed)
	if err != nil {
		return spanErr(span, fmt.Errorf("%w: collection %s: %v", ErrIndex, ns, err))
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Metadata:  r.Metadata,
			Embedding: r.Vector,
			Content:   r.Metadata[MetaText],
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return spanErr(span, fmt.Errorf("%w: adding documents: %v", ErrIndex, err))
	}
	return nil
}

func (c *Chromem) Query(ctx context.Context, ns tenant.Namespace, vector []float32, topK int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Query", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("top_k", topK),
	))
	defer span.End()

	col := c.db.GetCollection(ns.String(), noEmbed)
	if col == nil {
		return nil, nil
	}
	// chromem rejects n greater than the collection size.
	n := min(topK, col.Count())
	if n == 0 {
		return nil, nil
	}
	res, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: query: %v", ErrIndex, err))
	}

	matches := make([]Match, len(res))
	for i, r := range res {
		matches[i] = Match{ID: r.ID, Score: r.Similarity, Metadata: r.Metadata}
	}
	span.SetAttributes(attribute.Int("results", len(matches)))
	return matches, nil
}

func (c *Chromem) Delete(ctx context.Context, ns tenant.Namespace, ids []string) error {
	ctx, span := chromemTracer.Start(ctx, "Chromem.Delete", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("ids", len(ids)),
	))
	defer span.End()

	col := c.db.GetCollection(ns.String(), noEmbed)
	if col == nil || len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return spanErr(span, fmt.Errorf("%w: delete: %v", ErrIndex, err))
	}
	return nil
}

func (c *Chromem) DeleteNamespace(ctx context.Context, ns tenant.Namespace) error {
	_, span := chromemTracer.Start(ctx, "Chromem.DeleteNamespace", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
	))
	defer span.End()

	if err := c.db.DeleteCollection(ns.String()); err != nil {
		return spanErr(span, fmt.Errorf("%w: delete collection: %v", ErrIndex, err))
	}
	return nil
}

func (c *Chromem) Count(_ context.Context, ns tenant.Namespace) (int, error) {
	col := c.db.GetCollection(ns.String(), noEmbed)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

func (c *Chromem) CountIDs(ctx context.Context, ns tenant.Namespace, ids []string) (int, error) {
	col := c.db.GetCollection(ns.String(), noEmbed)
	if col == nil {
		return 0, nil
	}
	n := 0
	for _, id := range ids {
		if _, err := col.GetByID(ctx, id); err == nil {
			n++
		}
	}
	return n, nil
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

var _ Index = (*Chromem)(nil)
