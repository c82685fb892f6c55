package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var pgTracer = otel.Tracer("ragd.vectorstore.pgvector")

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Pgvector stores vectors in one Postgres table keyed by (namespace, id).
// Every statement filters on the namespace column.
type Pgvector struct {
	pool  *pgxpool.Pool
	table string
}

// NewPgvector connects to Postgres and creates the extension, table and
// indexes when missing.
func NewPgvector(ctx context.Context, cfg config.PgvectorConfig) (*Pgvector, error) {
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid pgvector table name %q", ErrIndex, cfg.Table)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: pgvector dimension must be positive", ErrIndex)
	}
	pool, err := pgxpool.New(ctx, cfg.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to postgres: %v", ErrIndex, err)
	}
	p := &Pgvector{pool: pool, table: cfg.Table}
	if err := p.migrate(ctx, cfg.Dimension); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pgvector) migrate(ctx context.Context, dim int) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL,
			PRIMARY KEY (namespace, id)
		)`, p.table, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s USING hnsw (embedding vector_cosine_ops)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: migrating %s: %v", ErrIndex, p.table, err)
		}
	}
	return nil
}

func (p *Pgvector) Name() string { return "pgvector" }

func (p *Pgvector) Close() error {
	p.pool.Close()
	return nil
}

func (p *Pgvector) Upsert(ctx context.Context, ns tenant.Namespace, records []Record) error {
	ctx, span := pgTracer.Start(ctx, "Pgvector.Upsert", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("records", len(records)),
	))
	defer span.End()

	stmt := fmt.Sprintf(`
		INSERT INTO %s (namespace, id, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`, p.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return spanErr(span, fmt.Errorf("%w: encoding metadata for %s: %v", ErrIndex, r.ID, err))
		}
		batch.Queue(stmt, ns.String(), r.ID, pgvector.NewVector(r.Vector), meta)
	}

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return spanErr(span, fmt.Errorf("%w: upsert: %v", ErrIndex, err))
	}
	return nil
}

func (p *Pgvector) Query(ctx context.Context, ns tenant.Namespace, vector []float32, topK int) ([]Match, error) {
	ctx, span := pgTracer.Start(ctx, "Pgvector.Query", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("top_k", topK),
	))
	defer span.End()

	query := fmt.Sprintf(`
		SELECT id, (1 - (embedding <=> $2))::real AS score, metadata
		FROM %s
		WHERE namespace = $1
		ORDER BY embedding <=> $2
		LIMIT $3`, p.table)

	rows, err := p.pool.Query(ctx, query, ns.String(), pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: query: %v", ErrIndex, err))
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m    Match
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.Score, &meta); err != nil {
			return nil, spanErr(span, fmt.Errorf("%w: scanning row: %v", ErrIndex, err))
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, spanErr(span, fmt.Errorf("%w: decoding metadata: %v", ErrIndex, err))
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("%w: query: %v", ErrIndex, err))
	}
	return matches, nil
}

func (p *Pgvector) Delete(ctx context.Context, ns tenant.Namespace, ids []string) error {
	ctx, span := pgTracer.Start(ctx, "Pgvector.Delete", trace.WithAttributes(
		attribute.String("namespace", ns.String()),
		attribute.Int("ids", len(ids)),
	))
	defer span.End()

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND id = ANY($2)`, p.table)
	if _, err := p.pool.Exec(ctx, stmt, ns.String(), ids); err != nil {
		return spanErr(span, fmt.Errorf("%w: delete: %v", ErrIndex, err))
	}
	return nil
}

func (p *Pgvector) DeleteNamespace(ctx context.Context, ns tenant.Namespace) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, p.table)
	if _, err := p.pool.Exec(ctx, stmt, ns.String()); err != nil {
		return fmt.Errorf("%w: delete namespace: %v", ErrIndex, err)
	}
	return nil
}

func (p *Pgvector) Count(ctx context.Context, ns tenant.Namespace) (int, error) {
	var n int
	stmt := fmt.Sprintf(`SELECT count(*) FROM %s WHERE namespace = $1`, p.table)
	if err := p.pool.QueryRow(ctx, stmt, ns.String()).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrIndex, err)
	}
	return n, nil
}

func (p *Pgvector) CountIDs(ctx context.Context, ns tenant.Namespace, ids []string) (int, error) {
	var n int
	stmt := fmt.Sprintf(`SELECT count(*) FROM %s WHERE namespace = $1 AND id = ANY($2)`, p.table)
	if err := p.pool.QueryRow(ctx, stmt, ns.String(), ids).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count ids: %v", ErrIndex, err)
	}
	return n, nil
}

var _ Index = (*Pgvector)(nil)
