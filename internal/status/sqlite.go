package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/ragd/internal/status/migrations"
)

// SQLite is a Store backed by a single SQLite file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path and applies pending
// migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps optimistic checks and writes in a single
	// serialized transaction.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			upFiles = append(upFiles, e.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

const docColumns = `id, tenant_id, source_name, mime_type, state, error_reason,
	chunk_count, size_bytes, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDoc(row rowScanner) (*Document, error) {
	var d Document
	var state string
	var created, updated int64
	err := row.Scan(&d.ID, &d.TenantID, &d.SourceName, &d.MimeType, &state, &d.ErrorReason,
		&d.ChunkCount, &d.SizeBytes, &d.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.State = State(state)
	d.CreatedAt = time.Unix(0, created).UTC()
	d.UpdatedAt = time.Unix(0, updated).UTC()
	return &d, nil
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func getDoc(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*Document, error) {
	doc, err := scanDoc(q.QueryRowContext(ctx, "SELECT "+docColumns+" FROM documents WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, err
}

func (s *SQLite) Create(ctx context.Context, doc *Document, payload []byte) error {
	now := s.now().UTC()
	stored := doc.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE id = ?", doc.ID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, doc.ID)
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO documents ("+docColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			stored.ID, stored.TenantID, stored.SourceName, stored.MimeType, string(stored.State), stored.ErrorReason,
			stored.ChunkCount, stored.SizeBytes, stored.Version, now.UnixNano(), now.UnixNano())
		if err != nil {
			return fmt.Errorf("inserting document: %w", err)
		}
		if payload != nil {
			if _, err := tx.ExecContext(ctx, "INSERT INTO payloads (document_id, data) VALUES (?, ?)", doc.ID, payload); err != nil {
				return fmt.Errorf("inserting payload: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	*doc = *stored
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*Document, error) {
	return getDoc(ctx, s.db, id)
}

func (s *SQLite) Update(ctx context.Context, doc *Document) error {
	return s.write(ctx, doc, nil, false)
}

func (s *SQLite) Finalize(ctx context.Context, doc *Document, chunks []Chunk) error {
	if doc.State != Indexed {
		return fmt.Errorf("%w: finalize requires %s, got %s", ErrInvalidTransition, Indexed, doc.State)
	}
	return s.write(ctx, doc, chunks, true)
}

func (s *SQLite) write(ctx context.Context, doc *Document, chunks []Chunk, withChunks bool) error {
	var out *Document
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stored, err := getDoc(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		out, err = checkUpdate(stored, doc, s.now().UTC())
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE documents SET source_name = ?, mime_type = ?, state = ?, error_reason = ?,
				chunk_count = ?, size_bytes = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			out.SourceName, out.MimeType, string(out.State), out.ErrorReason,
			out.ChunkCount, out.SizeBytes, out.Version, out.UpdatedAt.UnixNano(),
			out.ID, stored.Version)
		if err != nil {
			return fmt.Errorf("updating document: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s", ErrVersionConflict, doc.ID)
		}

		if withChunks {
			if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", doc.ID); err != nil {
				return fmt.Errorf("clearing chunks: %w", err)
			}
			for _, c := range chunks {
				_, err := tx.ExecContext(ctx,
					"INSERT INTO chunks (document_id, chunk_index, text, vector_id, token_estimate) VALUES (?, ?, ?, ?, ?)",
					doc.ID, c.Index, c.Text, c.VectorID, c.TokenEstimate)
				if err != nil {
					return fmt.Errorf("inserting chunk %d: %w", c.Index, err)
				}
			}
		}
		if out.State.Terminal() {
			if _, err := tx.ExecContext(ctx, "DELETE FROM payloads WHERE document_id = ?", doc.ID); err != nil {
				return fmt.Errorf("dropping payload: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	*doc = *out
	return nil
}

func (s *SQLite) Chunks(ctx context.Context, id string) ([]Chunk, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT document_id, chunk_index, text, vector_id, token_estimate FROM chunks WHERE document_id = ? ORDER BY chunk_index", id)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.DocumentID, &c.Index, &c.Text, &c.VectorID, &c.TokenEstimate); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *SQLite) Payload(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM payloads WHERE document_id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payload of %s", ErrNotFound, id)
	}
	return data, err
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, tenantID string) ([]*Document, error) {
	return s.query(ctx, "SELECT "+docColumns+" FROM documents WHERE tenant_id = ?", tenantID)
}

func (s *SQLite) ListActive(ctx context.Context) ([]*Document, error) {
	return s.query(ctx, "SELECT "+docColumns+" FROM documents WHERE state NOT IN (?, ?, ?)",
		string(Indexed), string(Failed), string(Cancelled))
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDoc(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortNewestFirst(docs)
	return docs, nil
}

var _ Store = (*SQLite)(nil)
