// Package vectorstore stores chunk vectors in per-tenant namespaces.
//
// Every backend implements Index. Callers go through Guarded, which
// validates namespaces, stamps namespace provenance on writes and refuses
// to return any match that does not carry the caller's namespace.
package vectorstore

import (
	"context"
	"errors"
	"strconv"

	"github.com/fyrsmithlabs/ragd/internal/tenant"
)

// Metadata keys written with every chunk vector.
const (
	MetaNamespace     = "namespace"
	MetaTenantID      = "tenant_id"
	MetaDocumentID    = "document_id"
	MetaChunkIndex    = "chunk_index"
	MetaSourceName    = "source_name"
	MetaTokenEstimate = "token_estimate"
	MetaText          = "text"
	MetaTextTruncated = "text_truncated"
)

var (
	// ErrIndex wraps backend failures.
	ErrIndex = errors.New("vector index error")

	// ErrCapacityExceeded is returned when a namespace is full.
	ErrCapacityExceeded = errors.New("vector index capacity exceeded")
)

// Record is one vector to upsert.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Match is one query hit. Score is cosine similarity, higher is closer.
type Match struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// DocumentID returns the parent document of the matched chunk.
func (m Match) DocumentID() string { return m.Metadata[MetaDocumentID] }

// ChunkIndex returns the chunk position, or -1 when absent.
func (m Match) ChunkIndex() int {
	i, err := strconv.Atoi(m.Metadata[MetaChunkIndex])
	if err != nil {
		return -1
	}
	return i
}

// TokenEstimate returns the stored token estimate, or 0.
func (m Match) TokenEstimate() int {
	n, _ := strconv.Atoi(m.Metadata[MetaTokenEstimate])
	return n
}

// Index is a namespace-scoped vector store backend.
type Index interface {
	// Name identifies the backend in metrics and logs.
	Name() string
	// Upsert writes records, overwriting existing ids.
	Upsert(ctx context.Context, ns tenant.Namespace, records []Record) error
	// Query returns up to topK matches ordered by descending score.
	Query(ctx context.Context, ns tenant.Namespace, vector []float32, topK int) ([]Match, error)
	// Delete removes ids; unknown ids are ignored.
	Delete(ctx context.Context, ns tenant.Namespace, ids []string) error
	// DeleteNamespace removes every vector in ns.
	DeleteNamespace(ctx context.Context, ns tenant.Namespace) error
	// Count returns the number of vectors in ns.
	Count(ctx context.Context, ns tenant.Namespace) (int, error)
	// CountIDs returns how many of ids are stored in ns.
	CountIDs(ctx context.Context, ns tenant.Namespace, ids []string) (int, error)
	Close() error
}
