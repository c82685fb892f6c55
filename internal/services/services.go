package services

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"go.uber.org/zap"
)

// Service exposes the document lifecycle and query operations.
type Service interface {
	SubmitDocument(ctx context.Context, tenantID string, data []byte, fileName, mimeType string) (*DocumentStatus, error)
	IngestText(ctx context.Context, tenantID, text, sourceName string) (*DocumentStatus, error)
	GetStatus(ctx context.Context, tenantID, documentID string) (*DocumentStatus, error)
	ListDocuments(ctx context.Context, tenantID string) ([]DocumentStatus, error)
	DeleteDocument(ctx context.Context, tenantID, documentID string) error
	CancelDocument(ctx context.Context, tenantID, documentID string) error
	QueryContext(ctx context.Context, tenantID, text string, params QueryParams) (*retrieval.Response, error)
	NamespaceStats(ctx context.Context, tenantID string) (*NamespaceStats, error)
	DeleteTenant(ctx context.Context, tenantID string) (int, error)
}

// DocumentStatus is the caller-facing view of a document record.
type DocumentStatus struct {
	DocumentID  string       `json:"document_id"`
	TenantID    string       `json:"tenant_id"`
	SourceName  string       `json:"source_name,omitempty"`
	Status      status.State `json:"status"`
	ErrorReason string       `json:"error_reason,omitempty"`
	ChunkCount  int          `json:"chunk_count"`
	SizeBytes   int64        `json:"size_bytes"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// StatusOf converts a stored record.
func StatusOf(doc *status.Document) *DocumentStatus {
	return &DocumentStatus{
		DocumentID:  doc.ID,
		TenantID:    doc.TenantID,
		SourceName:  doc.SourceName,
		Status:      doc.State,
		ErrorReason: doc.ErrorReason,
		ChunkCount:  doc.ChunkCount,
		SizeBytes:   doc.SizeBytes,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}
}

// QueryParams overrides the configured retrieval defaults. Zero TopK and
// TokenBudget and a nil Threshold keep the defaults.
type QueryParams struct {
	TopK        int
	Threshold   *float64
	TokenBudget int
}

// NamespaceStats summarizes one tenant's namespace.
type NamespaceStats struct {
	Namespace string               `json:"namespace"`
	Vectors   int                  `json:"vectors"`
	Documents int                  `json:"documents"`
	States    map[status.State]int `json:"states"`
}

// Options wires a Service.
type Options struct {
	Coordinator *ingest.Coordinator
	Engine      *retrieval.Engine
	Store       status.Store
	Index       vectorstore.Index
	Defaults    config.RetrievalConfig
	Guard       *tenant.Guard
	Logger      *logging.Logger
}

type service struct {
	coord    *ingest.Coordinator
	engine   *retrieval.Engine
	store    status.Store
	index    vectorstore.Index
	defaults config.RetrievalConfig
	guard    *tenant.Guard
	logger   *logging.Logger
}

// New creates a Service.
func New(opts Options) (Service, error) {
	if opts.Coordinator == nil || opts.Engine == nil || opts.Store == nil || opts.Index == nil {
		return nil, fmt.Errorf("services: coordinator, engine, store and index are required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Guard == nil {
		opts.Guard = tenant.NewGuard(opts.Logger)
	}
	return &service{
		coord:    opts.Coordinator,
		engine:   opts.Engine,
		store:    opts.Store,
		index:    opts.Index,
		defaults: opts.Defaults,
		guard:    opts.Guard,
		logger:   opts.Logger.Named("services"),
	}, nil
}

func (s *service) SubmitDocument(ctx context.Context, tenantID string, data []byte, fileName, mimeType string) (*DocumentStatus, error) {
	doc, err := s.coord.Submit(logging.WithTenantID(ctx, tenantID), tenantID, data, fileName, mimeType)
	if err != nil {
		return nil, err
	}
	return StatusOf(doc), nil
}

func (s *service) IngestText(ctx context.Context, tenantID, text, sourceName string) (*DocumentStatus, error) {
	doc, err := s.coord.IngestText(logging.WithTenantID(ctx, tenantID), tenantID, text, sourceName)
	if err != nil {
		return nil, err
	}
	return StatusOf(doc), nil
}

func (s *service) GetStatus(ctx context.Context, tenantID, documentID string) (*DocumentStatus, error) {
	doc, err := s.owned(ctx, "status", tenantID, documentID)
	if err != nil {
		return nil, err
	}
	return StatusOf(doc), nil
}

// owned returns the record of documentID if tenantID owns it. A record of
// another tenant is reported as an isolation violation.
func (s *service) owned(ctx context.Context, op, tenantID, documentID string) (*status.Document, error) {
	ns, err := tenant.NamespaceFor(tenantID)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.TenantID != tenantID {
		return nil, s.guard.Report(logging.WithTenantID(ctx, tenantID), &tenant.IsolationViolation{
			Op:       "document." + op,
			Expected: ns.String(),
			Actual:   "tenant:" + doc.TenantID,
			ID:       documentID,
		})
	}
	return doc, nil
}

func (s *service) ListDocuments(ctx context.Context, tenantID string) ([]DocumentStatus, error) {
	if _, err := tenant.NamespaceFor(tenantID); err != nil {
		return nil, err
	}
	docs, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]DocumentStatus, 0, len(docs))
	for _, d := range docs {
		out = append(out, *StatusOf(d))
	}
	return out, nil
}

// DeleteDocument checks ownership before deleting. The tenant of a
// record never changes, so the check holds for the delete that follows.
func (s *service) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if _, err := s.owned(ctx, "delete", tenantID, documentID); err != nil {
		return err
	}
	return s.coord.Delete(logging.WithTenantID(ctx, tenantID), documentID)
}

func (s *service) CancelDocument(ctx context.Context, tenantID, documentID string) error {
	if _, err := s.owned(ctx, "cancel", tenantID, documentID); err != nil {
		return err
	}
	return s.coord.Cancel(logging.WithTenantID(ctx, tenantID), documentID)
}

func (s *service) QueryContext(ctx context.Context, tenantID, text string, params QueryParams) (*retrieval.Response, error) {
	req := retrieval.Request{
		TenantID:    tenantID,
		Text:        text,
		TopK:        params.TopK,
		Threshold:   s.defaults.Threshold,
		TokenBudget: params.TokenBudget,
	}
	if params.Threshold != nil {
		req.Threshold = *params.Threshold
	}
	return s.engine.Query(logging.WithTenantID(ctx, tenantID), req)
}

func (s *service) NamespaceStats(ctx context.Context, tenantID string) (*NamespaceStats, error) {
	ns, err := tenant.NamespaceFor(tenantID)
	if err != nil {
		return nil, err
	}
	vectors, err := s.index.Count(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("counting vectors: %w", err)
	}
	docs, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	stats := &NamespaceStats{
		Namespace: ns.String(),
		Vectors:   vectors,
		Documents: len(docs),
		States:    make(map[status.State]int),
	}
	for _, d := range docs {
		stats.States[d.State]++
	}
	return stats, nil
}

func (s *service) DeleteTenant(ctx context.Context, tenantID string) (int, error) {
	ctx = logging.WithTenantID(ctx, tenantID)
	n, err := s.coord.DeleteTenant(ctx, tenantID)
	if err != nil {
		s.logger.Error(ctx, "deleting tenant data", zap.Error(err))
		return 0, err
	}
	return n, nil
}
