package http

import "github.com/fyrsmithlabs/ragd/internal/services"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SubmitResponse acknowledges an accepted document.
type SubmitResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

// IngestTextRequest is the body of POST /api/v1/tenants/:tenant/texts.
type IngestTextRequest struct {
	Text       string `json:"text"`
	SourceName string `json:"source_name"`
}

// AckResponse acknowledges a delete or cancel request.
type AckResponse struct {
	DocumentID string `json:"document_id"`
	Accepted   bool   `json:"accepted"`
}

// ListResponse is the response body for GET /api/v1/tenants/:tenant/documents.
type ListResponse struct {
	TenantID  string                    `json:"tenant_id"`
	Documents []services.DocumentStatus `json:"documents"`
}

// QueryRequest is the body of POST /api/v1/tenants/:tenant/query.
// Omitted fields take the server defaults.
type QueryRequest struct {
	Text               string   `json:"text"`
	TopK               int      `json:"top_k,omitempty"`
	RelevanceThreshold *float64 `json:"relevance_threshold,omitempty"`
	TokenBudget        int      `json:"token_budget,omitempty"`
}

// DeleteTenantResponse reports how many documents were removed.
type DeleteTenantResponse struct {
	TenantID string `json:"tenant_id"`
	Deleted  int    `json:"deleted"`
}
