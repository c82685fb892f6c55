package mcp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/services"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var errInvalidArgument = errors.New("invalid argument")

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() error {
	return errors.Join(
		s.registerDocumentTools(),
		s.registerQueryTools(),
		s.registerNamespaceTools(),
		s.registerSearchTools(),
	)
}

// documentOutput is the tool view of a document record. Times are RFC 3339.
type documentOutput struct {
	DocumentID  string `json:"document_id" jsonschema:"Document identifier"`
	TenantID    string `json:"tenant_id" jsonschema:"Owning tenant"`
	SourceName  string `json:"source_name,omitempty" jsonschema:"Original file or source name"`
	Status      string `json:"status" jsonschema:"Lifecycle state: pending, parsing, chunking, embedding, indexing, indexed, failed or cancelled"`
	ErrorReason string `json:"error_reason,omitempty" jsonschema:"Why the document failed"`
	ChunkCount  int    `json:"chunk_count" jsonschema:"Number of indexed chunks"`
	CreatedAt   string `json:"created_at" jsonschema:"Creation time"`
	UpdatedAt   string `json:"updated_at" jsonschema:"Last status change"`
}

func toDocumentOutput(d *services.DocumentStatus) documentOutput {
	return documentOutput{
		DocumentID:  d.DocumentID,
		TenantID:    d.TenantID,
		SourceName:  d.SourceName,
		Status:      string(d.Status),
		ErrorReason: d.ErrorReason,
		ChunkCount:  d.ChunkCount,
		CreatedAt:   d.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:   d.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// ===== DOCUMENT TOOLS =====

type documentSubmitInput struct {
	TenantID      string `json:"tenant_id" jsonschema:"Tenant that owns the document"`
	Text          string `json:"text,omitempty" jsonschema:"Plain text to ingest; takes precedence over content_base64"`
	ContentBase64 string `json:"content_base64,omitempty" jsonschema:"Base64 encoded file bytes (PDF, CSV, TXT or JSON)"`
	FileName      string `json:"file_name,omitempty" jsonschema:"File or source name used for format detection and provenance"`
	MimeType      string `json:"mime_type,omitempty" jsonschema:"MIME type of content_base64"`
}

type documentIDInput struct {
	TenantID   string `json:"tenant_id" jsonschema:"Tenant that owns the document"`
	DocumentID string `json:"document_id" jsonschema:"Document identifier"`
}

type ackOutput struct {
	DocumentID string `json:"document_id" jsonschema:"Document identifier"`
	Accepted   bool   `json:"accepted" jsonschema:"Whether the request was accepted"`
}

type tenantInput struct {
	TenantID string `json:"tenant_id" jsonschema:"Tenant identifier"`
}

type documentListOutput struct {
	Documents []documentOutput `json:"documents" jsonschema:"Documents newest first"`
	Count     int              `json:"count" jsonschema:"Number of documents"`
}

func (s *Server) registerDocumentTools() error {
	return errors.Join(
		addTool(s, &ToolMetadata{
			Name:        "document_submit",
			Description: "Submit a document or plain text for ingestion into a tenant namespace. Returns immediately with the document ID; poll document_status for progress.",
			Category:    CategoryDocument,
			Keywords:    []string{"upload", "ingest", "index", "add"},
		}, s.handleDocumentSubmit),
		addTool(s, &ToolMetadata{
			Name:        "document_status",
			Description: "Get the lifecycle status, error reason and chunk count of a document",
			Category:    CategoryDocument,
			Keywords:    []string{"progress", "state", "poll"},
		}, func(ctx context.Context, _ *mcp.CallToolRequest, in documentIDInput) (*mcp.CallToolResult, documentOutput, error) {
			doc, err := s.svc.GetStatus(ctx, in.TenantID, in.DocumentID)
			if err != nil {
				return nil, documentOutput{}, err
			}
			return nil, toDocumentOutput(doc), nil
		}),
		addTool(s, &ToolMetadata{
			Name:        "document_delete",
			Description: "Delete a document with its chunks and vectors. A document still being ingested is cancelled instead.",
			Category:    CategoryDocument,
			Keywords:    []string{"remove", "purge"},
		}, func(ctx context.Context, _ *mcp.CallToolRequest, in documentIDInput) (*mcp.CallToolResult, ackOutput, error) {
			if err := s.svc.DeleteDocument(ctx, in.TenantID, in.DocumentID); err != nil {
				return nil, ackOutput{}, err
			}
			return nil, ackOutput{DocumentID: in.DocumentID, Accepted: true}, nil
		}),
		addTool(s, &ToolMetadata{
			Name:        "document_cancel",
			Description: "Cancel ingestion of a document. Finished documents are left unchanged.",
			Category:    CategoryDocument,
			Keywords:    []string{"stop", "abort"},
		}, func(ctx context.Context, _ *mcp.CallToolRequest, in documentIDInput) (*mcp.CallToolResult, ackOutput, error) {
			if err := s.svc.CancelDocument(ctx, in.TenantID, in.DocumentID); err != nil {
				return nil, ackOutput{}, err
			}
			return nil, ackOutput{DocumentID: in.DocumentID, Accepted: true}, nil
		}),
		addTool(s, &ToolMetadata{
			Name:        "document_list",
			Description: "List a tenant's documents, newest first",
			Category:    CategoryDocument,
			Keywords:    []string{"documents", "browse"},
		}, func(ctx context.Context, _ *mcp.CallToolRequest, in tenantInput) (*mcp.CallToolResult, documentListOutput, error) {
			docs, err := s.svc.ListDocuments(ctx, in.TenantID)
			if err != nil {
				return nil, documentListOutput{}, err
			}
			out := documentListOutput{Documents: make([]documentOutput, 0, len(docs)), Count: len(docs)}
			for i := range docs {
				out.Documents = append(out.Documents, toDocumentOutput(&docs[i]))
			}
			return nil, out, nil
		}),
	)
}

func (s *Server) handleDocumentSubmit(ctx context.Context, _ *mcp.CallToolRequest, in documentSubmitInput) (*mcp.CallToolResult, documentOutput, error) {
	var (
		doc *services.DocumentStatus
		err error
	)
	switch {
	case strings.TrimSpace(in.Text) != "":
		doc, err = s.svc.IngestText(ctx, in.TenantID, in.Text, in.FileName)
	case in.ContentBase64 != "":
		data, derr := base64.StdEncoding.DecodeString(in.ContentBase64)
		if derr != nil {
			return nil, documentOutput{}, fmt.Errorf("%w: content_base64: %v", errInvalidArgument, derr)
		}
		doc, err = s.svc.SubmitDocument(ctx, in.TenantID, data, in.FileName, in.MimeType)
	default:
		return nil, documentOutput{}, fmt.Errorf("%w: text or content_base64 is required", errInvalidArgument)
	}
	if err != nil {
		return nil, documentOutput{}, err
	}
	return nil, toDocumentOutput(doc), nil
}

// ===== QUERY TOOLS =====

type contextQueryInput struct {
	TenantID           string   `json:"tenant_id" jsonschema:"Tenant whose namespace is searched"`
	Text               string   `json:"text" jsonschema:"Query text"`
	TopK               int      `json:"top_k,omitempty" jsonschema:"Maximum candidates to consider (default from server config)"`
	RelevanceThreshold *float64 `json:"relevance_threshold,omitempty" jsonschema:"Minimum similarity score in [-1, 1]; lower scoring chunks are dropped"`
	TokenBudget        int      `json:"token_budget,omitempty" jsonschema:"Maximum total estimated tokens of returned chunks"`
}

type chunkOutput struct {
	DocumentID    string  `json:"document_id" jsonschema:"Parent document"`
	ChunkIndex    int     `json:"chunk_index" jsonschema:"Position of the chunk in its document"`
	SourceName    string  `json:"source_name,omitempty" jsonschema:"Source name of the parent document"`
	Text          string  `json:"text" jsonschema:"Chunk text"`
	Score         float64 `json:"score" jsonschema:"Similarity score"`
	TokenEstimate int     `json:"token_estimate" jsonschema:"Estimated tokens"`
}

type contextQueryOutput struct {
	Results        []chunkOutput `json:"results" jsonschema:"Chunks in descending score order"`
	Count          int           `json:"count" jsonschema:"Number of chunks returned"`
	BelowThreshold int           `json:"below_threshold" jsonschema:"Candidates dropped by the relevance threshold"`
	TokensUsed     int           `json:"tokens_used" jsonschema:"Estimated tokens of the returned chunks"`
}

func (s *Server) registerQueryTools() error {
	return addTool(s, &ToolMetadata{
		Name:        "context_query",
		Description: "Retrieve the most relevant chunks from a tenant's documents for a query, filtered by a relevance threshold and packed into a token budget",
		Category:    CategoryQuery,
		Keywords:    []string{"search", "retrieve", "rag", "similar"},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in contextQueryInput) (*mcp.CallToolResult, contextQueryOutput, error) {
		resp, err := s.svc.QueryContext(ctx, in.TenantID, in.Text, services.QueryParams{
			TopK:        in.TopK,
			Threshold:   in.RelevanceThreshold,
			TokenBudget: in.TokenBudget,
		})
		if err != nil {
			return nil, contextQueryOutput{}, err
		}
		out := contextQueryOutput{
			Results:        make([]chunkOutput, 0, len(resp.Results)),
			Count:          len(resp.Results),
			BelowThreshold: resp.BelowThreshold,
			TokensUsed:     resp.TokensUsed,
		}
		for _, r := range resp.Results {
			out.Results = append(out.Results, chunkOutput{
				DocumentID:    r.DocumentID,
				ChunkIndex:    r.ChunkIndex,
				SourceName:    r.SourceName,
				Text:          r.Text,
				Score:         float64(r.Score),
				TokenEstimate: r.TokenEstimate,
			})
		}
		return nil, out, nil
	})
}

// ===== NAMESPACE TOOLS =====

type namespaceStatsOutput struct {
	Namespace string         `json:"namespace" jsonschema:"Namespace name"`
	Vectors   int            `json:"vectors" jsonschema:"Vectors stored in the namespace"`
	Documents int            `json:"documents" jsonschema:"Document records of the tenant"`
	States    map[string]int `json:"states" jsonschema:"Document count per lifecycle state"`
}

func (s *Server) registerNamespaceTools() error {
	return addTool(s, &ToolMetadata{
		Name:        "namespace_stats",
		Description: "Report vector and document counts for a tenant namespace",
		Category:    CategoryNamespace,
		Keywords:    []string{"count", "usage", "tenant"},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in tenantInput) (*mcp.CallToolResult, namespaceStatsOutput, error) {
		stats, err := s.svc.NamespaceStats(ctx, in.TenantID)
		if err != nil {
			return nil, namespaceStatsOutput{}, err
		}
		out := namespaceStatsOutput{
			Namespace: stats.Namespace,
			Vectors:   stats.Vectors,
			Documents: stats.Documents,
			States:    make(map[string]int, len(stats.States)),
		}
		for st, n := range stats.States {
			out.States[string(st)] = n
		}
		return nil, out, nil
	})
}

// ===== TOOL SEARCH =====

type toolSearchInput struct {
	Query string `json:"query" jsonschema:"Search query or regular expression matched against tool names, descriptions and keywords"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolMatch struct {
	Name        string `json:"name" jsonschema:"Tool name"`
	Description string `json:"description" jsonschema:"Tool description"`
	Category    string `json:"category" jsonschema:"Tool category"`
	Score       int    `json:"score" jsonschema:"Match score, higher is better"`
}

type toolSearchOutput struct {
	Query      string      `json:"query" jsonschema:"Search query used"`
	Results    []toolMatch `json:"results" jsonschema:"Matching tools"`
	Count      int         `json:"count" jsonschema:"Number of tools found"`
	TotalTools int         `json:"total_tools" jsonschema:"Total number of registered tools"`
}

func (s *Server) registerSearchTools() error {
	return addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Find ragd tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "help"},
	}, func(_ context.Context, _ *mcp.CallToolRequest, in toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
		if strings.TrimSpace(in.Query) == "" {
			return nil, toolSearchOutput{}, fmt.Errorf("%w: query is required", errInvalidArgument)
		}
		limit := in.Limit
		if limit <= 0 {
			limit = 5
		}
		matches := s.toolRegistry.Search(in.Query)
		out := toolSearchOutput{Query: in.Query, Results: make([]toolMatch, 0, limit), TotalTools: s.toolRegistry.Count()}
		for _, m := range matches {
			if len(out.Results) == limit {
				break
			}
			out.Results = append(out.Results, toolMatch{
				Name:        m.Tool.Name,
				Description: m.Tool.Description,
				Category:    string(m.Tool.Category),
				Score:       m.Score,
			})
		}
		out.Count = len(out.Results)
		return nil, out, nil
	})
}
