package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	httpapi "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/services"
)

// client is a thin wrapper over the ragd HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// do sends a request and decodes a JSON response into out when it is non-nil.
func (c *client) do(ctx context.Context, method, path string, body io.Reader, header http.Header, out any) error {
	u := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.Message != "" {
			apiErr.Message = msg.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	header := http.Header{}
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
		header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, method, path, body, header, out)
}

func tenantPath(tenantID, suffix string) string {
	return "/api/v1/tenants/" + url.PathEscape(tenantID) + suffix
}

func documentPath(tenantID, id, suffix string) string {
	return tenantPath(tenantID, "/documents/"+url.PathEscape(id)+suffix)
}

// Submit uploads a file as multipart form data.
func (c *client) Submit(ctx context.Context, tenantID, fileName string, data []byte) (*httpapi.SubmitResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(fileName))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", w.FormDataContentType())
	var out httpapi.SubmitResponse
	if err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "/documents"), &buf, header, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitRaw uploads data as the request body with an explicit media type.
func (c *client) SubmitRaw(ctx context.Context, tenantID, fileName, mimeType string, data []byte) (*httpapi.SubmitResponse, error) {
	header := http.Header{}
	header.Set("Content-Type", mimeType)
	header.Set(httpapi.HeaderFileName, fileName)
	var out httpapi.SubmitResponse
	if err := c.do(ctx, http.MethodPost, tenantPath(tenantID, "/documents"), bytes.NewReader(data), header, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) IngestText(ctx context.Context, tenantID, text, sourceName string) (*httpapi.SubmitResponse, error) {
	var out httpapi.SubmitResponse
	req := httpapi.IngestTextRequest{Text: text, SourceName: sourceName}
	if err := c.doJSON(ctx, http.MethodPost, tenantPath(tenantID, "/texts"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Status(ctx context.Context, tenantID, id string) (*services.DocumentStatus, error) {
	var out services.DocumentStatus
	if err := c.doJSON(ctx, http.MethodGet, documentPath(tenantID, id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) List(ctx context.Context, tenantID string) (*httpapi.ListResponse, error) {
	var out httpapi.ListResponse
	if err := c.doJSON(ctx, http.MethodGet, tenantPath(tenantID, "/documents"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Delete(ctx context.Context, tenantID, id string) (*httpapi.AckResponse, error) {
	var out httpapi.AckResponse
	if err := c.doJSON(ctx, http.MethodDelete, documentPath(tenantID, id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Cancel(ctx context.Context, tenantID, id string) (*httpapi.AckResponse, error) {
	var out httpapi.AckResponse
	if err := c.doJSON(ctx, http.MethodPost, documentPath(tenantID, id, "/cancel"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Query(ctx context.Context, tenantID string, req httpapi.QueryRequest) (*retrieval.Response, error) {
	var out retrieval.Response
	if err := c.doJSON(ctx, http.MethodPost, tenantPath(tenantID, "/query"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Stats(ctx context.Context, tenantID string) (*services.NamespaceStats, error) {
	var out services.NamespaceStats
	if err := c.doJSON(ctx, http.MethodGet, tenantPath(tenantID, "/stats"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) DeleteTenant(ctx context.Context, tenantID string) (*httpapi.DeleteTenantResponse, error) {
	var out httpapi.DeleteTenantResponse
	if err := c.doJSON(ctx, http.MethodDelete, tenantPath(tenantID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) Health(ctx context.Context) (*httpapi.HealthResponse, error) {
	var out httpapi.HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
