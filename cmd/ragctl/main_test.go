package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpapi "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/services"
	"github.com/fyrsmithlabs/ragd/internal/status"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := services.NewTestService(t)
	srv, err := httpapi.NewServer(ts.Service, ts.Logger.Logger, nil)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs
}

// resetFlags restores every flag to its default so state does not leak
// between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func run(t *testing.T, hs *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--server", hs.URL}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func submitText(t *testing.T, hs *httptest.Server, tenantID, text string) string {
	t.Helper()
	out, err := run(t, hs, "", "ingest-text", "--tenant", tenantID, "--json", text)
	require.NoError(t, err)
	var resp httpapi.SubmitResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.DocumentID)
	return resp.DocumentID
}

func TestRootCommands(t *testing.T) {
	want := []string{"submit", "ingest-text", "status", "list", "delete", "cancel", "query", "stats", "delete-tenant", "health"}
	got := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		got[cmd.Name()] = true
	}
	for _, name := range want {
		assert.True(t, got[name], "missing command %s", name)
	}
	assert.Equal(t, "http://localhost:9191", rootCmd.PersistentFlags().Lookup("server").DefValue)
}

func TestHealth(t *testing.T) {
	hs := setupServer(t)
	out, err := run(t, hs, "", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestIngestTextWaitAndQuery(t *testing.T) {
	hs := setupServer(t)
	text := "Refunds are processed within five business days."

	out, err := run(t, hs, "", "ingest-text", "--tenant", "acme", "--source", "faq", "--wait", text)
	require.NoError(t, err)
	assert.Contains(t, out, "indexed")
	assert.Contains(t, out, "faq")

	out, err = run(t, hs, "", "query", "--tenant", "acme", "--json", text)
	require.NoError(t, err)
	var resp retrieval.Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, text, strings.TrimSpace(resp.Results[0].Text))

	out, err = run(t, hs, "", "query", "--tenant", "globex", text)
	require.NoError(t, err)
	assert.Contains(t, out, "No relevant context")
}

func TestQueryStrictThreshold(t *testing.T) {
	hs := setupServer(t)
	out, err := run(t, hs, "", "ingest-text", "--tenant", "acme", "--wait", "alpha beta gamma delta")
	require.NoError(t, err)
	require.Contains(t, out, "indexed")

	out, err = run(t, hs, "", "query", "--tenant", "acme", "--threshold", "1", "unrelated words entirely")
	require.NoError(t, err)
	assert.Contains(t, out, "No relevant context")

	_, err = run(t, hs, "", "query", "--tenant", "acme", "--threshold", "2", "anything")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestSubmitFileAndList(t *testing.T) {
	hs := setupServer(t)
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("# Notes\n\nThe deploy checklist lives in the wiki."), 0o600))

	out, err := run(t, hs, "", "submit", "--tenant", "acme", "--wait", path)
	require.NoError(t, err)
	assert.Contains(t, out, "indexed")

	out, err = run(t, hs, "", "list", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "notes.md")
	assert.Contains(t, out, "STATUS")

	out, err = run(t, hs, "", "stats", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Documents:")
	assert.Contains(t, out, "indexed:")
}

func TestSubmitRawFromStdin(t *testing.T) {
	hs := setupServer(t)
	out, err := run(t, hs, "plain text from a pipe", "submit", "--tenant", "acme", "--mime-type", "text/plain", "--name", "pipe.txt", "--json", "-")
	require.NoError(t, err)
	var resp httpapi.SubmitResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.NotEmpty(t, resp.DocumentID)

	_, err = run(t, hs, "no name", "submit", "--tenant", "acme", "-")
	assert.Error(t, err)
}

func TestDeleteDocument(t *testing.T) {
	hs := setupServer(t)
	out, err := run(t, hs, "", "ingest-text", "--tenant", "acme", "--wait", "--json", "ephemeral content")
	require.NoError(t, err)
	var doc services.DocumentStatus
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Equal(t, status.Indexed, doc.Status)
	id := doc.DocumentID

	out, err = run(t, hs, "", "delete", "--tenant", "acme", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Deletion accepted for "+id)

	assert.Eventually(t, func() bool {
		_, err := run(t, hs, "", "status", "--tenant", "acme", id)
		var apiErr *APIError
		return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCancelTerminalDocument(t *testing.T) {
	hs := setupServer(t)
	out, err := run(t, hs, "", "ingest-text", "--tenant", "acme", "--wait", "finished quickly")
	require.NoError(t, err)
	require.Contains(t, out, "indexed")

	id := submitText(t, hs, "acme", "another one")
	out, err = run(t, hs, "", "cancel", "--tenant", "acme", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancellation accepted")
}

func TestDeleteTenant(t *testing.T) {
	hs := setupServer(t)
	_, err := run(t, hs, "", "ingest-text", "--tenant", "acme", "--wait", "first")
	require.NoError(t, err)
	_, err = run(t, hs, "", "ingest-text", "--tenant", "acme", "--wait", "second")
	require.NoError(t, err)

	out, err := run(t, hs, "", "delete-tenant", "--tenant", "acme", "--json")
	require.NoError(t, err)
	var resp httpapi.DeleteTenantResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, 2, resp.Deleted)

	out, err = run(t, hs, "", "list", "--tenant", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "No documents for tenant acme")
}

func TestStatusNotFound(t *testing.T) {
	hs := setupServer(t)
	_, err := run(t, hs, "", "status", "--tenant", "acme", "does-not-exist")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestDocumentOfAnotherTenantForbidden(t *testing.T) {
	hs := setupServer(t)
	id := submitText(t, hs, "acme", "private to acme")

	for _, args := range [][]string{
		{"status", "--tenant", "beta", id},
		{"cancel", "--tenant", "beta", id},
		{"delete", "--tenant", "beta", id},
	} {
		_, err := run(t, hs, "", args...)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr, args[0])
		assert.Equal(t, http.StatusForbidden, apiErr.StatusCode, args[0])
	}

	_, err := run(t, hs, "", "status", "--tenant", "acme", id)
	assert.NoError(t, err)
}

func TestRequiredTenantFlag(t *testing.T) {
	hs := setupServer(t)
	_, err := run(t, hs, "", "query", "hello")
	assert.Error(t, err)
}

func TestAPIErrorBody(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer hs.Close()

	c := &client{baseURL: hs.URL, http: newHTTPClient(time.Second)}
	_, err := c.Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
}

func TestSubmitDir(t *testing.T) {
	hs := setupServer(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".ragignore"), []byte("drafts/\n"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "drafts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "drafts", "wip.md"), []byte("unfinished"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "guide.md"), []byte("The guide explains onboarding."), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tool.exe"), []byte{0x4d, 0x5a}, 0o600))

	out, err := run(t, hs, "", "submit-dir", "--tenant", "acme", root)
	require.NoError(t, err)
	assert.Contains(t, out, "guide.md")
	assert.NotContains(t, out, "wip.md")
	assert.Contains(t, out, "Submitted 1, skipped 2, failed 0")
}
