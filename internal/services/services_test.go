package services

import (
	"context"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/ragd/internal/ingest"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/status"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const note = "quarterly revenue grew in the northern region"

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestService_IngestAndQuery(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	sub, err := svc.IngestText(ctx, "acme", note, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, status.Pending, sub.Status)
	assert.Equal(t, "acme", sub.TenantID)

	final := svc.WaitTerminal(t, sub.DocumentID)
	require.Equal(t, status.Indexed, final.Status)
	assert.Equal(t, 1, final.ChunkCount)

	got, err := svc.GetStatus(ctx, "acme", sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, status.Indexed, got.Status)

	resp, err := svc.QueryContext(ctx, "acme", note, QueryParams{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, sub.DocumentID, resp.Results[0].DocumentID)
	assert.Equal(t, "notes.txt", resp.Results[0].SourceName)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-4)
}

func TestService_QueryThresholdOverride(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	sub, err := svc.IngestText(ctx, "acme", note, "notes.txt")
	require.NoError(t, err)
	svc.WaitTerminal(t, sub.DocumentID)

	strict := 1.0
	resp, err := svc.QueryContext(ctx, "acme", "completely unrelated words about gardening", QueryParams{Threshold: &strict})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 1, resp.BelowThreshold)

	bad := 2.0
	_, err = svc.QueryContext(ctx, "acme", note, QueryParams{Threshold: &bad})
	assert.ErrorIs(t, err, retrieval.ErrInvalidQuery)
}

func TestService_TenantIsolation(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	sub, err := svc.IngestText(ctx, "acme", note, "notes.txt")
	require.NoError(t, err)
	svc.WaitTerminal(t, sub.DocumentID)

	resp, err := svc.QueryContext(ctx, "globex", note, QueryParams{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	docs, err := svc.ListDocuments(ctx, "globex")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestService_ListAndStats(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	a, err := svc.IngestText(ctx, "acme", note, "a.txt")
	require.NoError(t, err)
	b, err := svc.IngestText(ctx, "acme", strings.Repeat("long body text. ", 40), "b.txt")
	require.NoError(t, err)
	svc.WaitTerminal(t, a.DocumentID)
	final := svc.WaitTerminal(t, b.DocumentID)
	require.Equal(t, status.Indexed, final.Status)

	docs, err := svc.ListDocuments(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	stats, err := svc.NamespaceStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "tenant_acme", stats.Namespace)
	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 1+final.ChunkCount, stats.Vectors)
	assert.Equal(t, 2, stats.States[status.Indexed])

	_, err = svc.NamespaceStats(ctx, "bad tenant!")
	assert.ErrorIs(t, err, tenant.ErrInvalidNamespace)
	_, err = svc.ListDocuments(ctx, "")
	assert.ErrorIs(t, err, tenant.ErrMissingNamespace)
}

func TestService_DeleteDocument(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	sub, err := svc.IngestText(ctx, "acme", note, "notes.txt")
	require.NoError(t, err)
	svc.WaitTerminal(t, sub.DocumentID)

	require.NoError(t, svc.DeleteDocument(ctx, "acme", sub.DocumentID))

	_, err = svc.GetStatus(ctx, "acme", sub.DocumentID)
	assert.ErrorIs(t, err, status.ErrNotFound)
	stats, err := svc.NamespaceStats(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, stats.Vectors)

	assert.ErrorIs(t, svc.DeleteDocument(ctx, "acme", "missing"), status.ErrNotFound)
	assert.ErrorIs(t, svc.CancelDocument(ctx, "acme", "missing"), status.ErrNotFound)
}

func TestService_DocumentOfAnotherTenant(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	sub, err := svc.IngestText(ctx, "acme", note, "notes.txt")
	require.NoError(t, err)
	svc.WaitTerminal(t, sub.DocumentID)

	_, err = svc.GetStatus(ctx, "beta", sub.DocumentID)
	assert.ErrorIs(t, err, tenant.ErrIsolationViolation)
	assert.ErrorIs(t, svc.CancelDocument(ctx, "beta", sub.DocumentID), tenant.ErrIsolationViolation)
	assert.ErrorIs(t, svc.DeleteDocument(ctx, "beta", sub.DocumentID), tenant.ErrIsolationViolation)
	_, err = svc.GetStatus(ctx, "", sub.DocumentID)
	assert.ErrorIs(t, err, tenant.ErrMissingNamespace)

	got, err := svc.GetStatus(ctx, "acme", sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, status.Indexed, got.Status)
	stats, err := svc.NamespaceStats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Vectors)

	svc.Logger.AssertLogged(t, zapcore.ErrorLevel, "tenant isolation violation")
	svc.Logger.AssertField(t, "tenant isolation violation", "op", "document.delete")
}

func TestService_CancelTerminalIsNoop(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	sub, err := svc.IngestText(ctx, "acme", note, "notes.txt")
	require.NoError(t, err)
	svc.WaitTerminal(t, sub.DocumentID)

	require.NoError(t, svc.CancelDocument(ctx, "acme", sub.DocumentID))
	got, err := svc.GetStatus(ctx, "acme", sub.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, status.Indexed, got.Status)
}

func TestService_DeleteTenant(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	for _, name := range []string{"a.txt", "b.txt"} {
		sub, err := svc.IngestText(ctx, "acme", note+" "+name, name)
		require.NoError(t, err)
		svc.WaitTerminal(t, sub.DocumentID)
	}
	other, err := svc.IngestText(ctx, "globex", note, "c.txt")
	require.NoError(t, err)
	svc.WaitTerminal(t, other.DocumentID)

	n, err := svc.DeleteTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := svc.NamespaceStats(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Zero(t, stats.Vectors)

	kept, err := svc.NamespaceStats(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, 1, kept.Documents)
	assert.Equal(t, 1, kept.Vectors)
}

func TestService_SubmitValidation(t *testing.T) {
	svc := NewTestService(t)
	ctx := context.Background()

	_, err := svc.SubmitDocument(ctx, "acme", nil, "empty.txt", "text/plain")
	assert.ErrorIs(t, err, ingest.ErrEmptyInput)

	_, err = svc.IngestText(ctx, "acme", "   ", "blank")
	assert.ErrorIs(t, err, ingest.ErrEmptyInput)

	_, err = svc.SubmitDocument(ctx, "", []byte("x"), "x.txt", "text/plain")
	assert.ErrorIs(t, err, tenant.ErrMissingNamespace)
}
