package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/retry"
	"github.com/fyrsmithlabs/ragd/internal/services"
)

var (
	// document command flags
	docTenantID string
	docMimeType string
	docSource   string
	docWait     bool
	docWaitFor  time.Duration
)

var errNotTerminal = errors.New("document still in progress")

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, ingestTextCmd, listCmd, statusCmd, deleteCmd, cancelCmd} {
		cmd.Flags().StringVar(&docTenantID, "tenant", "", "Tenant identifier (required)")
		_ = cmd.MarkFlagRequired("tenant")
	}
	for _, cmd := range []*cobra.Command{submitCmd, ingestTextCmd} {
		cmd.Flags().BoolVar(&docWait, "wait", false, "Poll until the document reaches a terminal state")
		cmd.Flags().DurationVar(&docWaitFor, "wait-timeout", 2*time.Minute, "Maximum time to wait with --wait")
	}
	submitCmd.Flags().StringVar(&docMimeType, "mime-type", "", "Send the file as a raw body with this media type instead of multipart")
	submitCmd.Flags().StringVar(&docSource, "name", "", "Source name to record (defaults to the file name)")
	ingestTextCmd.Flags().StringVar(&docSource, "source", "", "Source name to record")
}

var submitCmd = &cobra.Command{
	Use:   "submit <file>",
	Short: "Submit a document for ingestion",
	Long: `Upload a file to be parsed, chunked, embedded and indexed for a tenant.

Examples:
  # Submit a PDF
  ragctl submit --tenant acme report.pdf

  # Submit from stdin as markdown and wait for indexing
  cat notes.md | ragctl submit --tenant acme --mime-type text/markdown --name notes.md --wait -`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var ingestTextCmd = &cobra.Command{
	Use:   "ingest-text [text|-]",
	Short: "Ingest plain text",
	Long: `Ingest already-extracted text for a tenant. Reads stdin when the
argument is "-" or omitted.

Examples:
  ragctl ingest-text --tenant acme --source faq "Refunds are processed within 5 days."
  git log | ragctl ingest-text --tenant acme --source git-log -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngestText,
}

var statusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show a document's ingestion status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's documents",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document and its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <document-id>",
	Short: "Cancel an in-progress document",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func readInput(cmd *cobra.Command, arg string) ([]byte, error) {
	if arg == "" || arg == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", arg, err)
	}
	return data, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	name := docSource
	if name == "" && args[0] != "-" {
		name = args[0]
	}

	c := newClient()
	ctx := cmd.Context()
	var resp *httpapi.SubmitResponse
	if docMimeType != "" {
		resp, err = c.SubmitRaw(ctx, docTenantID, name, docMimeType, data)
	} else {
		if name == "" {
			return fmt.Errorf("--name or --mime-type is required when reading stdin")
		}
		resp, err = c.Submit(ctx, docTenantID, name, data)
	}
	if err != nil {
		return err
	}
	return finishSubmit(cmd, c, resp)
}

func runIngestText(cmd *cobra.Command, args []string) error {
	arg := "-"
	if len(args) == 1 {
		arg = args[0]
	}
	var text string
	if arg == "-" {
		data, err := readInput(cmd, arg)
		if err != nil {
			return err
		}
		text = string(data)
	} else {
		text = arg
	}

	c := newClient()
	resp, err := c.IngestText(cmd.Context(), docTenantID, text, docSource)
	if err != nil {
		return err
	}
	return finishSubmit(cmd, c, resp)
}

func finishSubmit(cmd *cobra.Command, c *client, resp *httpapi.SubmitResponse) error {
	if !docWait {
		if outputJSON {
			return printJSON(cmd, resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Accepted %s (%s)\n", resp.DocumentID, resp.Status)
		return nil
	}

	doc, err := waitTerminal(cmd.Context(), c, docTenantID, resp.DocumentID, docWaitFor)
	if err != nil {
		return err
	}
	return printDocument(cmd, doc)
}

// waitTerminal polls with backoff until the document is indexed, failed or
// cancelled.
func waitTerminal(ctx context.Context, c *client, tenantID, id string, timeout time.Duration) (*services.DocumentStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := retry.Policy{
		MaxAttempts: 1 << 16,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  1.5,
		Jitter:      0.1,
		MaxDelay:    2 * time.Second,
	}
	notTerminal := func(err error) bool { return errors.Is(err, errNotTerminal) }
	doc, err := retry.Do(ctx, policy, notTerminal, nil, func(ctx context.Context) (*services.DocumentStatus, error) {
		doc, err := c.Status(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if !doc.Status.Terminal() {
			return doc, errNotTerminal
		}
		return doc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", id, err)
	}
	return doc, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	doc, err := newClient().Status(cmd.Context(), docTenantID, args[0])
	if err != nil {
		return err
	}
	return printDocument(cmd, doc)
}

func runList(cmd *cobra.Command, _ []string) error {
	resp, err := newClient().List(cmd.Context(), docTenantID)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, resp)
	}
	if len(resp.Documents) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No documents for tenant %s\n", resp.TenantID)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCHUNKS\tSOURCE\tUPDATED")
	for _, d := range resp.Documents {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", d.DocumentID, d.Status, d.ChunkCount, d.SourceName, d.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runDelete(cmd *cobra.Command, args []string) error {
	resp, err := newClient().Delete(cmd.Context(), docTenantID, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deletion accepted for %s\n", resp.DocumentID)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	resp, err := newClient().Cancel(cmd.Context(), docTenantID, args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation accepted for %s\n", resp.DocumentID)
	return nil
}

func printDocument(cmd *cobra.Command, doc *services.DocumentStatus) error {
	if outputJSON {
		return printJSON(cmd, doc)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Document:\t%s\n", doc.DocumentID)
	fmt.Fprintf(w, "Tenant:\t%s\n", doc.TenantID)
	fmt.Fprintf(w, "Source:\t%s\n", doc.SourceName)
	fmt.Fprintf(w, "Status:\t%s\n", doc.Status)
	if doc.ErrorReason != "" {
		fmt.Fprintf(w, "Error:\t%s\n", doc.ErrorReason)
	}
	fmt.Fprintf(w, "Chunks:\t%d\n", doc.ChunkCount)
	fmt.Fprintf(w, "Size:\t%d bytes\n", doc.SizeBytes)
	fmt.Fprintf(w, "Updated:\t%s\n", doc.UpdatedAt.Format(time.RFC3339))
	return w.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
