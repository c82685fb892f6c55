package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/status"
)

var (
	// query command flags
	qTenantID    string
	qTopK        int
	qThreshold   float64
	qTokenBudget int
)

func init() {
	for _, cmd := range []*cobra.Command{queryCmd, statsCmd, deleteTenantCmd} {
		cmd.Flags().StringVar(&qTenantID, "tenant", "", "Tenant identifier (required)")
		_ = cmd.MarkFlagRequired("tenant")
	}
	queryCmd.Flags().IntVar(&qTopK, "top-k", 0, "Maximum results (server default when 0)")
	queryCmd.Flags().Float64Var(&qThreshold, "threshold", 0, "Minimum relevance score (server default when unset)")
	queryCmd.Flags().IntVar(&qTokenBudget, "token-budget", 0, "Token budget for returned context (server default when 0)")
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve relevant context for a tenant",
	Long: `Run a relevance-ranked context query against one tenant's documents.

Examples:
  ragctl query --tenant acme "how are refunds processed"
  ragctl query --tenant acme --top-k 10 --threshold 0.4 "deployment checklist"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show a tenant's namespace statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var deleteTenantCmd = &cobra.Command{
	Use:   "delete-tenant",
	Short: "Delete every document and vector for a tenant",
	Args:  cobra.NoArgs,
	RunE:  runDeleteTenant,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check ragd server health",
	Long: `Check the health status of the ragd HTTP server.

Examples:
  # Check health
  ragctl health

  # Check health on a different server
  ragctl health --server http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func runQuery(cmd *cobra.Command, args []string) error {
	req := httpapi.QueryRequest{
		Text:        strings.Join(args, " "),
		TopK:        qTopK,
		TokenBudget: qTokenBudget,
	}
	if cmd.Flags().Changed("threshold") {
		threshold := qThreshold
		req.RelevanceThreshold = &threshold
	}

	resp, err := newClient().Query(cmd.Context(), qTenantID, req)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	if len(resp.Results) == 0 {
		fmt.Fprintf(out, "No relevant context (%d candidates, %d below threshold)\n", resp.Candidates, resp.BelowThreshold)
		return nil
	}
	for i, r := range resp.Results {
		fmt.Fprintf(out, "[%d] score=%.3f doc=%s chunk=%d source=%s\n", i+1, r.Score, r.DocumentID, r.ChunkIndex, r.SourceName)
		fmt.Fprintf(out, "%s\n\n", r.Text)
	}
	fmt.Fprintf(out, "%d results, %d tokens\n", len(resp.Results), resp.TokensUsed)
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	stats, err := newClient().Stats(cmd.Context(), qTenantID)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, stats)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Namespace:\t%s\n", stats.Namespace)
	fmt.Fprintf(w, "Documents:\t%d\n", stats.Documents)
	fmt.Fprintf(w, "Vectors:\t%d\n", stats.Vectors)
	states := make([]status.State, 0, len(stats.States))
	for s := range stats.States {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Rank() != states[j].Rank() {
			return states[i].Rank() < states[j].Rank()
		}
		return states[i] < states[j]
	})
	for _, s := range states {
		fmt.Fprintf(w, "  %s:\t%d\n", s, stats.States[s])
	}
	return w.Flush()
}

func runDeleteTenant(cmd *cobra.Command, _ []string) error {
	resp, err := newClient().DeleteTenant(cmd.Context(), qTenantID)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd, resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d documents for tenant %s\n", resp.Deleted, resp.TenantID)
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	resp, err := newClient().Health(cmd.Context())
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: Failed to reach %s: %v\n", serverURL, err)
		return err
	}
	if outputJSON {
		return printJSON(cmd, resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", resp.Status)
	return nil
}
