// Ragd is a multi-tenant document ingestion and retrieval daemon.
//
// It accepts documents over HTTP or MCP, runs them through the
// parse/chunk/embed/index pipeline and answers relevance-ranked context
// queries scoped to a single tenant.
//
// Configuration is loaded from ~/.config/ragd/config.yaml (or --config)
// with RAGD_* environment overrides. See internal/config for details.
//
// Usage:
//
//	# Start the HTTP daemon
//	ragd serve
//
//	# Serve MCP over stdio
//	ragd mcp
//
//	# Override settings from the environment
//	RAGD_SERVER_PORT=9292 RAGD_VECTORSTORE_PROVIDER=qdrant ragd serve
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ragd",
	Short: "Multi-tenant document ingestion and retrieval daemon",
	Long: `ragd ingests documents into per-tenant vector namespaces and serves
relevance-ranked context for queries.

Run "ragd serve" for the HTTP API or "ragd mcp" to expose the same
operations as MCP tools over stdio.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/ragd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ragd\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}
