// Package main implements ragctl, a CLI for the ragd HTTP API.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the ragd HTTP server
	serverURL string
	// outputJSON prints raw JSON responses instead of tables
	outputJSON bool
	// requestTimeout bounds every HTTP call
	requestTimeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ragctl",
	Short: "CLI for ragd HTTP server operations",
	Long: `ragctl is a command-line interface for the ragd HTTP API.
It submits documents, tracks their ingestion status and runs context
queries for a tenant.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "ragd server URL")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "HTTP request timeout")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(ingestTextCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(deleteTenantCmd)
	rootCmd.AddCommand(healthCmd)
}

func newClient() *client {
	return &client{
		baseURL: serverURL,
		http:    newHTTPClient(requestTimeout),
	}
}
