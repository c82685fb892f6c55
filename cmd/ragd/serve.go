package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/config"
	httpserver "github.com/fyrsmithlabs/ragd/internal/http"
	mcpserver "github.com/fyrsmithlabs/ragd/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP daemon",
	Long: `Start the ragd HTTP API.

Examples:
  # Start with the default config file
  ragd serve

  # Use an explicit config file
  ragd serve --config /etc/ragd/config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), false, serveHTTP)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	Long: `Serve the ingestion and retrieval operations as MCP tools over
stdin/stdout. Logs are written to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), true, serveMCP)
	},
}

// withApp loads configuration, starts observability and the daemon
// components, runs fn until it returns and tears everything down in
// reverse order.
func withApp(ctx context.Context, stderr bool, fn func(context.Context, *app) error) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, logger, err := initObservability(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if terr := tel.Shutdown(sctx); terr != nil {
			logger.Warn(sctx, "telemetry shutdown failed", zap.Error(terr))
		}
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting ragd",
		zap.String("version", version),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("statusstore", cfg.StatusStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "startup failed", zap.Error(err))
		return err
	}

	runErr := fn(ctx, a)

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	closeErr := a.close(sctx)
	if closeErr != nil {
		logger.Error(sctx, "shutdown incomplete", zap.Error(closeErr))
	} else {
		logger.Info(sctx, "shutdown complete")
	}
	return errors.Join(runErr, closeErr)
}

// serveHTTP runs the HTTP API until ctx is cancelled or the listener fails.
func serveHTTP(ctx context.Context, a *app) error {
	srv, err := httpserver.NewServer(a.svc, a.logger, &a.cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	a.logger.Info(ctx, "HTTP server listening",
		zap.String("addr", srv.Addr()),
		zap.String("health_endpoint", "/health"),
		zap.String("metrics_endpoint", "/metrics"))

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info(context.Background(), "shutting down HTTP server")
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return <-errCh
}

// serveMCP runs a single stdio MCP session until the client disconnects or
// ctx is cancelled.
func serveMCP(ctx context.Context, a *app) error {
	srv, err := newMCPServer(a)
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "MCP server ready", zap.Int("tools", srv.Tools().Count()))

	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newMCPServer(a *app) (*mcpserver.Server, error) {
	srv, err := mcpserver.NewServer(&mcpserver.Config{
		Name:    "ragd",
		Version: version,
		Logger:  a.logger.Named("mcp"),
	}, a.svc)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}
	return srv, nil
}
