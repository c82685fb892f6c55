package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/services"
	"github.com/fyrsmithlabs/ragd/internal/tenant"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// errForbidden replaces isolation violations in tool results.
var errForbidden = errors.New("forbidden: tenant isolation violation")

// Server is the ragd MCP tool server.
type Server struct {
	mcp          *mcp.Server
	svc          services.Service
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "ragd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ragd",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates an MCP server over svc and registers its tools.
func NewServer(cfg *Config, svc services.Service) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		svc:          svc,
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Logger),
		logger:       cfg.Logger.Named("mcp"),
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Tools returns the registry of tool metadata.
func (s *Server) Tools() *ToolRegistry { return s.toolRegistry }

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves a single session on t until it ends.
func (s *Server) RunTransport(ctx context.Context, t mcp.Transport) error {
	s.logger.Info(ctx, "starting MCP server")
	if err := s.mcp.Run(ctx, t); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// addTool registers a typed tool with metrics, logging and error
// sanitizing around h.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h mcp.ToolHandlerFor[In, Out]) error {
	if err := s.toolRegistry.Register(meta); err != nil {
		return err
	}
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{Name: name, Description: meta.Description},
		func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
			start := time.Now()
			s.metrics.IncrementActive(ctx, name)
			res, out, err := h(ctx, req, in)
			s.metrics.DecrementActive(ctx, name)
			s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
			if err != nil {
				return nil, out, s.toolError(ctx, name, err)
			}
			return res, out, nil
		})
	return nil
}

// toolError logs err and returns the message a client may see.
func (s *Server) toolError(ctx context.Context, tool string, err error) error {
	if errors.Is(err, tenant.ErrIsolationViolation) {
		// The guard has already logged the violation in full.
		return errForbidden
	}
	if categorizeError(err) == "internal_error" {
		s.logger.Error(ctx, "tool failed", zap.String("tool", tool), zap.Error(err))
	} else {
		s.logger.Debug(ctx, "tool rejected request", zap.String("tool", tool), zap.Error(err))
	}
	return err
}
