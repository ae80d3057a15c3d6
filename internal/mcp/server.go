package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/pipeline"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// Auditor runs audits.
type Auditor interface {
	Run(ctx context.Context, req state.Request, mode pipeline.Mode) (*workflow.Run, error)
}

// ReportReader loads stored reports.
type ReportReader interface {
	Get(ctx context.Context, id string) (*audit.Report, error)
}

// RubricSource yields the rubric new runs use.
type RubricSource interface {
	Current() *rubric.Rubric
}

// Server is an MCP server exposing the auditor as tools.
type Server struct {
	mcp     *mcp.Server
	auditor Auditor
	reports ReportReader
	rubrics RubricSource
	metrics *Metrics
	logger  *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "auditor")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "auditor",
		Version: "1.0.0",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates an MCP server. reports is optional; without it
// report_get is not registered.
func NewServer(cfg *Config, auditor Auditor, reports ReportReader, rubrics RubricSource) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if rubrics == nil {
		return nil, fmt.Errorf("rubric source is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:     mcpServer,
		auditor: auditor,
		reports: reports,
		rubrics: rubrics,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run serves MCP on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session on the given transport.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}
