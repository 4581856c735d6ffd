// Package mcp exposes pipeline runs, stored state and validation as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/pipeflow/internal/definition"
	"github.com/rendis/pipeflow/internal/engine"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Executor *engine.PipelineExecutor
	Loader   *definition.Loader
	Logger   *slog.Logger
	Version  string
}

// Server wraps an MCP server with pipeline tool handlers.
type Server struct {
	executor  *engine.PipelineExecutor
	loader    *definition.Loader
	logger    *slog.Logger
	mcpServer *server.MCPServer

	// runMu serializes runs; steps share the process environment and stdio.
	runMu sync.Mutex
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		executor: deps.Executor,
		loader:   deps.Loader,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"pipeflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Pipeflow runs declarative shell pipelines with resumable state. Use pipeline.validate to check a definition, pipeline.run to execute one (a failed run resumes when called again with the same run_id), and pipeline.state to inspect a stored run."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("pipeline.run",
		mcp.WithDescription("Run a pipeline definition, resuming a previously failed run with the same run_id"),
		mcp.WithString("path", mcp.Description("Path to a YAML or JSON definition file")),
		mcp.WithString("definition", mcp.Description("Inline YAML or JSON definition, used when path is empty")),
		mcp.WithString("input", mcp.Description("Value seeded into the input variable of a fresh run")),
		mcp.WithString("run_id", mcp.Description("Run identifier (default: a new UUID)")),
		mcp.WithBoolean("force_fresh", mcp.Description("Ignore any stored state for this run")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("pipeline.state",
		mcp.WithDescription("Show the stored state of a pipeline run"),
		mcp.WithString("pipeline", mcp.Required(), mcp.Description("Pipeline name")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run identifier")),
		mcp.WithString("query", mcp.Description("Optional jq filter applied to the state document")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("pipeline.validate",
		mcp.WithDescription("Validate an inline pipeline definition"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Inline YAML or JSON definition")),
	)
}
