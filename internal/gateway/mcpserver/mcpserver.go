// Package mcpserver exposes the enforcement pipeline as MCP tools over
// stdio, so agent hosts that speak the Model Context Protocol can route
// untrusted text and tool calls through the same chain as the HTTP API.
//
// Every tool returns its verdict as a JSON text result. Policy rejections
// are verdicts, not protocol errors: a blocked command still produces a
// successful MCP response carrying Blocked=true, so the calling agent can
// read the findings instead of retrying blind.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/askari/internal/pipeline"
	"github.com/jkaninda/askari/internal/validator"
)

// Server is the MCP stdio front of the pipeline.
type Server struct {
	pipe      *pipeline.Coordinator
	validator *validator.Validator
	logger    *slog.Logger
	mcp       *server.MCPServer
}

// New builds the server and registers the pipeline tools.
func New(pipe *pipeline.Coordinator, val *validator.Validator, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipe:      pipe,
		validator: val,
		logger:    logger.With(slog.String("component", "mcpserver")),
		mcp:       server.NewMCPServer("askari", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("sanitize_input",
		mcp.WithDescription("Screen untrusted text for prompt injection, encoding tricks, and policy violations. Returns the sanitized text and all findings."),
		mcp.WithString("input", mcp.Required(), mcp.Description("The untrusted text to screen")),
		mcp.WithString("source", mcp.Description("Where the text came from, for the audit trail")),
	), s.handleSanitize)

	s.mcp.AddTool(mcp.NewTool("validate_command",
		mcp.WithDescription("Check a shell command against the deny policy without running it."),
		mcp.WithString("command", mcp.Required(), mcp.Description("The command line to check")),
	), s.handleValidateCommand)

	s.mcp.AddTool(mcp.NewTool("validate_path",
		mcp.WithDescription("Check a file path for traversal and workspace escape."),
		mcp.WithString("path", mcp.Required(), mcp.Description("The file path to check")),
		mcp.WithString("operation", mcp.Description("read (default), write, or delete")),
	), s.handleValidatePath)

	s.mcp.AddTool(mcp.NewTool("execute_command",
		mcp.WithDescription("Run a shell command through the full enforcement chain: sanitize, validate, then execute in an isolated sandbox with a filtered environment."),
		mcp.WithString("command", mcp.Required(), mcp.Description("The command line to run")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Execution timeout override")),
		mcp.WithBoolean("network", mcp.Description("Request network access, honored only when the master switch allows it")),
	), s.handleExecute)

	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleSanitize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := request.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	source := request.GetString("source", "mcp")

	verdict := s.pipe.Run(ctx, pipeline.Request{Source: source, Input: input})
	return jsonResult(verdict)
}

func (s *Server) handleValidateCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(s.validator.ValidateCommand(ctx, command))
}

func (s *Server) handleValidatePath(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	operation := request.GetString("operation", "read")
	switch operation {
	case "read", "write", "delete":
	default:
		return mcp.NewToolResultError("operation must be read, write, or delete"), nil
	}
	return jsonResult(s.validator.ValidateFilePath(ctx, path, operation))
}

func (s *Server) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	params := map[string]any{"command": command}
	if timeout := request.GetFloat("timeout_seconds", 0); timeout > 0 {
		params["timeout_seconds"] = timeout
	}
	if request.GetBool("network", false) {
		params["network"] = true
	}

	result, err := s.pipe.ExecuteTool(ctx, pipeline.ToolCall{
		Name:   "execute_command",
		Source: "mcp",
		Params: params,
	})
	if err != nil {
		s.logger.Error("execute failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError("execution failed"), nil
	}
	return jsonResult(result)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError("encoding result"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
