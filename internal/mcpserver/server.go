// Package mcpserver exposes the tool registry over the Model Context Protocol
// on a stdio JSON-RPC transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"dlmdiag/internal/tool"
)

type Server struct {
	mcp      *server.MCPServer
	registry *tool.Registry
	logger   *slog.Logger
}

// New registers every tool in the registry with a new MCP server.
func New(name, version string, registry *tool.Registry, logger *slog.Logger) (*Server, error) {
	s := &Server{
		mcp:      server.NewMCPServer(name, version, server.WithToolCapabilities(false), server.WithRecovery()),
		registry: registry,
		logger:   logger,
	}
	for _, def := range registry.Definitions() {
		schema, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("encode schema for %s: %w", def.Name, err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, schema), s.handler(def.Name))
	}
	return s, nil
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s.logger.Debug("tool call", "tool", name)
		res, err := s.registry.Execute(ctx, name, req.GetArguments())
		if err != nil {
			s.logger.Error("tool failed", "tool", name, "err", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		out := mcp.NewToolResultText(res.Text)
		out.IsError = res.IsError
		return out, nil
	}
}

// Serve runs the stdio transport until ctx is cancelled or in reaches EOF.
// Protocol errors go to the logger; out carries JSON-RPC only.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("MCP server listening on stdio", "tools", s.registry.Names())
	if err := stdio.Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

// HandleMessage processes one raw JSON-RPC message.
func (s *Server) HandleMessage(ctx context.Context, raw json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, raw)
}
