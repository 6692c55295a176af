// Package mcp exposes the coach's tools to MCP clients over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nugget/gymbro/internal/buildinfo"
	"github.com/nugget/gymbro/internal/tools"
)

// ServerName is announced to clients during initialization.
const ServerName = "gymbro"

// Server bridges a tool registry onto an mcp-go server.
type Server struct {
	registry *tools.Registry
	server   *server.MCPServer
	logger   *slog.Logger
}

// NewServer registers every tool in reg with a new MCP server.
func NewServer(reg *tools.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: reg,
		server: server.NewMCPServer(
			ServerName,
			buildinfo.Version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		logger: logger,
	}
	for _, name := range reg.Names() {
		t := reg.Get(name)
		s.server.AddTool(toolSchema(t), s.handler(t.Name))
	}
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.server }

// ServeStdio blocks serving requests on stdin/stdout until the client
// disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server listening on stdio", "tools", len(s.registry.Names()))
	return server.ServeStdio(s.server)
}

// toolSchema translates a registry tool into an MCP tool definition.
// Only string parameters exist today; anything else is advertised as a
// string too since handlers coerce scalars.
func toolSchema(t *tools.Tool) mcpgo.Tool {
	opts := []mcpgo.ToolOption{mcpgo.WithDescription(t.Description)}

	props, _ := t.Parameters["properties"].(map[string]any)
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var popts []mcpgo.PropertyOption
		if p, ok := props[name].(map[string]any); ok {
			if d, ok := p["description"].(string); ok {
				popts = append(popts, mcpgo.Description(d))
			}
		}
		opts = append(opts, mcpgo.WithString(name, popts...))
	}
	return mcpgo.NewTool(t.Name, opts...)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		args := req.GetArguments()
		s.logger.Debug("mcp tool call", "tool", name, "args", len(args))

		res, err := s.registry.Execute(ctx, name, args)
		if err != nil {
			var unavailable *tools.ErrToolUnavailable
			if errors.As(err, &unavailable) {
				return mcpgo.NewToolResultError(err.Error()), nil
			}
			s.logger.Warn("mcp tool call failed", "tool", name, "error", err)
			return mcpgo.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err)), nil
		}
		return mcpgo.NewToolResultText(res.Summary), nil
	}
}
