// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp exposes a kernel to MCP clients as a set of tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/kernos/pkg/history"
	"github.com/jllopis/kernos/pkg/kernel"
	"github.com/jllopis/kernos/pkg/variables"
)

// Tool names.
const (
	ToolExecuteCode     = "execute_code"
	ToolListVariables   = "list_variables"
	ToolInspectVariable = "inspect_variable"
	ToolListHistory     = "list_history"
)

// Executor runs code on a kernel.
type Executor interface {
	Execute(ctx context.Context, code string, opts kernel.ExecuteOptions) (kernel.ExecuteResult, error)
}

// Inspector describes variables.
type Inspector interface {
	List(ctx context.Context) (variables.ListReply, error)
	Inspect(ctx context.Context, name string) (variables.Description, error)
}

// Server wraps the mcp-go server with the kernel tools.
type Server struct {
	mcpServer *server.MCPServer
	exec      Executor
	inspector Inspector
	history   history.Store
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithInspector enables the variable tools.
func WithInspector(in Inspector) Option {
	return func(s *Server) {
		s.inspector = in
	}
}

// WithHistory enables the history tool.
func WithHistory(store history.Store) Option {
	return func(s *Server) {
		s.history = store
	}
}

// WithExecuteTimeout bounds each execute_code call.
func WithExecuteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates an MCP server serving exec.
func NewServer(name, version string, exec Executor, opts ...Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version),
		exec:      exec,
		timeout:   time.Minute,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer.AddTool(mcp.NewTool(ToolExecuteCode,
		mcp.WithDescription("Run code in the kernel and return its output."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source to evaluate.")),
	), s.adapt(s.executeCode))
	if s.inspector != nil {
		s.mcpServer.AddTool(mcp.NewTool(ToolListVariables,
			mcp.WithDescription("List the kernel's global variables."),
		), s.adapt(s.listVariables))
		s.mcpServer.AddTool(mcp.NewTool(ToolInspectVariable,
			mcp.WithDescription("Describe one global variable."),
			mcp.WithString("name", mcp.Required(), mcp.Description("Variable name.")),
		), s.adapt(s.inspectVariable))
	}
	if s.history != nil {
		s.mcpServer.AddTool(mcp.NewTool(ToolListHistory,
			mcp.WithDescription("List recent executions, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries.")),
		), s.adapt(s.listHistory))
	}
	return s
}

type toolFunc func(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error)

func (s *Server) adapt(fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		res, err := fn(ctx, args)
		if err != nil {
			s.logger.WarnContext(ctx, "mcp.tool.failed", "tool", request.Params.Name, "error", err)
			return errorResult(err.Error()), nil
		}
		return res, nil
	}
}

func (s *Server) executeCode(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	code, ok := args["code"].(string)
	if !ok {
		return errorResult("code must be a string"), nil
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.exec.Execute(ctx, code, kernel.ExecuteOptions{})
	if err != nil {
		return nil, err
	}
	out, err := jsonResult(res)
	if err != nil {
		return nil, err
	}
	out.IsError = res.Status != history.StatusOK
	return out, nil
}

func (s *Server) listVariables(ctx context.Context, _ map[string]interface{}) (*mcp.CallToolResult, error) {
	list, err := s.inspector.List(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(list)
}

func (s *Server) inspectVariable(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	name, _ := args["name"].(string)
	if name == "" {
		return errorResult("name is required"), nil
	}
	d, err := s.inspector.Inspect(ctx, name)
	if err != nil {
		return nil, err
	}
	return jsonResult(d)
}

func (s *Server) listHistory(ctx context.Context, args map[string]interface{}) (*mcp.CallToolResult, error) {
	filter := history.Filter{Limit: 20}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		filter.Limit = int(limit)
	}
	entries, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return jsonResult(entries)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(raw)}},
	}, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}

// ServeStdio serves the tools on standard input and output.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// StreamableHTTPServer returns an HTTP server for the tools.
func (s *Server) StreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcpServer)
}
