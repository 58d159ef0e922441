// Package glyph provides a runtime for building MCP (Model Context
// Protocol) servers and clients: a bidirectional JSON-RPC 2.0 engine with
// pluggable transports, capability registries, and a policy gate in front
// of tool execution.
//
// Basic usage:
//
//	srv := glyph.NewServer(glyph.Implementation{
//	    Name:    "my-server",
//	    Version: "1.0.0",
//	})
//
//	type SearchInput struct {
//	    Query string `json:"query" jsonschema:"required"`
//	}
//
//	srv.Tool("search").
//	    Description("Search for items").
//	    Handler(func(ctx context.Context, input SearchInput) ([]string, error) {
//	        return []string{"result1", "result2"}, nil
//	    })
//
//	glyph.ServeStdio(ctx, srv)
package glyph

import (
	"context"

	"github.com/glyphlabs/glyph-go/client"
	"github.com/glyphlabs/glyph-go/middleware"
	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/server"
	"github.com/glyphlabs/glyph-go/transport"
)

// Re-export core types for convenience.

// Implementation identifies a peer by name and version.
type Implementation = protocol.Implementation

// Server is the MCP server instance.
type Server = server.Server

// Option configures a Server.
type Option = server.Option

// Session is the per-connection MCP state machine.
type Session = server.Session

// Client is the MCP client instance.
type Client = client.Client

// Transport is the envelope-framed duplex channel contract.
type Transport = transport.Transport

// Content part types.
type Content = protocol.Content
type TextContent = protocol.TextContent
type ImageContent = protocol.ImageContent
type EmbeddedResource = protocol.EmbeddedResource
type ResourceContents = protocol.ResourceContents

// Tool types.
type CallToolResult = protocol.CallToolResult
type ToolDescriptor = protocol.ToolDescriptor

// Prompt types.
type PromptMessage = protocol.PromptMessage
type GetPromptResult = protocol.GetPromptResult

// Policy types.
type Guard = server.Guard
type GuardInput = server.GuardInput
type Verdict = server.Verdict
type Rule = server.Rule
type AuditRecord = server.AuditRecord

// Progress reporting.
type ProgressReporter = server.ProgressReporter

// ProgressFromContext returns the progress reporter attached to a tool
// handler's context.
var ProgressFromContext = server.ProgressFromContext

// SessionFromContext returns the session handle attached to a tool
// handler's context.
var SessionFromContext = server.SessionFromContext

// Middleware types.
type Middleware = middleware.Middleware
type Logger = middleware.Logger

// Server options, re-exported.
var (
	WithLogger       = server.WithLogger
	WithMiddleware   = server.WithMiddleware
	WithGuard        = server.WithGuard
	WithAuditSink    = server.WithAuditSink
	WithConsent      = server.WithConsent
	WithInstructions = server.WithInstructions
	WithPageSize     = server.WithPageSize
)

// Result helpers, re-exported.
var (
	Text      = protocol.Text
	ToolError = server.ToolError
)

// NewServer creates a new MCP server with the given identity and options.
func NewServer(info Implementation, opts ...Option) *Server {
	return server.New(info, opts...)
}

// NewRuleGuard compiles a rule-based policy guard.
func NewRuleGuard(rules []Rule) (*server.RuleGuard, error) {
	return server.NewRuleGuard(rules)
}

// ServeStdio runs the server over stdin/stdout, blocking until the
// context is canceled or the peer disconnects.
func ServeStdio(ctx context.Context, srv *Server, opts ...transport.StdioOption) error {
	return srv.ServeTransport(ctx, transport.NewStdio(opts...))
}

// ServeWebSocket runs the server on a WebSocket endpoint, blocking until
// the context is canceled.
func ServeWebSocket(ctx context.Context, srv *Server, addr string, opts ...transport.WebSocketOption) error {
	l, err := transport.NewWebSocketListener(addr, opts...)
	if err != nil {
		return err
	}
	defer l.Close()
	return srv.Serve(ctx, l)
}

// ServeSSE runs the server on an HTTP endpoint with SSE replies, blocking
// until the context is canceled.
func ServeSSE(ctx context.Context, srv *Server, addr string, opts ...transport.SSEOption) error {
	l, err := transport.NewSSEListener(addr, opts...)
	if err != nil {
		return err
	}
	defer l.Close()
	return srv.Serve(ctx, l)
}

// NewClient creates a client over the given transport.
func NewClient(tr Transport, opts ...client.Option) *Client {
	return client.New(tr, opts...)
}

// DialWebSocket connects a client transport to a WebSocket endpoint.
var DialWebSocket = transport.DialWebSocket

// DialSSE connects a client transport to an HTTP+SSE endpoint.
var DialSSE = transport.DialSSE

// DefaultMiddleware returns the recommended production middleware stack.
func DefaultMiddleware(logger Logger) []Middleware {
	return middleware.DefaultStack(logger)
}
