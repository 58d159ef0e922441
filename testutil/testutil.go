// Package testutil provides testing helpers for MCP servers: an in-memory
// client wired to a live session over a pipe transport.
//
// Example:
//
//	func TestMyServer(t *testing.T) {
//	    srv := server.New(protocol.Implementation{Name: "test", Version: "1"})
//	    srv.Tool("greet").Handler(func(in GreetInput) (string, error) {
//	        return "Hello, " + in.Name, nil
//	    })
//
//	    tc := testutil.NewTestClient(t, srv)
//	    text := tc.CallToolText("greet", map[string]any{"name": "World"})
//	    if text != "Hello, World" {
//	        t.Errorf("got %q", text)
//	    }
//	}
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/glyphlabs/glyph-go/client"
	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/server"
	"github.com/glyphlabs/glyph-go/transport"
)

// TestClient drives a real session over an in-memory pipe: full handshake,
// real dispatcher, no sockets.
type TestClient struct {
	t      testing.TB
	Client *client.Client
	Init   *protocol.InitializeResult

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTestClient starts a session for the server and completes the
// initialize handshake. Cleanup is registered on the test.
func NewTestClient(t testing.TB, srv *server.Server, opts ...client.Option) *TestClient {
	t.Helper()

	clientEnd, serverEnd := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	tc := &TestClient{
		t:      t,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(tc.done)
		_ = srv.ServeTransport(ctx, serverEnd)
	}()

	tc.Client = client.New(clientEnd, opts...)

	initCtx, initCancel := context.WithTimeout(ctx, 5*time.Second)
	defer initCancel()
	init, err := tc.Client.Initialize(initCtx)
	if err != nil {
		t.Fatalf("testutil: initialize failed: %v", err)
	}
	tc.Init = init

	t.Cleanup(tc.Close)
	return tc
}

// Close winds the client and session down. Safe to call twice.
func (tc *TestClient) Close() {
	_ = tc.Client.Close()
	tc.cancel()
	select {
	case <-tc.done:
	case <-time.After(2 * time.Second):
		tc.t.Error("testutil: session did not wind down")
	}
}

func (tc *TestClient) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// CallTool invokes a tool and fails the test on protocol errors.
func (tc *TestClient) CallTool(name string, args any) *protocol.CallToolResult {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()

	result, err := tc.Client.CallTool(ctx, name, args)
	if err != nil {
		tc.t.Fatalf("testutil: tools/call %q failed: %v", name, err)
	}
	return result
}

// CallToolText invokes a tool and returns its single text content,
// failing the test on any other shape.
func (tc *TestClient) CallToolText(name string, args any) string {
	tc.t.Helper()

	result := tc.CallTool(name, args)
	if result.IsError {
		tc.t.Fatalf("testutil: tool %q returned isError: %+v", name, result.Content)
	}
	if len(result.Content) != 1 {
		tc.t.Fatalf("testutil: tool %q returned %d content parts", name, len(result.Content))
	}
	text, ok := result.Content[0].(protocol.TextContent)
	if !ok {
		tc.t.Fatalf("testutil: tool %q returned %T, want text", name, result.Content[0])
	}
	return text.Text
}

// CallToolExpectError invokes a tool expecting a JSON-RPC error and
// returns it.
func (tc *TestClient) CallToolExpectError(name string, args any) *protocol.Error {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()

	_, err := tc.Client.CallTool(ctx, name, args)
	if err == nil {
		tc.t.Fatalf("testutil: tools/call %q unexpectedly succeeded", name)
	}
	protoErr, ok := err.(*protocol.Error)
	if !ok {
		tc.t.Fatalf("testutil: tools/call %q error type %T", name, err)
	}
	return protoErr
}

// ListTools returns the full first page of tool descriptors.
func (tc *TestClient) ListTools() []protocol.ToolDescriptor {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()

	result, err := tc.Client.ListTools(ctx, "")
	if err != nil {
		tc.t.Fatalf("testutil: tools/list failed: %v", err)
	}
	return result.Tools
}

// ReadResource reads a resource and fails the test on errors.
func (tc *TestClient) ReadResource(uri string) []protocol.ResourceContents {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()

	contents, err := tc.Client.ReadResource(ctx, uri)
	if err != nil {
		tc.t.Fatalf("testutil: resources/read %q failed: %v", uri, err)
	}
	return contents
}

// GetPrompt renders a prompt and fails the test on errors.
func (tc *TestClient) GetPrompt(name string, args map[string]string) *protocol.GetPromptResult {
	tc.t.Helper()
	ctx, cancel := tc.ctx()
	defer cancel()

	result, err := tc.Client.GetPrompt(ctx, name, args)
	if err != nil {
		tc.t.Fatalf("testutil: prompts/get %q failed: %v", name, err)
	}
	return result
}
