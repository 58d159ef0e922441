package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/schema"
)

type echoInput struct {
	Message string `json:"message" jsonschema:"required"`
}

func registerEcho(srv *Server) {
	srv.Tool("echo").
		Description("Echo a message back").
		Handler(func(in echoInput) (string, error) {
			return in.Message, nil
		})
}

func TestToolRegistry_DuplicateNameFails(t *testing.T) {
	srv := testServer(t)
	registerEcho(srv)

	b := srv.Tool("echo").Handler(func(in echoInput) (string, error) {
		return "", nil
	})
	if b.Err() == nil {
		t.Fatal("duplicate registration succeeded")
	}
}

func TestToolRegistry_ListOrderDeterministic(t *testing.T) {
	srv := testServer(t)
	names := []string{"zeta", "alpha", "mid"}
	for _, name := range names {
		srv.Tool(name).Handler(func(_ struct{}) (string, error) { return "", nil })
	}

	for range 3 {
		tools := srv.Tools()
		if len(tools) != len(names) {
			t.Fatalf("len(tools) = %d", len(tools))
		}
		for i, name := range names {
			if tools[i].Name != name {
				t.Fatalf("tools[%d] = %q, want %q (insertion order)", i, tools[i].Name, name)
			}
		}
	}
}

func TestToolRegistry_Deregister(t *testing.T) {
	srv := testServer(t)
	registerEcho(srv)

	if !srv.DeregisterTool("echo") {
		t.Fatal("DeregisterTool returned false")
	}
	if _, ok := srv.GetTool("echo"); ok {
		t.Error("tool still present after deregistration")
	}
	if srv.DeregisterTool("echo") {
		t.Error("second deregistration reported success")
	}
}

func TestToolBuilder_RejectsBadHandlers(t *testing.T) {
	tests := []struct {
		name string
		fn   any
	}{
		{"not a function", 42},
		{"no params", func() (string, error) { return "", nil }},
		{"too many params", func(a, b, c string) (string, error) { return "", nil }},
		{"one return", func(in struct{}) string { return "" }},
		{"second return not error", func(in struct{}) (string, string) { return "", "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := testServer(t)
			b := srv.Tool("bad").Handler(tt.fn)
			if b.Err() == nil {
				t.Error("invalid handler accepted")
			}
		})
	}
}

func TestToolsCall_Echo(t *testing.T) {
	srv := testServer(t)
	registerEcho(srv)

	conn := startSession(t, srv)
	conn.initialize()

	resp := conn.call(protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"message":"hi"}`),
	})
	if resp.Error != nil {
		t.Fatalf("tools/call error: %v", resp.Error)
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.IsError {
		t.Error("isError = true")
	}
	if len(result.Content) != 1 {
		t.Fatalf("len(content) = %d", len(result.Content))
	}
	text, ok := result.Content[0].(protocol.TextContent)
	if !ok || text.Text != "hi" {
		t.Errorf("content[0] = %#v, want text %q", result.Content[0], "hi")
	}
}

func TestToolsCall_SchemaViolation(t *testing.T) {
	srv := testServer(t)
	registerEcho(srv)

	conn := startSession(t, srv)
	conn.initialize()

	resp := conn.call(protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{}`),
	})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("error = %v, want code %d", resp.Error, protocol.CodeInvalidParams)
	}
	if resp.Error.Data == nil {
		t.Error("validation error missing data with offending paths")
	}
	data, _ := json.Marshal(resp.Error.Data)
	if !strings.Contains(string(data), "message") {
		t.Errorf("data = %s, want mention of the message field", data)
	}
}

func TestToolsCall_UnknownTool(t *testing.T) {
	srv := testServer(t)
	registerEcho(srv)

	conn := startSession(t, srv)
	conn.initialize()

	resp := conn.call(protocol.MethodToolsCall, protocol.CallToolParams{Name: "nonesuch"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Errorf("error = %v, want code %d", resp.Error, protocol.CodeInvalidParams)
	}
}

func TestToolsCall_HandlerErrorBecomesIsError(t *testing.T) {
	srv := testServer(t)
	srv.Tool("flaky").
		Handler(func(_ struct{}) (string, error) {
			return "", errors.New("disk on fire")
		})

	conn := startSession(t, srv)
	conn.initialize()

	resp := conn.call(protocol.MethodToolsCall, protocol.CallToolParams{Name: "flaky"})
	if resp.Error != nil {
		t.Fatalf("application failure surfaced as protocol error: %v", resp.Error)
	}

	var result protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if !result.IsError {
		t.Error("isError = false, want true")
	}

	// The session survives application failures.
	if resp := conn.call(protocol.MethodPing, nil); resp.Error != nil {
		t.Errorf("ping after tool failure: %v", resp.Error)
	}
}

func TestToolsCall_RawHandler(t *testing.T) {
	srv := testServer(t)
	srv.Tool("raw").
		Input(schema.Object(map[string]*schema.Schema{
			"value": schema.Integer(""),
		}, "value")).
		RawHandler(func(_ context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
			return &protocol.CallToolResult{
				Content: protocol.Text(string(args)),
				Meta:    map[string]any{"handled": "raw"},
			}, nil
		})

	conn := startSession(t, srv)
	conn.initialize()

	resp := conn.call(protocol.MethodToolsCall, protocol.CallToolParams{
		Name:      "raw",
		Arguments: json.RawMessage(`{"value":3}`),
	})
	if resp.Error != nil {
		t.Fatalf("tools/call error: %v", resp.Error)
	}
	var result protocol.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if result.Meta["handled"] != "raw" {
		t.Errorf("meta = %v", result.Meta)
	}
}

func TestToolsList_Pagination(t *testing.T) {
	srv := testServer(t, WithPageSize(2))
	for _, name := range []string{"a", "b", "c"} {
		srv.Tool(name).Handler(func(_ struct{}) (string, error) { return "", nil })
	}

	conn := startSession(t, srv)
	conn.initialize()

	resp := conn.call(protocol.MethodToolsList, nil)
	if resp.Error != nil {
		t.Fatalf("tools/list error: %v", resp.Error)
	}
	var page protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &page); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(page.Tools) != 2 || page.NextCursor == "" {
		t.Fatalf("first page = %d tools, cursor %q", len(page.Tools), page.NextCursor)
	}

	resp = conn.call(protocol.MethodToolsList, protocol.ListToolsParams{Cursor: page.NextCursor})
	var rest protocol.ListToolsResult
	if err := json.Unmarshal(resp.Result, &rest); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rest.Tools) != 1 || rest.NextCursor != "" {
		t.Errorf("second page = %d tools, cursor %q", len(rest.Tools), rest.NextCursor)
	}
	if rest.Tools[0].Name != "c" {
		t.Errorf("second page tool = %q", rest.Tools[0].Name)
	}
}

func TestToolsList_Idempotent(t *testing.T) {
	srv := testServer(t)
	registerEcho(srv)

	conn := startSession(t, srv)
	conn.initialize()

	first := conn.call(protocol.MethodToolsList, nil)
	second := conn.call(protocol.MethodToolsList, nil)

	a, _ := json.Marshal(first.Result)
	b, _ := json.Marshal(second.Result)
	if string(a) != string(b) {
		t.Errorf("tools/list not idempotent:\n%s\n%s", a, b)
	}
}
