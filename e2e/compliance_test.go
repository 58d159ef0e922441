// Package e2e exercises the runtime at the wire level: literal JSON-RPC
// envelopes over a stdio transport, asserting the bytes a conforming peer
// would observe.
package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/server"
	"github.com/glyphlabs/glyph-go/transport"
)

// wire speaks raw newline-delimited JSON to a live session.
type wire struct {
	t       *testing.T
	toSrv   io.Writer
	fromSrv *bufio.Scanner
	done    chan error
	cancel  context.CancelFunc
}

func startWire(t *testing.T, srv *server.Server) *wire {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	tr := transport.NewStdio(transport.WithInput(inR), transport.WithOutput(outW))
	ctx, cancel := context.WithCancel(context.Background())

	w := &wire{
		t:       t,
		toSrv:   inW,
		fromSrv: bufio.NewScanner(outR),
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	w.fromSrv.Buffer(make([]byte, 64*1024), 4<<20)

	go func() {
		w.done <- srv.ServeTransport(ctx, tr)
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		cancel()
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
			t.Error("session did not wind down")
		}
		_ = outR.Close()
	})
	return w
}

func (w *wire) send(raw string) {
	w.t.Helper()
	if _, err := io.WriteString(w.toSrv, raw+"\n"); err != nil {
		w.t.Fatalf("write: %v", err)
	}
}

// recv parses the next envelope off the wire.
func (w *wire) recv() map[string]any {
	w.t.Helper()

	lineCh := make(chan string, 1)
	go func() {
		if w.fromSrv.Scan() {
			lineCh <- w.fromSrv.Text()
		} else {
			close(lineCh)
		}
	}()

	select {
	case line, ok := <-lineCh:
		if !ok {
			w.t.Fatalf("stream ended: %v", w.fromSrv.Err())
		}
		var envelope map[string]any
		if err := json.Unmarshal([]byte(line), &envelope); err != nil {
			w.t.Fatalf("bad envelope %q: %v", line, err)
		}
		return envelope
	case <-time.After(2 * time.Second):
		w.t.Fatal("timed out waiting for envelope")
		return nil
	}
}

// recvResponse skips notifications until the response with the given id.
func (w *wire) recvResponse(id float64) map[string]any {
	w.t.Helper()
	for {
		envelope := w.recv()
		if _, isNotif := envelope["method"]; isNotif {
			continue
		}
		if got, ok := envelope["id"].(float64); ok && got == id {
			return envelope
		}
	}
}

func (w *wire) initialize() {
	w.t.Helper()
	w.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)
	resp := w.recvResponse(1)
	if resp["error"] != nil {
		w.t.Fatalf("initialize failed: %v", resp["error"])
	}
	w.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
}

func errorCode(t *testing.T, envelope map[string]any) float64 {
	t.Helper()
	errObj, ok := envelope["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error member in %v", envelope)
	}
	return errObj["code"].(float64)
}

func complianceServer(t *testing.T) *server.Server {
	t.Helper()

	srv := server.New(protocol.Implementation{Name: "compliance", Version: "1.0.0"})
	srv.Tool("echo").
		Description("Echo a message back").
		Handler(func(in struct {
			Message string `json:"message" jsonschema:"required"`
		}) (string, error) {
			return in.Message, nil
		})
	srv.Tool("sleep").
		Description("Sleep for ten seconds").
		Handler(func(ctx context.Context, _ struct{}) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(10 * time.Second):
				return "slept", nil
			}
		})
	srv.Resource("mem://hello").Name("hello").MimeType("text/plain").Text("world")
	return srv
}

// S1: the initialize handshake.
func TestCompliance_InitializeHandshake(t *testing.T) {
	w := startWire(t, complianceServer(t))

	w.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`)

	resp := w.recvResponse(1)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result: %v", resp)
	}
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	if _, ok := result["capabilities"].(map[string]any); !ok {
		t.Error("missing capabilities object")
	}
	serverInfo, ok := result["serverInfo"].(map[string]any)
	if !ok || serverInfo["name"] != "compliance" {
		t.Errorf("serverInfo = %v", result["serverInfo"])
	}

	// The initialized notification elicits no response; prove it by
	// completing another round-trip afterwards.
	w.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	w.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if resp := w.recvResponse(2); resp["error"] != nil {
		t.Errorf("ping failed: %v", resp["error"])
	}
}

// S2: echo tool call.
func TestCompliance_EchoToolCall(t *testing.T) {
	w := startWire(t, complianceServer(t))
	w.initialize()

	w.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	resp := w.recvResponse(2)

	result := resp["result"].(map[string]any)
	if isErr, present := result["isError"]; present && isErr.(bool) {
		t.Error("isError = true")
	}
	content := result["content"].([]any)
	part := content[0].(map[string]any)
	if part["type"] != "text" || part["text"] != "hi" {
		t.Errorf("content[0] = %v", part)
	}
}

// S3: schema violation.
func TestCompliance_SchemaViolation(t *testing.T) {
	w := startWire(t, complianceServer(t))
	w.initialize()

	w.send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	resp := w.recvResponse(3)

	if code := errorCode(t, resp); code != -32602 {
		t.Errorf("code = %v, want -32602", code)
	}
	errObj := resp["error"].(map[string]any)
	msg, _ := errObj["message"].(string)
	if msg == "" {
		t.Error("error message empty")
	}
}

// S4: cancellation.
func TestCompliance_Cancellation(t *testing.T) {
	w := startWire(t, complianceServer(t))
	w.initialize()

	w.send(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"sleep"}}`)
	w.send(`{"jsonrpc":"2.0","method":"$/cancelRequest","params":{"id":7}}`)

	resp := w.recvResponse(7)
	if code := errorCode(t, resp); code != -32800 {
		t.Errorf("code = %v, want -32800", code)
	}
}

// S5: unknown method.
func TestCompliance_UnknownMethod(t *testing.T) {
	w := startWire(t, complianceServer(t))
	w.initialize()

	w.send(`{"jsonrpc":"2.0","id":9,"method":"does/notExist"}`)
	resp := w.recvResponse(9)
	if code := errorCode(t, resp); code != -32601 {
		t.Errorf("code = %v, want -32601", code)
	}
}

// S6: resource read.
func TestCompliance_ResourceRead(t *testing.T) {
	w := startWire(t, complianceServer(t))
	w.initialize()

	w.send(`{"jsonrpc":"2.0","id":11,"method":"resources/read","params":{"uri":"mem://hello"}}`)
	resp := w.recvResponse(11)

	result := resp["result"].(map[string]any)
	contents := result["contents"].([]any)
	c := contents[0].(map[string]any)
	if c["uri"] != "mem://hello" || c["mimeType"] != "text/plain" || c["text"] != "world" {
		t.Errorf("contents[0] = %v", c)
	}
}

// Unparseable line with an extractable id gets an error response; the
// stream survives.
func TestCompliance_UnparseableLine(t *testing.T) {
	w := startWire(t, complianceServer(t))
	w.initialize()

	w.send(`{"jsonrpc":"1.0","id":13,"method":"ping"}`)
	resp := w.recvResponse(13)
	if code := errorCode(t, resp); code != -32600 {
		t.Errorf("code = %v, want -32600", code)
	}

	w.send(`{"jsonrpc":"2.0","id":14,"method":"ping"}`)
	if resp := w.recvResponse(14); resp["error"] != nil {
		t.Errorf("ping after bad line failed: %v", resp["error"])
	}
}

// Responses never carry both members, and absent optional fields stay
// absent.
func TestCompliance_EnvelopeShape(t *testing.T) {
	w := startWire(t, complianceServer(t))
	w.initialize()

	w.send(`{"jsonrpc":"2.0","id":20,"method":"ping"}`)
	resp := w.recvResponse(20)

	if _, hasResult := resp["result"]; !hasResult {
		t.Error("success response missing result")
	}
	if _, hasError := resp["error"]; hasError {
		t.Error("success response carries error member")
	}
	if resp["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v", resp["jsonrpc"])
	}
}
