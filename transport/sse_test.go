package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glyphlabs/glyph-go/protocol"
)

func ssePair(t *testing.T) (server, client Transport) {
	t.Helper()

	l, err := NewSSEListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSSEListener() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type dialResult struct {
		tr  Transport
		err error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		tr, err := DialSSE(ctx, "http://"+l.Addr()+"/sse", nil)
		dialCh <- dialResult{tr, err}
	}()

	server, err = l.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	d := <-dialCh
	if d.err != nil {
		t.Fatalf("DialSSE() error = %v", d.err)
	}
	t.Cleanup(func() {
		server.Close()
		d.tr.Close()
	})
	return server, d.tr
}

func TestSSE_RoundTrip(t *testing.T) {
	server, client := ssePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := protocol.NewRequest(json.RawMessage(`1`), "ping", nil)
	if err := client.Send(req); err != nil {
		t.Fatalf("client Send() error = %v", err)
	}

	msg, err := server.Recv(ctx)
	if err != nil {
		t.Fatalf("server Recv() error = %v", err)
	}
	got, ok := msg.(*protocol.Request)
	if !ok || got.Method != "ping" {
		t.Fatalf("server Recv() = %#v", msg)
	}

	resp, _ := protocol.NewResponse(got.ID, map[string]any{"ok": true})
	if err := server.Send(resp); err != nil {
		t.Fatalf("server Send() error = %v", err)
	}

	back, err := client.Recv(ctx)
	if err != nil {
		t.Fatalf("client Recv() error = %v", err)
	}
	if r, ok := back.(*protocol.Response); !ok || string(r.ID) != "1" {
		t.Fatalf("client Recv() = %#v", back)
	}
}

func TestSSE_NotificationFlow(t *testing.T) {
	server, client := ssePair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notif, _ := protocol.NewNotification(protocol.NotificationResourceUpdated,
		protocol.ResourceUpdatedParams{URI: "mem://x"})
	if err := server.Send(notif); err != nil {
		t.Fatalf("server Send() error = %v", err)
	}

	msg, err := client.Recv(ctx)
	if err != nil {
		t.Fatalf("client Recv() error = %v", err)
	}
	n, ok := msg.(*protocol.Notification)
	if !ok || n.Method != protocol.NotificationResourceUpdated {
		t.Fatalf("client Recv() = %#v", msg)
	}
}

func TestSSE_UnknownSessionPost(t *testing.T) {
	l, err := NewSSEListener("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSSEListener() error = %v", err)
	}
	defer l.Close()

	resp, err := http.Post("http://"+l.Addr()+"/message?sessionID=nope",
		"application/json", nil)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCORSHandler_Preflight(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := CORSHandler(DefaultCORSConfig(), inner)

	req := httptest.NewRequest(http.MethodOptions, "/sse", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Allow-Origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
