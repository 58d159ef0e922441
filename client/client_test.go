package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/glyphlabs/glyph-go/client"
	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/server"
	"github.com/glyphlabs/glyph-go/transport"
)

type echoInput struct {
	Message string `json:"message" jsonschema:"required"`
}

func startPair(t *testing.T, srv *server.Server, opts ...client.Option) *client.Client {
	t.Helper()

	clientEnd, serverEnd := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeTransport(ctx, serverEnd)
	}()

	c := client.New(clientEnd, opts...)
	t.Cleanup(func() {
		c.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server session did not stop")
		}
	})
	return c
}

func echoServer(t *testing.T) *server.Server {
	t.Helper()
	srv := server.New(protocol.Implementation{Name: "echo-server", Version: "1.0.0"})
	srv.Tool("echo").
		Description("Echo a message back").
		Handler(func(in echoInput) (string, error) {
			return in.Message, nil
		})
	srv.Resource("mem://hello").Name("hello").MimeType("text/plain").Text("world")
	srv.Prompt("greet").
		Argument("name", "who to greet", true).
		Render(func(_ context.Context, args map[string]string) (*protocol.GetPromptResult, error) {
			return &protocol.GetPromptResult{
				Messages: []protocol.PromptMessage{server.UserMessage("Hello " + args["name"])},
			}, nil
		})
	return srv
}

func TestClient_InitializeAndList(t *testing.T) {
	c := startPair(t, echoServer(t), client.WithClientInfo("t", "1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := c.Initialize(ctx)
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if info.ServerInfo.Name != "echo-server" {
		t.Errorf("server name = %q", info.ServerInfo.Name)
	}
	if info.ProtocolVersion != protocol.MCPVersion {
		t.Errorf("protocol version = %q", info.ProtocolVersion)
	}

	tools, err := c.ListTools(ctx, "")
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools.Tools)
	}
}

func TestClient_CallTool(t *testing.T) {
	c := startPair(t, echoServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	result, err := c.CallTool(ctx, "echo", map[string]string{"message": "hi"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if result.IsError {
		t.Error("IsError = true")
	}
	text, ok := result.Content[0].(protocol.TextContent)
	if !ok || text.Text != "hi" {
		t.Errorf("content = %#v", result.Content)
	}
}

func TestClient_CallBeforeInitializeRejected(t *testing.T) {
	c := startPair(t, echoServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.CallTool(ctx, "echo", map[string]string{"message": "hi"})
	if err == nil {
		t.Fatal("call before initialize succeeded")
	}
}

func TestClient_ReadResource(t *testing.T) {
	c := startPair(t, echoServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	contents, err := c.ReadResource(ctx, "mem://hello")
	if err != nil {
		t.Fatalf("ReadResource() error = %v", err)
	}
	if len(contents) != 1 || contents[0].Text != "world" {
		t.Errorf("contents = %+v", contents)
	}
}

func TestClient_GetPrompt(t *testing.T) {
	c := startPair(t, echoServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	result, err := c.GetPrompt(ctx, "greet", map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("GetPrompt() error = %v", err)
	}
	text, ok := result.Messages[0].Content.(protocol.TextContent)
	if !ok || text.Text != "Hello Ada" {
		t.Errorf("messages = %+v", result.Messages)
	}
}

func TestClient_ProgressNotifications(t *testing.T) {
	srv := server.New(protocol.Implementation{Name: "prog", Version: "1"})
	srv.Tool("worker").
		Handler(func(ctx context.Context, _ struct{}) (string, error) {
			total := 3.0
			reporter := server.ProgressFromContext(ctx)
			for i := 1; i <= 3; i++ {
				_ = reporter.Report(float64(i), &total)
			}
			return "done", nil
		})

	progress := make(chan protocol.ProgressParams, 8)
	c := startPair(t, srv, client.WithNotificationHandler(
		protocol.NotificationProgress,
		func(n *protocol.Notification) {
			var p protocol.ProgressParams
			if err := protocol.DecodeParams(n.Params, &p); err == nil {
				progress <- p
			}
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	result, err := c.CallToolWithProgress(ctx, "worker", nil, "tok")
	if err != nil {
		t.Fatalf("CallToolWithProgress() error = %v", err)
	}
	if result.IsError {
		t.Error("IsError = true")
	}

	select {
	case p := <-progress:
		if string(p.ProgressToken) != `"tok"` {
			t.Errorf("token = %s", p.ProgressToken)
		}
	case <-time.After(2 * time.Second):
		t.Error("no progress notification arrived")
	}
}

func TestClient_Cancellation(t *testing.T) {
	srv := server.New(protocol.Implementation{Name: "slow", Version: "1"})
	srv.Tool("sleepy").
		Handler(func(ctx context.Context, _ struct{}) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})

	c := startPair(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	callCtx, callCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer callCancel()

	_, err := c.CallTool(callCtx, "sleepy", nil)
	if err == nil {
		t.Fatal("cancelled call succeeded")
	}
}

func TestClient_ShutdownExit(t *testing.T) {
	c := startPair(t, echoServer(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := c.Exit(); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
}

func TestClient_Sampling(t *testing.T) {
	srv := server.New(protocol.Implementation{Name: "sampler", Version: "1"})
	srv.Tool("ask").
		Handler(func(ctx context.Context, _ struct{}) (string, error) {
			sess := server.SessionFromContext(ctx)
			result, err := sess.CreateMessage(ctx, &protocol.CreateMessageParams{
				Messages: []protocol.SamplingMessage{{
					Role:    protocol.RoleUser,
					Content: protocol.TextContent{Text: "say hi"},
				}},
			})
			if err != nil {
				return "", err
			}
			text := result.Content.(protocol.TextContent)
			return text.Text, nil
		})

	c := startPair(t, srv, client.WithSamplingHandler(
		func(_ context.Context, _ *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
			return &protocol.CreateMessageResult{
				Role:    protocol.RoleAssistant,
				Content: protocol.TextContent{Text: "hi from the model"},
				Model:   "test-model",
			}, nil
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	result, err := c.CallTool(ctx, "ask", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	text, ok := result.Content[0].(protocol.TextContent)
	if !ok || text.Text != "hi from the model" {
		t.Errorf("content = %#v", result.Content)
	}
}
