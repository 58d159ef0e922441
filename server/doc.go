// Package server provides the core MCP server implementation: capability
// registries, the per-connection session state machine, the policy gate,
// and the message dispatcher.
//
// A Server holds the registries and multiplexes sessions:
//
//	srv := server.New(protocol.Implementation{Name: "files", Version: "1.0.0"})
//
//	srv.Tool("echo").
//	    Description("Echo a message back").
//	    Handler(func(ctx context.Context, in EchoInput) (string, error) {
//	        return in.Message, nil
//	    })
//
//	srv.Resource("mem://hello").Name("hello").MimeType("text/plain").Text("world")
//
//	l, _ := transport.NewWebSocketListener(":8080")
//	srv.Serve(ctx, l)
//
// Each accepted transport gets one Session: a reader goroutine, a
// serialized writer draining a bounded outbound channel, and one goroutine
// per inbound request. Requests run concurrently; responses never
// interleave mid-envelope; cancellation is cooperative via the request
// context.
//
// The policy Guard runs before every tool handler. Denials surface as
// isError results, not protocol errors; RequireConsent defers to the
// server's consent sink and falls back to deny without one. Every
// evaluation produces one audit record.
package server
