// Package transport provides MCP transport implementations.
//
// Every transport satisfies the same contract: Send emits one envelope,
// Recv delivers one envelope, Close is idempotent. Framing differs per
// implementation:
//
//   - Stdio: one JSON object per LF-terminated line.
//   - WSConn: one JSON object per WebSocket text frame (RFC 6455).
//   - SSE: client-to-server envelopes over HTTP POST, server-to-client
//     envelopes over a server-sent-event stream.
//
// Listeners (WebSocketListener, SSEListener) accept peers and yield one
// Transport per connection for the server to drive.
package transport
