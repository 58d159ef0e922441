// Package transport provides the MCP transport contract and its framing
// implementations: newline-delimited stdio, WebSocket text frames, and HTTP
// with server-sent-event replies.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/glyphlabs/glyph-go/protocol"
)

// ErrClosed is returned by Send after the transport has been closed
// locally, and by Recv on the stdio, WebSocket and pipe transports. The SSE
// transports report io.EOF from Recv after a local Close.
var ErrClosed = errors.New("transport closed")

// Transport is a reliable, in-order, full-duplex channel delivering whole
// envelopes.
//
// Recv returns exactly one envelope per call. It returns io.EOF on graceful
// peer close and a terminal error on framing or IO failure; after either,
// every subsequent call returns the same indication. A *FrameError is the
// one recoverable failure: the frame was unusable but the stream survives.
//
// A transport may be read by at most one goroutine and written by at most
// one goroutine; the session enforces this discipline with a dedicated
// reader and a serialized writer.
type Transport interface {
	// Send emits one envelope. The Nth successful Send is observed by the
	// peer before the (N+1)th.
	Send(m protocol.Message) error

	// Recv blocks until one envelope is available, the context is done, or
	// the stream terminates.
	Recv(ctx context.Context) (protocol.Message, error)

	// Close releases the underlying resources. It is idempotent.
	Close() error
}

// Listener accepts transports from connecting peers.
type Listener interface {
	// Accept blocks until a peer connects or the context is done.
	Accept(ctx context.Context) (Transport, error)

	// Close stops accepting and releases the listening socket.
	Close() error

	// Addr describes the listening address.
	Addr() string
}

// FrameError reports a frame that could not be decoded into an envelope.
// The stream remains usable. ID carries the request id extracted from the
// bad frame when one was recoverable, so the dispatcher can still answer.
type FrameError struct {
	ID  json.RawMessage
	Err *protocol.Error
}

func (e *FrameError) Error() string {
	return "transport: undecodable frame: " + e.Err.Message
}

func (e *FrameError) Unwrap() error { return e.Err }

// decodeFrame turns raw frame bytes into an envelope, classifying failures
// as recoverable FrameErrors.
func decodeFrame(data []byte) (protocol.Message, error) {
	msg, err := protocol.Decode(data)
	if err == nil {
		return msg, nil
	}
	var protoErr *protocol.Error
	if errors.As(err, &protoErr) {
		return nil, &FrameError{ID: protocol.ExtractID(data), Err: protoErr}
	}
	return nil, err
}
