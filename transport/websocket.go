package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glyphlabs/glyph-go/protocol"
)

// WSConn implements the MCP transport over a WebSocket connection: one
// envelope per text frame. Binary frames are a protocol violation on this
// channel and terminate the stream. Ping/pong is handled beneath the
// envelope layer by the websocket library.
type WSConn struct {
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	items chan frameItem

	closeOnce sync.Once
	closed    chan struct{}

	termMu   sync.Mutex
	terminal error
}

func newWSConn(conn *websocket.Conn, readTimeout, writeTimeout time.Duration) *WSConn {
	c := &WSConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		items:        make(chan frameItem),
		closed:       make(chan struct{}),
	}
	go c.readLoop(readTimeout)
	return c
}

func (c *WSConn) readLoop(readTimeout time.Duration) {
	defer close(c.items)

	for {
		if readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		frameType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.setTerminal(io.EOF)
			} else {
				c.setTerminal(err)
			}
			return
		}
		if frameType != websocket.TextMessage {
			c.setTerminal(fmt.Errorf("websocket: non-text frame type %d", frameType))
			return
		}

		msg, err := decodeFrame(data)
		select {
		case c.items <- frameItem{msg: msg, err: err}:
		case <-c.closed:
			return
		}
	}
}

// Recv returns the next envelope from the peer.
func (c *WSConn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case item, ok := <-c.items:
		if !ok {
			return nil, c.terminalErr()
		}
		return item.msg, item.err
	}
}

// Send writes one envelope as a text frame. Writes are serialized.
func (c *WSConn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and releases the connection. Idempotent.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *WSConn) setTerminal(err error) {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	if c.terminal == nil {
		c.terminal = err
	}
}

func (c *WSConn) terminalErr() error {
	c.termMu.Lock()
	defer c.termMu.Unlock()
	if c.terminal != nil {
		return c.terminal
	}
	return io.EOF
}

// WebSocketListener accepts WebSocket peers and yields one Transport per
// connection.
type WebSocketListener struct {
	addr     string
	path     string
	upgrader websocket.Upgrader

	readTimeout  time.Duration
	writeTimeout time.Duration

	tlsCertFile string
	tlsKeyFile  string
	tlsConfig   *tls.Config

	listener net.Listener
	server   *http.Server

	accepts chan *WSConn

	closeOnce sync.Once
	closed    chan struct{}
}

// WebSocketOption configures a WebSocketListener.
type WebSocketOption func(*WebSocketListener)

// WithWSReadTimeout sets the per-frame read timeout.
func WithWSReadTimeout(d time.Duration) WebSocketOption {
	return func(l *WebSocketListener) {
		l.readTimeout = d
	}
}

// WithWSWriteTimeout sets the per-frame write timeout.
func WithWSWriteTimeout(d time.Duration) WebSocketOption {
	return func(l *WebSocketListener) {
		l.writeTimeout = d
	}
}

// WithWSCheckOrigin sets the origin check function for upgrades.
func WithWSCheckOrigin(fn func(r *http.Request) bool) WebSocketOption {
	return func(l *WebSocketListener) {
		l.upgrader.CheckOrigin = fn
	}
}

// WithWSPath sets the HTTP path accepting upgrades. Default "/".
func WithWSPath(path string) WebSocketOption {
	return func(l *WebSocketListener) {
		l.path = path
	}
}

// WithWSTLS serves the endpoint over TLS with the given certificate and key
// files.
func WithWSTLS(certFile, keyFile string) WebSocketOption {
	return func(l *WebSocketListener) {
		l.tlsCertFile = certFile
		l.tlsKeyFile = keyFile
	}
}

// WithWSTLSConfig serves the endpoint with a prebuilt TLS configuration.
func WithWSTLSConfig(cfg *tls.Config) WebSocketOption {
	return func(l *WebSocketListener) {
		l.tlsConfig = cfg
	}
}

// NewWebSocketListener binds addr and starts accepting upgrade requests.
func NewWebSocketListener(addr string, opts ...WebSocketOption) (*WebSocketListener, error) {
	l := &WebSocketListener{
		addr: addr,
		path: "/",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		writeTimeout: 10 * time.Second,
		accepts:      make(chan *WSConn),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen: %w", err)
	}
	l.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux, TLSConfig: l.tlsConfig}

	go func() {
		var err error
		switch {
		case l.tlsCertFile != "" || l.tlsConfig != nil:
			err = l.server.ServeTLS(ln, l.tlsCertFile, l.tlsKeyFile)
		default:
			err = l.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Close()
		}
	}()

	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wsc := newWSConn(conn, l.readTimeout, l.writeTimeout)
	select {
	case l.accepts <- wsc:
	case <-l.closed:
		_ = wsc.Close()
	}
}

// Accept blocks until a peer connects.
func (l *WebSocketListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	case conn := <-l.accepts:
		return conn, nil
	}
}

// Addr returns the bound address, which may differ from the configured one
// when port 0 was requested.
func (l *WebSocketListener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

// Close stops accepting connections. Idempotent.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.server.Close()
	})
	return nil
}

// DialWebSocket connects to an MCP WebSocket endpoint and returns the
// client side of the channel.
func DialWebSocket(ctx context.Context, url string, opts ...WebSocketOption) (Transport, error) {
	cfg := &WebSocketListener{
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dialer := *websocket.DefaultDialer
	if cfg.tlsConfig != nil {
		dialer.TLSClientConfig = cfg.tlsConfig
	}
	conn, _, err := dialer.DialContext(ctx, url, nil) //nolint:bodyclose // hijacked on success
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return newWSConn(conn, cfg.readTimeout, cfg.writeTimeout), nil
}
