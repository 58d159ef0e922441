package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/glyphlabs/glyph-go/protocol"
)

// maxPostBytes bounds one posted envelope on the HTTP transport.
const maxPostBytes = 4 << 20

// SSEListener accepts peers over HTTP: the client opens a GET stream on the
// SSE path, receives its message endpoint in an "endpoint" event, and posts
// envelopes there. Replies and notifications flow back over the SSE stream,
// one envelope per "message" event.
type SSEListener struct {
	addr    string
	ssePath string
	msgPath string
	cors    *CORSConfig

	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	sessions map[string]*sseServerTransport

	accepts chan *sseServerTransport

	closeOnce sync.Once
	closed    chan struct{}
}

// SSEOption configures an SSEListener.
type SSEOption func(*SSEListener)

// WithSSEPath sets the stream and message paths. Defaults "/sse" and
// "/message".
func WithSSEPath(ssePath, msgPath string) SSEOption {
	return func(l *SSEListener) {
		l.ssePath = ssePath
		l.msgPath = msgPath
	}
}

// WithSSECORS enables CORS on both endpoints.
func WithSSECORS(cfg CORSConfig) SSEOption {
	return func(l *SSEListener) {
		l.cors = &cfg
	}
}

// NewSSEListener binds addr and starts serving the SSE and message
// endpoints.
func NewSSEListener(addr string, opts ...SSEOption) (*SSEListener, error) {
	l := &SSEListener{
		addr:     addr,
		ssePath:  "/sse",
		msgPath:  "/message",
		sessions: make(map[string]*sseServerTransport),
		accepts:  make(chan *sseServerTransport),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sse listen: %w", err)
	}
	l.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(l.ssePath, l.handleSSE)
	mux.HandleFunc(l.msgPath, l.handleMessage)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	var handler http.Handler = mux
	if l.cors != nil {
		handler = CORSHandler(*l.cors, handler)
	}
	l.server = &http.Server{Handler: handler}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Close()
		}
	}()

	return l, nil
}

func (l *SSEListener) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	id := uuid.NewString()
	tr := &sseServerTransport{
		id:   id,
		sess: sess,
		recv: make(chan frameItem, 8),
		done: make(chan struct{}),
	}

	l.mu.Lock()
	l.sessions[id] = tr
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.sessions, id)
		l.mu.Unlock()
		tr.Close()
	}()

	endpoint := sse.Message{Type: sse.Type("endpoint")}
	endpoint.AppendData(fmt.Sprintf("%s?sessionID=%s", l.msgPath, id))
	if err := sess.Send(&endpoint); err != nil {
		return
	}
	if err := sess.Flush(); err != nil {
		return
	}

	select {
	case l.accepts <- tr:
	case <-l.closed:
		return
	case <-r.Context().Done():
		return
	}

	// Keep the stream open; the response writer dies with this handler.
	select {
	case <-tr.done:
	case <-r.Context().Done():
	case <-l.closed:
	}
}

func (l *SSEListener) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	l.mu.Lock()
	tr := l.sessions[r.URL.Query().Get("sessionID")]
	l.mu.Unlock()
	if tr == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPostBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	msg, err := decodeFrame(bytes.TrimSpace(body))
	item := frameItem{msg: msg, err: err}

	select {
	case tr.recv <- item:
		w.WriteHeader(http.StatusAccepted)
	case <-tr.done:
		http.Error(w, "session closed", http.StatusGone)
	case <-r.Context().Done():
	}
}

// Accept blocks until a peer opens an SSE stream.
func (l *SSEListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	case tr := <-l.accepts:
		return tr, nil
	}
}

// Addr returns the bound address.
func (l *SSEListener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.addr
}

// Close stops the HTTP server and terminates every session. Idempotent.
func (l *SSEListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.mu.Lock()
		for _, tr := range l.sessions {
			tr.Close()
		}
		l.mu.Unlock()
		_ = l.server.Close()
	})
	return nil
}

// sseServerTransport is the server side of one HTTP+SSE session.
type sseServerTransport struct {
	id string

	sendMu sync.Mutex
	sess   *sse.Session

	recv chan frameItem

	closeOnce sync.Once
	done      chan struct{}
}

func (t *sseServerTransport) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item := <-t.recv:
		return item.msg, item.err
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *sseServerTransport) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	msg := sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(data))
	if err := t.sess.Send(&msg); err != nil {
		return err
	}
	return t.sess.Flush()
}

func (t *sseServerTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// DialSSE connects to an MCP HTTP+SSE endpoint. The streamURL is the SSE
// path; the message endpoint is announced by the server on the stream.
func DialSSE(ctx context.Context, streamURL string, httpClient *http.Client) (Transport, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	base, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("sse dial: parse url: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse dial: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse dial %s: %w", streamURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse dial %s: status %d", streamURL, resp.StatusCode)
	}

	t := &sseClientTransport{
		httpClient: httpClient,
		base:       base,
		cancel:     cancel,
		items:      make(chan frameItem, 8),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.readLoop(resp.Body)

	select {
	case <-t.ready:
	case <-t.done:
		cancel()
		return nil, errors.New("sse dial: stream closed before endpoint event")
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}
	return t, nil
}

// sseClientTransport is the client side of one HTTP+SSE session.
type sseClientTransport struct {
	httpClient *http.Client
	base       *url.URL
	cancel     context.CancelFunc

	mu         sync.Mutex
	messageURL string

	items     chan frameItem
	ready     chan struct{}
	readyOnce sync.Once

	closeOnce sync.Once
	done      chan struct{}
}

func (t *sseClientTransport) readLoop(body io.ReadCloser) {
	defer func() {
		_ = body.Close()
		t.closeOnce.Do(func() { close(t.done) })
	}()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			return
		}
		switch ev.Type {
		case "endpoint":
			ref, err := url.Parse(ev.Data)
			if err != nil {
				return
			}
			t.mu.Lock()
			t.messageURL = t.base.ResolveReference(ref).String()
			t.mu.Unlock()
			t.readyOnce.Do(func() { close(t.ready) })
		case "message":
			msg, err := decodeFrame([]byte(ev.Data))
			select {
			case t.items <- frameItem{msg: msg, err: err}:
			case <-t.done:
				return
			}
		}
	}
}

func (t *sseClientTransport) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item := <-t.items:
		return item.msg, item.err
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *sseClientTransport) Send(m protocol.Message) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}

	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	t.mu.Lock()
	target := t.messageURL
	t.mu.Unlock()

	resp, err := t.httpClient.Post(target, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sse post: status %d", resp.StatusCode)
	}
	return nil
}

func (t *sseClientTransport) Close() error {
	t.cancel()
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
