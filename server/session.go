package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/glyphlabs/glyph-go/middleware"
	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/transport"
)

// State is a session's lifecycle position.
type State int32

const (
	// StateConnecting is the birth state, before the transport is ready.
	StateConnecting State = iota
	// StateInitializing accepts only the initialize request.
	StateInitializing
	// StateReady accepts all methods.
	StateReady
	// StateShuttingDown accepts only the exit notification.
	StateShuttingDown
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outboundBuffer bounds the per-session outbound channel. Responses block
// when it fills; notifications are dropped instead to avoid head-of-line
// blocking.
const outboundBuffer = 64

// ErrSessionClosed is returned when sending on a session that has wound
// down.
var ErrSessionClosed = errors.New("session closed")

// Session is the MCP state machine over one transport: it owns the
// initialization handshake, the negotiated capabilities, the
// outstanding-request table, cancellation tokens, and progress channels.
// One reader goroutine and one serialized writer goroutine drive the
// transport; each inbound request runs in its own handler goroutine.
type Session struct {
	id     string
	srv    *Server
	tr     transport.Transport
	logger middleware.Logger

	handler middleware.HandlerFunc

	out        chan protocol.Message
	writerDone chan struct{}
	done       chan struct{}
	doneOnce   sync.Once

	cancelRun context.CancelFunc

	mu         sync.Mutex
	state      State
	initSeen   bool
	closeAfter bool
	clientInfo protocol.Implementation
	clientCaps protocol.ClientCapabilities
	negotiated string
	inflight   map[string]context.CancelFunc
	calls      map[string]chan *protocol.Response
	subs       map[string]struct{}
	logLevel   protocol.LogLevel
	roots      []protocol.Root

	callSeq atomic.Int64
	wg      sync.WaitGroup
}

func newSession(srv *Server, tr transport.Transport) *Session {
	s := &Session{
		id:         uuid.NewString(),
		srv:        srv,
		tr:         tr,
		logger:     srv.logger,
		out:        make(chan protocol.Message, outboundBuffer),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		state:      StateConnecting,
		inflight:   make(map[string]context.CancelFunc),
		calls:      make(map[string]chan *protocol.Response),
		subs:       make(map[string]struct{}),
		logLevel:   protocol.LogLevelInfo,
	}
	s.handler = middleware.Chain(srv.chain...)(s.dispatchMethod)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientInfo returns the peer identity captured at initialize.
func (s *Session) ClientInfo() protocol.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// ClientCapabilities returns the peer capabilities captured at initialize.
func (s *Session) ClientCapabilities() protocol.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiated
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the session until the peer disconnects, exits, or the context
// is canceled. It owns the reader; a separate goroutine owns the writer.
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	defer cancel()

	s.setState(StateInitializing)
	go s.writeLoop()

	var runErr error
	for {
		msg, err := s.tr.Recv(runCtx)
		if err != nil {
			var frameErr *transport.FrameError
			if errors.As(err, &frameErr) {
				// Unparseable frame: answer when an id was recoverable,
				// otherwise log and skip.
				if len(frameErr.ID) > 0 {
					s.enqueueResponse(protocol.NewErrorResponse(frameErr.ID, frameErr.Err))
				} else {
					s.logger.Debug("skipped undecodable frame",
						logField("session_id", s.id),
						logField("error", frameErr.Err.Message),
					)
				}
				continue
			}
			if !errors.Is(err, io.EOF) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, transport.ErrClosed) {
				runErr = err
			}
			break
		}
		s.dispatch(runCtx, msg)
	}

	// Teardown: no further writes are attempted; outstanding handlers are
	// cancelled and drained, then the writer stops.
	s.setState(StateClosed)
	s.doneOnce.Do(func() { close(s.done) })
	cancel()
	s.failPendingCalls()
	s.wg.Wait()
	<-s.writerDone
	_ = s.tr.Close()
	return runErr
}

// writeLoop owns the transport's send side. Everything outbound funnels
// through here, so envelopes never interleave.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			// Best-effort drain of already-queued envelopes; the transport
			// may well be gone, which is fine.
			for {
				select {
				case msg := <-s.out:
					_ = s.tr.Send(msg)
				default:
					return
				}
			}
		case msg := <-s.out:
			if err := s.tr.Send(msg); err != nil {
				s.logger.Warn("transport send failed",
					logField("session_id", s.id),
					logField("error", err.Error()),
				)
			}
		}
	}
}

// enqueueResponse queues a response or server-initiated request. It blocks
// under backpressure; responses are never dropped while the session lives.
func (s *Session) enqueueResponse(m protocol.Message) {
	select {
	case <-s.done:
		s.logger.Debug("response dropped after close", logField("session_id", s.id))
	case s.out <- m:
	}
}

// notify queues a notification, best-effort: when the outbound channel is
// full the notification is dropped with a warning rather than blocking the
// producer.
func (s *Session) notify(method string, params any) error {
	n, err := protocol.NewNotification(method, params)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.out <- n:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		s.logger.Warn("notification dropped: outbound channel full",
			logField("session_id", s.id),
			logField("method", method),
		)
		return nil
	}
}

// dispatch routes one inbound envelope.
func (s *Session) dispatch(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Response:
		s.routeResponse(m)
	case *protocol.Notification:
		s.handleNotification(m)
	case *protocol.Request:
		s.handleRequest(ctx, m)
	}
}

// routeResponse matches a response to an outstanding server-initiated
// call. Responses with no matching call are dropped; a response is never
// answered.
func (s *Session) routeResponse(resp *protocol.Response) {
	key := protocol.IDKey(resp.ID)

	s.mu.Lock()
	ch, ok := s.calls[key]
	if ok {
		delete(s.calls, key)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("dropped response with no outstanding call",
			logField("session_id", s.id),
			logField("id", string(resp.ID)),
		)
		return
	}
	ch <- resp
}

// handleNotification runs fire-and-forget: failures are logged, never
// reported to the peer.
func (s *Session) handleNotification(n *protocol.Notification) {
	switch n.Method {
	case protocol.NotificationInitialized:
		s.mu.Lock()
		if s.state == StateInitializing && s.initSeen {
			s.state = StateReady
		} else {
			s.logger.Warn("unexpected initialized notification",
				logField("session_id", s.id),
				logField("state", s.state.String()),
			)
		}
		s.mu.Unlock()

	case protocol.NotificationExit:
		s.cancelRun()

	case protocol.MethodCancelRequest:
		var params protocol.CancelParams
		if err := json.Unmarshal(n.Params, &params); err != nil {
			s.logger.Debug("bad cancel notification", logField("error", err.Error()))
			return
		}
		s.cancelInflight(params.ID)

	case protocol.NotificationRootsListChanged:
		s.mu.Lock()
		s.roots = nil
		s.mu.Unlock()

	default:
		s.logger.Debug("unhandled notification",
			logField("session_id", s.id),
			logField("method", n.Method),
		)
	}
}

// handleRequest gates the request against the lifecycle, registers its
// cancellation token, and spawns the handler goroutine. Every gated-in
// request produces exactly one response.
func (s *Session) handleRequest(ctx context.Context, req *protocol.Request) {
	gateErr, closeAfter := s.gate(req.Method)
	if gateErr != nil {
		s.enqueueResponse(protocol.NewErrorResponse(req.ID, gateErr))
		if closeAfter {
			s.cancelRun()
		}
		return
	}

	key := protocol.IDKey(req.ID)
	s.mu.Lock()
	if _, dup := s.inflight[key]; dup {
		s.mu.Unlock()
		s.enqueueResponse(protocol.NewErrorResponse(req.ID,
			protocol.NewInvalidRequest("duplicate request id")))
		return
	}
	handlerCtx, cancel := context.WithCancel(ctx)
	s.inflight[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		resp := s.runHandler(handlerCtx, req)

		s.mu.Lock()
		delete(s.inflight, key)
		closeAfter := s.closeAfter
		s.closeAfter = false
		s.mu.Unlock()
		cancel()

		if resp != nil {
			s.enqueueResponse(resp)
		}
		if closeAfter {
			s.cancelRun()
		}
	}()
}

// runHandler executes the middleware-wrapped method dispatch and converts
// every outcome into exactly one response. Panics become a generic internal
// error; details go to the log, never to the peer.
func (s *Session) runHandler(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				logField("session_id", s.id),
				logField("method", req.Method),
				logField("panic", fmt.Sprint(r)),
				logField("stack", string(debug.Stack())),
			)
			resp = protocol.NewErrorResponse(req.ID, protocol.NewInternalError("internal error"))
		}
	}()

	ctx = ContextWithSession(ctx, s)

	out, err := s.handler(ctx, req)
	if err == nil {
		if out == nil {
			return protocol.NewErrorResponse(req.ID, protocol.NewInternalError("handler produced no response"))
		}
		return out
	}

	var protoErr *protocol.Error
	switch {
	case errors.As(err, &protoErr):
		return protocol.NewErrorResponse(req.ID, protoErr)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.NewErrorResponse(req.ID, protocol.NewRequestCancelled(""))
	default:
		s.logger.Error("handler failed",
			logField("session_id", s.id),
			logField("method", req.Method),
			logField("error", err.Error()),
		)
		return protocol.NewErrorResponse(req.ID, protocol.NewInternalError("internal error"))
	}
}

// gate enforces the lifecycle table: which methods are legal in which
// state. The second return value requests session close after the error
// response is sent.
func (s *Session) gate(method string) (*protocol.Error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateInitializing:
		if method == protocol.MethodInitialize {
			if s.initSeen {
				return protocol.NewInvalidRequest("initialize already received"), false
			}
			s.initSeen = true
			return nil, false
		}
		if !s.initSeen {
			// The first inbound message must be initialize.
			return protocol.NewInvalidRequest("first request must be initialize"), true
		}
		return protocol.NewNotInitialized(), false

	case StateReady:
		if method == protocol.MethodInitialize {
			return protocol.NewInvalidRequest("initialize already received"), false
		}
		return nil, false

	case StateShuttingDown:
		return protocol.NewInvalidRequest("session is shutting down"), false

	default:
		return protocol.NewInvalidRequest("session is not accepting requests"), false
	}
}

// cancelInflight fires the cancellation token for an outstanding request.
// The token stays registered until its handler winds down; cancelling an
// id that already produced a response is a no-op.
func (s *Session) cancelInflight(id json.RawMessage) {
	s.mu.Lock()
	cancel, ok := s.inflight[protocol.IDKey(id)]
	s.mu.Unlock()

	if ok {
		cancel()
	}
}

// scheduleClose requests teardown after the current response is sent.
func (s *Session) scheduleClose() {
	s.mu.Lock()
	s.closeAfter = true
	s.mu.Unlock()
}

// failPendingCalls unblocks server-initiated calls still waiting on the
// peer.
func (s *Session) failPendingCalls() {
	s.mu.Lock()
	calls := s.calls
	s.calls = make(map[string]chan *protocol.Response)
	s.mu.Unlock()

	for _, ch := range calls {
		close(ch)
	}
}

// call issues a server-initiated request (sampling, roots) and waits for
// the peer's response. The server's id space is distinct from the
// client's.
func (s *Session) call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := json.RawMessage(fmt.Sprintf("%q", fmt.Sprintf("srv-%d", s.callSeq.Add(1))))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	key := protocol.IDKey(id)
	s.mu.Lock()
	s.calls[key] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.calls, key)
		s.mu.Unlock()
	}()

	select {
	case <-s.done:
		return nil, ErrSessionClosed
	case s.out <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return resp, nil
	}
}

// CreateMessage asks the client to sample a completion. It fails unless
// the client declared the sampling capability.
func (s *Session) CreateMessage(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error) {
	if !s.ClientCapabilities().SupportsSampling() {
		return nil, errors.New("client does not support sampling")
	}

	resp, err := s.call(ctx, protocol.MethodSamplingCreateMessage, params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result protocol.CreateMessageResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal sampling result: %w", err)
	}
	return &result, nil
}

// ListRoots asks the client for its workspace roots and caches the answer.
// It fails unless the client declared the roots capability.
func (s *Session) ListRoots(ctx context.Context) (*protocol.ListRootsResult, error) {
	if !s.ClientCapabilities().SupportsRoots() {
		return nil, errors.New("client does not support roots")
	}

	resp, err := s.call(ctx, protocol.MethodRootsList, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var result protocol.ListRootsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal roots result: %w", err)
	}

	s.mu.Lock()
	s.roots = result.Roots
	s.mu.Unlock()
	return &result, nil
}

// Roots returns the cached roots; call ListRoots to populate.
func (s *Session) Roots() []protocol.Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roots
}

// IsSubscribed reports whether the session subscribed to a resource URI.
func (s *Session) IsSubscribed(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[uri]
	return ok
}

// notifyResourceUpdated emits notifications/resources/updated when the
// session subscribed to the URI.
func (s *Session) notifyResourceUpdated(uri string) {
	if !s.IsSubscribed(uri) {
		return
	}
	_ = s.notify(protocol.NotificationResourceUpdated, protocol.ResourceUpdatedParams{URI: uri})
}

// sessionKey is the context key for the session.
type sessionKey struct{}

// ContextWithSession returns a context with the session attached.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFromContext returns the session from context, or nil. Tool
// handlers receive it as a borrowed handle scoped to their request; it
// grants the session's progress sink and log channel, never other
// sessions' state.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionKey{}).(*Session)
	return sess
}
