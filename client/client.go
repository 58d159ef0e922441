// Package client provides an MCP client for discovering and invoking the
// capabilities of a peer server over any transport.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/transport"
)

// ErrClosed is returned by calls made after the client closed.
var ErrClosed = errors.New("client closed")

// NotificationHandler receives one server notification.
type NotificationHandler func(n *protocol.Notification)

// SamplingHandler answers the server's sampling/createMessage requests.
type SamplingHandler func(ctx context.Context, params *protocol.CreateMessageParams) (*protocol.CreateMessageResult, error)

// Client is an MCP client over one transport. It owns the initialization
// handshake, correlates responses to requests, and dispatches server
// notifications.
type Client struct {
	tr   transport.Transport
	opts options

	seq atomic.Int64

	mu          sync.Mutex
	pending     map[string]chan *protocol.Response
	serverState *protocol.InitializeResult
	initialized bool

	readDone chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

type options struct {
	info      protocol.Implementation
	caps      protocol.ClientCapabilities
	onNotify  map[string][]NotificationHandler
	sampling  SamplingHandler
	rootsFunc func(ctx context.Context) ([]protocol.Root, error)
}

// Option configures a Client.
type Option func(*options)

// WithClientInfo sets the identity announced at initialize.
func WithClientInfo(name, version string) Option {
	return func(o *options) {
		o.info = protocol.Implementation{Name: name, Version: version}
	}
}

// WithNotificationHandler registers a handler for a notification method.
// Multiple handlers per method are allowed.
func WithNotificationHandler(method string, fn NotificationHandler) Option {
	return func(o *options) {
		o.onNotify[method] = append(o.onNotify[method], fn)
	}
}

// WithSamplingHandler enables the sampling capability and answers the
// server's sampling requests.
func WithSamplingHandler(fn SamplingHandler) Option {
	return func(o *options) {
		o.sampling = fn
		o.caps.Sampling = &protocol.SamplingCapability{}
	}
}

// WithRoots enables the roots capability, served from the given function.
func WithRoots(fn func(ctx context.Context) ([]protocol.Root, error)) Option {
	return func(o *options) {
		o.rootsFunc = fn
		o.caps.Roots = &protocol.RootsCapability{ListChanged: true}
	}
}

// New creates a client over the transport and starts its read loop. Call
// Initialize before anything else.
func New(tr transport.Transport, opts ...Option) *Client {
	o := options{
		info:     protocol.Implementation{Name: "glyph-client", Version: "0.1.0"},
		onNotify: make(map[string][]NotificationHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		tr:       tr,
		opts:     o,
		pending:  make(map[string]chan *protocol.Response),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.readDone)

	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		default:
		}

		msg, err := c.tr.Recv(ctx)
		if err != nil {
			var frameErr *transport.FrameError
			if errors.As(err, &frameErr) {
				continue
			}
			c.failPending()
			return
		}

		switch m := msg.(type) {
		case *protocol.Response:
			c.routeResponse(m)
		case *protocol.Notification:
			for _, fn := range c.opts.onNotify[m.Method] {
				fn(m)
			}
		case *protocol.Request:
			c.handleServerRequest(m)
		}
	}
}

func (c *Client) routeResponse(resp *protocol.Response) {
	key := protocol.IDKey(resp.ID)

	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if ok {
		ch <- resp
	}
}

// handleServerRequest answers server-initiated calls: sampling and roots.
func (c *Client) handleServerRequest(req *protocol.Request) {
	switch req.Method {
	case protocol.MethodSamplingCreateMessage:
		if c.opts.sampling == nil {
			c.respondError(req.ID, protocol.NewMethodNotFound(req.Method))
			return
		}
		var params protocol.CreateMessageParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.respondError(req.ID, protocol.NewInvalidParams(err.Error()))
			return
		}
		go func() {
			result, err := c.opts.sampling(context.Background(), &params)
			if err != nil {
				c.respondError(req.ID, protocol.NewInternalError(err.Error()))
				return
			}
			c.respond(req.ID, result)
		}()

	case protocol.MethodRootsList:
		if c.opts.rootsFunc == nil {
			c.respondError(req.ID, protocol.NewMethodNotFound(req.Method))
			return
		}
		go func() {
			roots, err := c.opts.rootsFunc(context.Background())
			if err != nil {
				c.respondError(req.ID, protocol.NewInternalError(err.Error()))
				return
			}
			c.respond(req.ID, protocol.ListRootsResult{Roots: roots})
		}()

	case protocol.MethodPing:
		c.respond(req.ID, struct{}{})

	default:
		c.respondError(req.ID, protocol.NewMethodNotFound(req.Method))
	}
}

func (c *Client) respond(id json.RawMessage, result any) {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		c.respondError(id, protocol.NewInternalError(err.Error()))
		return
	}
	_ = c.tr.Send(resp)
}

func (c *Client) respondError(id json.RawMessage, perr *protocol.Error) {
	_ = c.tr.Send(protocol.NewErrorResponse(id, perr))
}

func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// call sends one request and waits for its response. When the context ends
// first, a $/cancelRequest for the id is emitted before returning.
func (c *Client) call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}

	id := json.RawMessage(fmt.Sprintf("%d", c.seq.Add(1)))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Response, 1)
	key := protocol.IDKey(id)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.tr.Send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.cancelRemote(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	}
}

// cancelRemote tells the server to abandon an outstanding request.
func (c *Client) cancelRemote(id json.RawMessage) {
	n, err := protocol.NewNotification(protocol.MethodCancelRequest, protocol.CancelParams{ID: id})
	if err != nil {
		return
	}
	_ = c.tr.Send(n)
}

// resultOf unwraps a response into a typed result.
func resultOf[T any](resp *protocol.Response, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	var out T
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &out, nil
}

// Initialize performs the handshake: the initialize request followed by
// the initialized notification.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	result, err := resultOf[protocol.InitializeResult](c.call(ctx, protocol.MethodInitialize,
		protocol.InitializeParams{
			ProtocolVersion: protocol.MCPVersion,
			Capabilities:    c.opts.caps,
			ClientInfo:      c.opts.info,
		}))
	if err != nil {
		return nil, err
	}

	n, err := protocol.NewNotification(protocol.NotificationInitialized, nil)
	if err != nil {
		return nil, err
	}
	if err := c.tr.Send(n); err != nil {
		return nil, fmt.Errorf("send initialized: %w", err)
	}

	c.mu.Lock()
	c.serverState = result
	c.initialized = true
	c.mu.Unlock()
	return result, nil
}

// ServerInfo returns the initialize result, nil before Initialize.
func (c *Client) ServerInfo() *protocol.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverState
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, protocol.MethodPing, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// ListTools fetches one page of tool descriptors. An empty cursor starts
// from the beginning.
func (c *Client) ListTools(ctx context.Context, cursor string) (*protocol.ListToolsResult, error) {
	var params any
	if cursor != "" {
		params = protocol.ListToolsParams{Cursor: cursor}
	}
	return resultOf[protocol.ListToolsResult](c.call(ctx, protocol.MethodToolsList, params))
}

// CallTool invokes a tool. args is marshaled as the arguments object.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*protocol.CallToolResult, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return resultOf[protocol.CallToolResult](c.call(ctx, protocol.MethodToolsCall,
		protocol.CallToolParams{Name: name, Arguments: raw}))
}

// CallToolWithProgress invokes a tool with a progress token attached so
// the server can stream notifications/progress for this call.
func (c *Client) CallToolWithProgress(ctx context.Context, name string, args any, token string) (*protocol.CallToolResult, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"name":  name,
		"_meta": map[string]any{"progressToken": token},
	}
	if raw != nil {
		params["arguments"] = raw
	}
	return resultOf[protocol.CallToolResult](c.call(ctx, protocol.MethodToolsCall, params))
}

// ListResources fetches one page of resource descriptors.
func (c *Client) ListResources(ctx context.Context, cursor string) (*protocol.ListResourcesResult, error) {
	var params any
	if cursor != "" {
		params = protocol.ListResourcesParams{Cursor: cursor}
	}
	return resultOf[protocol.ListResourcesResult](c.call(ctx, protocol.MethodResourcesList, params))
}

// ReadResource reads the contents behind a URI.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]protocol.ResourceContents, error) {
	result, err := resultOf[protocol.ReadResourceResult](c.call(ctx, protocol.MethodResourcesRead,
		protocol.ReadResourceParams{URI: uri}))
	if err != nil {
		return nil, err
	}
	return result.Contents, nil
}

// Subscribe registers for change notifications on a resource URI.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	resp, err := c.call(ctx, protocol.MethodResourcesSubscribe, protocol.SubscribeParams{URI: uri})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Unsubscribe drops a resource subscription.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	resp, err := c.call(ctx, protocol.MethodResourcesUnsubscribe, protocol.SubscribeParams{URI: uri})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// ListPrompts fetches all prompt descriptors.
func (c *Client) ListPrompts(ctx context.Context) (*protocol.ListPromptsResult, error) {
	return resultOf[protocol.ListPromptsResult](c.call(ctx, protocol.MethodPromptsList, nil))
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	return resultOf[protocol.GetPromptResult](c.call(ctx, protocol.MethodPromptsGet,
		protocol.GetPromptParams{Name: name, Arguments: args}))
}

// SetLogLevel sets the session's minimum level for notifications/message.
func (c *Client) SetLogLevel(ctx context.Context, level protocol.LogLevel) error {
	resp, err := c.call(ctx, protocol.MethodLoggingSetLevel, protocol.SetLevelParams{Level: level})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Shutdown asks the server to wind the session down. Follow with Exit.
func (c *Client) Shutdown(ctx context.Context) error {
	resp, err := c.call(ctx, protocol.MethodShutdown, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// Exit sends the exit notification. The server closes the session on
// receipt.
func (c *Client) Exit() error {
	n, err := protocol.NewNotification(protocol.NotificationExit, nil)
	if err != nil {
		return err
	}
	return c.tr.Send(n)
}

// Close tears the client down and releases the transport.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.tr.Close()
		c.failPending()
	})
	return nil
}

func marshalArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	return raw, nil
}
