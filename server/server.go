// Package server provides the core MCP server: the capability registries,
// the policy gate, and the per-connection session state machine.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glyphlabs/glyph-go/middleware"
	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/transport"
)

// Server hosts the tool, resource, and prompt registries and multiplexes
// any number of concurrent sessions over accepted transports. Registries
// are effectively immutable after start; dynamic registration takes a
// short writer lock and broadcasts the matching list_changed notification.
type Server struct {
	info         protocol.Implementation
	instructions string

	logger   middleware.Logger
	chain    []middleware.Middleware
	guard    Guard
	audit    AuditSink
	consent  ConsentFunc
	pageSize int

	mu          sync.RWMutex
	tools       map[string]*Tool
	toolOrder   []string
	resources   []resourceMount
	prompts     map[string]*Prompt
	promptOrder []string

	sessMu   sync.Mutex
	sessions map[*Session]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the host-side structured logger.
func WithLogger(l middleware.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMiddleware wraps every session's method dispatch with the given
// middleware chain.
func WithMiddleware(m ...middleware.Middleware) Option {
	return func(s *Server) {
		s.chain = append(s.chain, m...)
	}
}

// WithGuard installs the policy guard consulted before every tool call.
func WithGuard(g Guard) Option {
	return func(s *Server) {
		s.guard = g
	}
}

// WithAuditSink installs the audit sink receiving one record per policy
// evaluation.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Server) {
		s.audit = sink
	}
}

// WithConsent attaches the consent sink resolving RequireConsent verdicts.
// Without one, RequireConsent is treated as deny.
func WithConsent(fn ConsentFunc) Option {
	return func(s *Server) {
		s.consent = fn
	}
}

// WithInstructions sets the usage hint returned from initialize.
func WithInstructions(text string) Option {
	return func(s *Server) {
		s.instructions = text
	}
}

// WithPageSize enables pagination on tools/list and resources/list;
// prompts/list always returns every prompt. Zero (the default) returns
// everything in one page with no cursor.
func WithPageSize(n int) Option {
	return func(s *Server) {
		s.pageSize = n
	}
}

// New creates a server with the given identity and options.
func New(info protocol.Implementation, opts ...Option) *Server {
	s := &Server{
		info:     info,
		logger:   middleware.NopLogger{},
		guard:    AllowAll(),
		tools:    make(map[string]*Tool),
		prompts:  make(map[string]*Prompt),
		sessions: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Info returns the server identity.
func (s *Server) Info() protocol.Implementation {
	return s.info
}

// Capabilities returns the subset of capability flags the server actually
// implements, derived from what is registered.
func (s *Server) Capabilities() protocol.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := protocol.ServerCapabilities{
		Logging: &protocol.LoggingCapability{},
	}
	if len(s.tools) > 0 {
		caps.Tools = &protocol.ToolsCapability{ListChanged: true}
	}
	if len(s.resources) > 0 {
		caps.Resources = &protocol.ResourcesCapability{Subscribe: true, ListChanged: true}
	}
	if len(s.prompts) > 0 {
		caps.Prompts = &protocol.PromptsCapability{ListChanged: true}
	}
	return caps
}

// Tool starts building a new tool with the given name.
func (s *Server) Tool(name string) *ToolBuilder {
	return &ToolBuilder{
		tool:   &Tool{name: name},
		server: s,
	}
}

// RegisterTool inserts a tool by name. Duplicate names fail registration.
func (s *Server) RegisterTool(t *Tool) error {
	s.mu.Lock()
	if _, dup := s.tools[t.name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("tool %q already registered", t.name)
	}
	s.tools[t.name] = t
	s.toolOrder = append(s.toolOrder, t.name)
	s.mu.Unlock()

	s.announce(protocol.NotificationToolsListChanged, nil)
	return nil
}

// DeregisterTool removes a tool by name, reporting whether it existed.
func (s *Server) DeregisterTool(name string) bool {
	s.mu.Lock()
	_, ok := s.tools[name]
	if ok {
		delete(s.tools, name)
		for i, n := range s.toolOrder {
			if n == name {
				s.toolOrder = append(s.toolOrder[:i], s.toolOrder[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.announce(protocol.NotificationToolsListChanged, nil)
	}
	return ok
}

// GetTool retrieves a tool by name.
func (s *Server) GetTool(name string) (*Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Tools returns every descriptor in registration order. The order is
// deterministic within a session, as tools/list requires.
func (s *Server) Tools() []protocol.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.ToolDescriptor, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		out = append(out, s.tools[name].Descriptor())
	}
	return out
}

// Resource starts building a static resource at the given URI.
func (s *Server) Resource(uri string) *ResourceBuilder {
	return &ResourceBuilder{
		resource: &StaticResource{info: protocol.Resource{URI: uri}},
		server:   s,
	}
}

// MountResources mounts a provider under a URI prefix. Reads dispatch to
// the first mount whose prefix matches, in mount order.
func (s *Server) MountResources(prefix string, provider ResourceProvider) error {
	s.mu.Lock()
	for _, m := range s.resources {
		if m.prefix == prefix {
			s.mu.Unlock()
			return fmt.Errorf("resource prefix %q already mounted", prefix)
		}
	}
	s.resources = append(s.resources, resourceMount{prefix: prefix, provider: provider})
	s.mu.Unlock()

	s.announce(protocol.NotificationResourcesListChanged, nil)
	return nil
}

// Prompt starts building a new prompt with the given name.
func (s *Server) Prompt(name string) *PromptBuilder {
	return &PromptBuilder{
		prompt: &Prompt{name: name},
		server: s,
	}
}

// RegisterPrompt inserts a prompt by name. Duplicate names fail
// registration.
func (s *Server) RegisterPrompt(p *Prompt) error {
	s.mu.Lock()
	if _, dup := s.prompts[p.name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("prompt %q already registered", p.name)
	}
	s.prompts[p.name] = p
	s.promptOrder = append(s.promptOrder, p.name)
	s.mu.Unlock()

	s.announce(protocol.NotificationPromptsListChanged, nil)
	return nil
}

// GetPrompt retrieves a prompt by name.
func (s *Server) GetPrompt(name string) (*Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[name]
	return p, ok
}

// Prompts returns every descriptor in registration order.
func (s *Server) Prompts() []protocol.PromptDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]protocol.PromptDescriptor, 0, len(s.promptOrder))
	for _, name := range s.promptOrder {
		out = append(out, s.prompts[name].Descriptor())
	}
	return out
}

// Serve accepts transports from the listener until the context is
// canceled, running one session per peer. It returns after every session
// has wound down.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		tr, err := l.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeTransport(ctx, tr); err != nil {
				s.logger.Warn("session ended with error", logField("error", err.Error()))
			}
		}()
	}
}

// ServeTransport runs one session over an accepted transport, blocking
// until the session closes.
func (s *Server) ServeTransport(ctx context.Context, tr transport.Transport) error {
	sess := newSession(s, tr)

	s.sessMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessMu.Unlock()

	defer func() {
		s.sessMu.Lock()
		delete(s.sessions, sess)
		s.sessMu.Unlock()
	}()

	return sess.Run(ctx)
}

// PublishResourceUpdated tells every subscribed session that a resource
// changed. Delivery is best-effort, at most once per change.
func (s *Server) PublishResourceUpdated(uri string) {
	for _, sess := range s.activeSessions() {
		sess.notifyResourceUpdated(uri)
	}
}

// announce broadcasts a notification to every live session.
func (s *Server) announce(method string, params any) {
	for _, sess := range s.activeSessions() {
		if err := sess.notify(method, params); err != nil {
			s.logger.Debug("announce dropped",
				logField("method", method),
				logField("error", err.Error()),
			)
		}
	}
}

func (s *Server) activeSessions() []*Session {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// recordAudit forwards one policy evaluation to the audit sink. Sink
// failures are logged, never propagated.
func (s *Server) recordAudit(rec AuditRecord) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(rec); err != nil {
		s.logger.Error("audit sink failed",
			logField("tool", rec.Tool),
			logField("error", err.Error()),
		)
	}
}

func logField(key string, value any) middleware.Field {
	return middleware.F(key, value)
}
