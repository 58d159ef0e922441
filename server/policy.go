package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/glyphlabs/glyph-go/middleware"
	"github.com/glyphlabs/glyph-go/protocol"
)

// Decision is the outcome of a policy evaluation.
type Decision int

const (
	// DecisionAllow lets the tool handler run.
	DecisionAllow Decision = iota
	// DecisionDeny blocks the call; the caller receives an isError result,
	// not a JSON-RPC error.
	DecisionDeny
	// DecisionRequireConsent defers to the session's consent sink. Without
	// one attached, it resolves to deny.
	DecisionRequireConsent
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	case DecisionRequireConsent:
		return "require_consent"
	default:
		return "unknown"
	}
}

// Verdict carries a decision plus its supporting text: the denial reason or
// the consent prompt.
type Verdict struct {
	Decision Decision
	Reason   string
	Prompt   string
}

// Allow is the verdict that lets the call proceed.
func Allow() Verdict {
	return Verdict{Decision: DecisionAllow}
}

// Deny blocks the call with a user-facing reason.
func Deny(reason string) Verdict {
	return Verdict{Decision: DecisionDeny, Reason: reason}
}

// RequireConsent defers the call to the session's consent sink.
func RequireConsent(prompt string) Verdict {
	return Verdict{Decision: DecisionRequireConsent, Prompt: prompt}
}

// GuardInput is everything a policy backend may consider: the tool, its
// declared scopes, the calling session's identity, and the raw arguments.
type GuardInput struct {
	Tool      string
	Scopes    []string
	SessionID string
	Client    protocol.Implementation
	Identity  *middleware.Identity
	Arguments json.RawMessage
}

// Guard is the policy seam consulted before any tool handler runs. An
// implementation must be deterministic for identical inputs within one
// session.
type Guard interface {
	Evaluate(ctx context.Context, in GuardInput) Verdict
}

// GuardFunc adapts a function to the Guard interface.
type GuardFunc func(ctx context.Context, in GuardInput) Verdict

// Evaluate calls f(ctx, in).
func (f GuardFunc) Evaluate(ctx context.Context, in GuardInput) Verdict {
	return f(ctx, in)
}

// AllowAll is the default guard: every call proceeds.
func AllowAll() Guard {
	return GuardFunc(func(context.Context, GuardInput) Verdict {
		return Allow()
	})
}

// ConsentFunc resolves a RequireConsent verdict. It must answer within the
// handler's deadline.
type ConsentFunc func(ctx context.Context, prompt string) (bool, error)

// AuditRecord is written for every policy evaluation.
type AuditRecord struct {
	Time      time.Time `json:"time"`
	SessionID string    `json:"sessionId"`
	Client    string    `json:"client,omitempty"`
	Tool      string    `json:"tool"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
}

// AuditSink receives audit records. Failures are logged but never block
// tool execution.
type AuditSink interface {
	Record(rec AuditRecord) error
}

// AuditSinkFunc adapts a function to the AuditSink interface.
type AuditSinkFunc func(rec AuditRecord) error

// Record calls f(rec).
func (f AuditSinkFunc) Record(rec AuditRecord) error {
	return f(rec)
}

// LogAuditSink writes audit records to a structured logger.
type LogAuditSink struct {
	Logger middleware.Logger
}

// Record logs the audit entry at info level.
func (s LogAuditSink) Record(rec AuditRecord) error {
	s.Logger.Info("tool audit",
		middleware.F("session_id", rec.SessionID),
		middleware.F("client", rec.Client),
		middleware.F("tool", rec.Tool),
		middleware.F("decision", rec.Decision),
		middleware.F("reason", rec.Reason),
	)
	return nil
}

// RuleAction is what a matched rule does.
type RuleAction int

const (
	// ActionAllow lets matching calls proceed.
	ActionAllow RuleAction = iota
	// ActionDeny blocks matching calls.
	ActionDeny
	// ActionRequireConsent defers matching calls to the consent sink.
	ActionRequireConsent
)

// Rule matches tools by glob pattern and required scopes, and maps them to
// an action. The first matching rule wins.
type Rule struct {
	// Name identifies the rule in audit output.
	Name string
	// Pattern is a glob over tool names, e.g. "fs_*" or "shell_execute".
	Pattern string
	// Scopes, when non-empty, restricts the rule to tools declaring at
	// least one of these scopes.
	Scopes []string
	// Action taken on match.
	Action RuleAction
	// Reason is the denial reason or consent prompt shown to the caller.
	Reason string
}

// RuleGuard evaluates an ordered rule list. Tools matching no rule are
// allowed. Consent grants are remembered per (session, tool) so a user is
// asked once.
type RuleGuard struct {
	rules []compiledRule

	mu      sync.Mutex
	granted map[string]struct{}
}

type compiledRule struct {
	rule    Rule
	matcher glob.Glob
	scopes  map[string]struct{}
}

// NewRuleGuard compiles the rule list. Invalid glob patterns fail
// compilation.
func NewRuleGuard(rules []Rule) (*RuleGuard, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		m, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, err
		}
		cr := compiledRule{rule: r, matcher: m}
		if len(r.Scopes) > 0 {
			cr.scopes = make(map[string]struct{}, len(r.Scopes))
			for _, s := range r.Scopes {
				cr.scopes[s] = struct{}{}
			}
		}
		compiled = append(compiled, cr)
	}
	return &RuleGuard{
		rules:   compiled,
		granted: make(map[string]struct{}),
	}, nil
}

// Evaluate applies the first matching rule.
func (g *RuleGuard) Evaluate(_ context.Context, in GuardInput) Verdict {
	for _, cr := range g.rules {
		if !cr.matcher.Match(in.Tool) {
			continue
		}
		if cr.scopes != nil && !anyScope(cr.scopes, in.Scopes) {
			continue
		}

		switch cr.rule.Action {
		case ActionAllow:
			return Allow()
		case ActionDeny:
			return Deny(cr.rule.Reason)
		case ActionRequireConsent:
			if g.alreadyGranted(in.SessionID, in.Tool) {
				return Allow()
			}
			return RequireConsent(cr.rule.Reason)
		}
	}
	return Allow()
}

// RememberConsent records a granted consent so the same (session, tool)
// pair is not asked again.
func (g *RuleGuard) RememberConsent(sessionID, tool string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.granted[sessionID+"\x00"+tool] = struct{}{}
}

func (g *RuleGuard) alreadyGranted(sessionID, tool string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.granted[sessionID+"\x00"+tool]
	return ok
}

func anyScope(want map[string]struct{}, have []string) bool {
	for _, s := range have {
		if _, ok := want[s]; ok {
			return true
		}
	}
	return false
}
