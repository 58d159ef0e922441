package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/glyphlabs/glyph-go/middleware"
	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/schema"
)

// dispatchMethod routes one gated-in request to its method handler. It is
// the innermost link of the session's middleware chain.
func (s *Session) dispatchMethod(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	switch req.Method {
	case protocol.MethodInitialize:
		return s.handleInitialize(req)
	case protocol.MethodShutdown:
		return s.handleShutdown(req)
	case protocol.MethodPing:
		return protocol.NewResponse(req.ID, struct{}{})
	case protocol.MethodToolsList:
		return s.handleToolsList(req)
	case protocol.MethodToolsCall:
		return s.handleToolsCall(ctx, req)
	case protocol.MethodResourcesList:
		return s.handleResourcesList(ctx, req)
	case protocol.MethodResourcesRead:
		return s.handleResourcesRead(ctx, req)
	case protocol.MethodResourcesSubscribe:
		return s.handleSubscribe(req, true)
	case protocol.MethodResourcesUnsubscribe:
		return s.handleSubscribe(req, false)
	case protocol.MethodPromptsList:
		return s.handlePromptsList(req)
	case protocol.MethodPromptsGet:
		return s.handlePromptsGet(ctx, req)
	case protocol.MethodLoggingSetLevel:
		return s.handleSetLevel(req)
	case protocol.MethodCancelRequest:
		return s.handleCancelRequest(req)
	default:
		s.logger.Debug("method not found",
			logField("session_id", s.id),
			logField("method", req.Method),
		)
		return nil, protocol.NewMethodNotFound(req.Method)
	}
}

func (s *Session) handleInitialize(req *protocol.Request) (*protocol.Response, error) {
	var params protocol.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		// A broken handshake is unrecoverable for this session.
		s.scheduleClose()
		return nil, protocol.NewInvalidParams("parse initialize params: " + err.Error())
	}

	negotiated := protocol.NegotiateVersion(params.ProtocolVersion)

	s.mu.Lock()
	s.clientInfo = params.ClientInfo
	s.clientCaps = params.Capabilities
	s.negotiated = negotiated
	s.mu.Unlock()

	s.logger.Info("session initializing",
		logField("session_id", s.id),
		logField("client", params.ClientInfo.Name),
		logField("client_version", params.ClientInfo.Version),
		logField("protocol_version", negotiated),
	)

	result := protocol.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    s.srv.Capabilities(),
		ServerInfo:      s.srv.Info(),
		Instructions:    s.srv.instructions,
	}
	return protocol.NewResponse(req.ID, result)
}

func (s *Session) handleShutdown(req *protocol.Request) (*protocol.Response, error) {
	s.setState(StateShuttingDown)
	s.logger.Info("session shutting down", logField("session_id", s.id))
	return protocol.NewResponse(req.ID, struct{}{})
}

func (s *Session) handleToolsList(req *protocol.Request) (*protocol.Response, error) {
	var params protocol.ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParams("parse tools/list params: " + err.Error())
		}
	}

	tools, next, perr := paginate(s.srv.Tools(), params.Cursor, s.srv.pageSize)
	if perr != nil {
		return nil, perr
	}
	return protocol.NewResponse(req.ID, protocol.ListToolsResult{
		Tools:      tools,
		NextCursor: next,
	})
}

func (s *Session) handleToolsCall(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params protocol.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams("parse tools/call params: " + err.Error())
	}

	tool, ok := s.srv.GetTool(params.Name)
	if !ok {
		return nil, protocol.NewInvalidParams("unknown tool: " + params.Name)
	}

	if errs := s.validateArguments(tool, params.Arguments); errs != nil {
		return nil, errs
	}

	verdict := s.evaluatePolicy(ctx, tool, params.Arguments)
	switch verdict.Decision {
	case DecisionDeny:
		reason := verdict.Reason
		if reason == "" {
			reason = "denied by policy"
		}
		// An application failure, not a protocol error: the session stays up.
		return protocol.NewResponse(req.ID, ToolError("tool call denied: "+reason))
	case DecisionRequireConsent:
		granted, err := s.resolveConsent(ctx, tool, verdict.Prompt)
		if err != nil {
			return nil, err
		}
		if !granted {
			return protocol.NewResponse(req.ID, ToolError("tool call denied: consent not granted"))
		}
	}

	callCtx := ctx
	if token := protocol.ExtractProgressToken(req.Params); len(token) > 0 {
		callCtx = ContextWithProgress(callCtx, newProgressReporter(token, s))
	}

	s.logger.Debug("invoking tool",
		logField("session_id", s.id),
		logField("tool", params.Name),
		logField("arguments", string(RedactArguments(params.Arguments))),
	)

	result, err := tool.call(callCtx, params.Arguments)
	if err != nil {
		var protoErr *protocol.Error
		switch {
		case errors.As(err, &protoErr):
			return nil, protoErr
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			// The request was fine; the operation failed.
			return protocol.NewResponse(req.ID, ToolError(err.Error()))
		}
	}
	return protocol.NewResponse(req.ID, result)
}

// validateArguments checks tool arguments against the input schema,
// reporting the offending property paths in the error data.
func (s *Session) validateArguments(tool *Tool, args json.RawMessage) *protocol.Error {
	inputSchema := tool.InputSchema()
	if inputSchema == nil {
		return nil
	}
	err := inputSchema.Validate(args)
	if err == nil {
		return nil
	}

	var errs schema.ValidationErrors
	if errors.As(err, &errs) {
		return protocol.NewInvalidParams(
			fmt.Sprintf("invalid arguments for tool %q: %s", tool.Name(), errs.Error())).
			WithData(map[string]any{"paths": errs.Paths()})
	}
	return protocol.NewInvalidParams(err.Error())
}

// evaluatePolicy consults the guard and writes the audit record. Every
// evaluation audits, including allows.
func (s *Session) evaluatePolicy(ctx context.Context, tool *Tool, args json.RawMessage) Verdict {
	in := GuardInput{
		Tool:      tool.Name(),
		Scopes:    tool.Scopes(),
		SessionID: s.id,
		Client:    s.ClientInfo(),
		Identity:  middleware.IdentityFromContext(ctx),
		Arguments: args,
	}
	verdict := s.srv.guard.Evaluate(ctx, in)

	s.srv.recordAudit(AuditRecord{
		Time:      time.Now().UTC(),
		SessionID: s.id,
		Client:    in.Client.Name,
		Tool:      in.Tool,
		Decision:  verdict.Decision.String(),
		Reason:    verdict.Reason,
	})
	return verdict
}

// resolveConsent resolves a RequireConsent verdict against the consent
// sink. No sink means deny.
func (s *Session) resolveConsent(ctx context.Context, tool *Tool, prompt string) (bool, error) {
	if s.srv.consent == nil {
		s.logger.Warn("consent required but no consent sink attached",
			logField("session_id", s.id),
			logField("tool", tool.Name()),
		)
		return false, nil
	}

	granted, err := s.srv.consent(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		s.logger.Error("consent sink failed",
			logField("session_id", s.id),
			logField("tool", tool.Name()),
			logField("error", err.Error()),
		)
		return false, nil
	}

	if granted {
		if rg, ok := s.srv.guard.(*RuleGuard); ok {
			rg.RememberConsent(s.id, tool.Name())
		}
	}
	return granted, nil
}

func (s *Session) handleResourcesList(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params protocol.ListResourcesParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewInvalidParams("parse resources/list params: " + err.Error())
		}
	}

	all, err := s.srv.listResources(ctx)
	if err != nil {
		return nil, protocol.NewInternalError("list resources: " + err.Error())
	}
	page, next, perr := paginate(all, params.Cursor, s.srv.pageSize)
	if perr != nil {
		return nil, perr
	}
	return protocol.NewResponse(req.ID, protocol.ListResourcesResult{
		Resources:  page,
		NextCursor: next,
	})
}

func (s *Session) handleResourcesRead(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params protocol.ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams("parse resources/read params: " + err.Error())
	}

	provider, ok := s.srv.findResourceProvider(params.URI)
	if !ok {
		return nil, protocol.NewResourceNotFound("resource not found: " + params.URI)
	}

	contents, err := provider.Read(ctx, params.URI)
	if err != nil {
		var protoErr *protocol.Error
		switch {
		case errors.As(err, &protoErr):
			return nil, protoErr
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, protocol.NewInternalError("read resource: " + err.Error())
		}
	}
	return protocol.NewResponse(req.ID, protocol.ReadResourceResult{Contents: contents})
}

func (s *Session) handleSubscribe(req *protocol.Request, subscribe bool) (*protocol.Response, error) {
	if !s.srv.Capabilities().SupportsResourceSubscriptions() {
		return nil, protocol.NewMethodNotFound(req.Method)
	}

	var params protocol.SubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams("parse subscribe params: " + err.Error())
	}
	if params.URI == "" {
		return nil, protocol.NewInvalidParams("uri is required")
	}

	s.mu.Lock()
	if subscribe {
		s.subs[params.URI] = struct{}{}
	} else {
		delete(s.subs, params.URI)
	}
	s.mu.Unlock()

	return protocol.NewResponse(req.ID, struct{}{})
}

func (s *Session) handlePromptsList(req *protocol.Request) (*protocol.Response, error) {
	return protocol.NewResponse(req.ID, protocol.ListPromptsResult{
		Prompts: s.srv.Prompts(),
	})
}

func (s *Session) handlePromptsGet(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	var params protocol.GetPromptParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams("parse prompts/get params: " + err.Error())
	}

	prompt, ok := s.srv.GetPrompt(params.Name)
	if !ok {
		return nil, protocol.NewInvalidParams("unknown prompt: " + params.Name)
	}

	result, err := prompt.get(ctx, params.Arguments)
	if err != nil {
		var protoErr *protocol.Error
		if errors.As(err, &protoErr) {
			return nil, protoErr
		}
		return nil, protocol.NewInternalError("render prompt: " + err.Error())
	}
	return protocol.NewResponse(req.ID, result)
}

func (s *Session) handleSetLevel(req *protocol.Request) (*protocol.Response, error) {
	var params protocol.SetLevelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams("parse logging/setLevel params: " + err.Error())
	}
	if !protocol.ValidLogLevel(params.Level) {
		return nil, protocol.NewInvalidParams(fmt.Sprintf("unknown log level %q", params.Level))
	}

	// Level is session-scoped; other sessions keep their own.
	s.mu.Lock()
	s.logLevel = params.Level
	s.mu.Unlock()

	return protocol.NewResponse(req.ID, struct{}{})
}

// handleCancelRequest covers peers that send $/cancelRequest as a request
// rather than a notification.
func (s *Session) handleCancelRequest(req *protocol.Request) (*protocol.Response, error) {
	var params protocol.CancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewInvalidParams("parse cancel params: " + err.Error())
	}
	s.cancelInflight(params.ID)
	return protocol.NewResponse(req.ID, struct{}{})
}

// paginate slices a listing by cursor. With no page size everything comes
// back in one page; a supplied cursor is still honored as an offset.
func paginate[T any](items []T, cursor string, pageSize int) ([]T, string, *protocol.Error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", protocol.NewInvalidParams("invalid cursor: " + cursor)
		}
		offset = n
	}
	if offset > len(items) {
		offset = len(items)
	}

	rest := items[offset:]
	if pageSize <= 0 || len(rest) <= pageSize {
		return rest, "", nil
	}
	return rest[:pageSize], strconv.Itoa(offset + pageSize), nil
}
