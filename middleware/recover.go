package middleware

import (
	"context"
	"runtime/debug"

	"github.com/glyphlabs/glyph-go/protocol"
)

// PanicHandler is called when a panic is recovered.
type PanicHandler func(ctx context.Context, req *protocol.Request, panicVal any) (*protocol.Response, error)

// Recover returns middleware that catches panics and converts them to
// internal errors. The panic value and stack are logged, never returned to
// the peer.
func Recover(opts ...RecoverOption) Middleware {
	cfg := &recoverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := cfg.handler
	if handler == nil {
		handler = func(_ context.Context, req *protocol.Request, panicVal any) (*protocol.Response, error) {
			if cfg.logger != nil {
				cfg.logger.Error("handler panic",
					F("method", req.Method),
					F("panic", panicVal),
					F("stack", string(debug.Stack())),
				)
			}
			return nil, protocol.NewInternalError("internal error")
		}
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (resp *protocol.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp, err = handler(ctx, req, r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// RecoverOption configures the recovery middleware.
type RecoverOption func(*recoverConfig)

type recoverConfig struct {
	logger  Logger
	handler PanicHandler
}

// WithRecoverLogger sets the logger receiving panic details.
func WithRecoverLogger(l Logger) RecoverOption {
	return func(c *recoverConfig) {
		c.logger = l
	}
}

// WithPanicHandler replaces the default panic conversion, for custom
// alerting.
func WithPanicHandler(h PanicHandler) RecoverOption {
	return func(c *recoverConfig) {
		c.handler = h
	}
}
