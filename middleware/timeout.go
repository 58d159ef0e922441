package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/glyphlabs/glyph-go/protocol"
)

// Timeout returns middleware that enforces a request deadline. On expiry
// the request's cancellation signal fires and the handler's outcome is
// reported as a cancellation error.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			resp, err := next(ctx, req)
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, protocol.NewRequestCancelled("request timed out")
			}
			return resp, err
		}
	}
}
