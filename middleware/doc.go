// Package middleware provides middleware utilities for MCP request
// handling. Middleware wrap the session's method dispatch:
//
//	srv := server.New(info, server.WithMiddleware(
//	    middleware.Recover(),
//	    middleware.RequestID(),
//	    middleware.Logging(logger),
//	))
//
// DefaultStack returns the recommended production chain. The Logger
// interface decouples the package from any logging backend; ZerologLogger
// adapts rs/zerolog for production use and NopLogger discards everything.
package middleware
