// Package protocol defines the MCP JSON-RPC 2.0 envelope types, the codec,
// error codes, method constants, capability flags, and the content-part sum
// type shared by tool results, prompt messages, and resource reads.
//
// This is the lowest layer of glyph-go. Most users should use the root glyph
// package instead.
//
// # Envelopes
//
// A Message is one of three shapes:
//
//	*Request      id + method + optional params
//	*Response     id + exactly one of result or error
//	*Notification method + optional params, no id
//
// Decode treats method without id as a Notification, method with id as a
// Request, and id with result or error as a Response, in that order, and
// preserves numeric ids without float conversion. Encode never emits null-valued optional fields: absent and null
// are not the same thing in JSON-RPC.
//
// # Error codes
//
// Standard JSON-RPC 2.0 codes plus the MCP additions:
//
//	CodeParseError       = -32700
//	CodeInvalidRequest   = -32600
//	CodeMethodNotFound   = -32601
//	CodeInvalidParams    = -32602
//	CodeInternalError    = -32603
//	CodeNotInitialized   = -32000
//	CodeResourceNotFound = -32002
//	CodeRequestCancelled = -32800
package protocol
