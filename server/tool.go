package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/glyphlabs/glyph-go/protocol"
	"github.com/glyphlabs/glyph-go/schema"
)

// Tool is a callable function exposed via MCP: a descriptor plus a handler.
// Registered once, read many; the registry owns it for the process
// lifetime unless deregistered.
type Tool struct {
	name        string
	description string
	scopes      []string
	inputSchema *schema.Schema
	inputType   reflect.Type
	handler     any
	rawHandler  RawToolHandler
	hasContext  bool
}

// RawToolHandler is the low-level handler form: raw JSON arguments in, a
// full result out.
type RawToolHandler func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error)

// Name returns the tool's registry name.
func (t *Tool) Name() string { return t.name }

// Scopes returns the permission labels the policy guard consults.
func (t *Tool) Scopes() []string { return t.scopes }

// InputSchema returns the schema arguments are validated against.
func (t *Tool) InputSchema() *schema.Schema { return t.inputSchema }

// Descriptor returns the wire descriptor for tools/list.
func (t *Tool) Descriptor() protocol.ToolDescriptor {
	var s any
	if t.inputSchema != nil {
		s = t.inputSchema
	} else {
		s = schema.Object(nil)
	}
	return protocol.ToolDescriptor{
		Name:        t.name,
		Description: t.description,
		InputSchema: s,
	}
}

// call runs the handler. Arguments have already passed schema validation.
func (t *Tool) call(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
	if t.rawHandler != nil {
		return t.rawHandler(ctx, args)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	inputPtr := reflect.New(t.inputType)
	if err := json.Unmarshal(args, inputPtr.Interface()); err != nil {
		return nil, protocol.NewInvalidParams(fmt.Sprintf("parse arguments: %v", err))
	}

	fnVal := reflect.ValueOf(t.handler)
	var in []reflect.Value
	if t.hasContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, inputPtr.Elem())

	out := fnVal.Call(in)
	resultVal := out[0].Interface()
	if errVal := out[1].Interface(); errVal != nil {
		return nil, errVal.(error)
	}
	return normalizeToolResult(resultVal)
}

// normalizeToolResult converts a typed handler's return value into the wire
// result shape.
func normalizeToolResult(v any) (*protocol.CallToolResult, error) {
	switch r := v.(type) {
	case *protocol.CallToolResult:
		return r, nil
	case protocol.CallToolResult:
		return &r, nil
	case protocol.ContentList:
		return &protocol.CallToolResult{Content: r}, nil
	case protocol.Content:
		return &protocol.CallToolResult{Content: protocol.ContentList{r}}, nil
	case string:
		return &protocol.CallToolResult{Content: protocol.Text(r)}, nil
	case nil:
		return &protocol.CallToolResult{Content: protocol.ContentList{}}, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal tool result: %w", err)
		}
		return &protocol.CallToolResult{Content: protocol.Text(string(data))}, nil
	}
}

// ToolError builds an application-failure result: the request was fine, the
// operation failed.
func ToolError(text string) *protocol.CallToolResult {
	return &protocol.CallToolResult{
		Content: protocol.Text(text),
		IsError: true,
	}
}

// ToolBuilder provides a fluent API for declaring tools.
type ToolBuilder struct {
	tool   *Tool
	server *Server
	err    error
}

// Description sets the tool description.
func (b *ToolBuilder) Description(desc string) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.description = desc
	return b
}

// Scopes declares the permission labels consulted by the policy guard.
func (b *ToolBuilder) Scopes(scopes ...string) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.scopes = scopes
	return b
}

// Input sets the input schema explicitly. Without it, typed handlers get a
// schema generated from their input struct.
func (b *ToolBuilder) Input(s *schema.Schema) *ToolBuilder {
	if b.err != nil {
		return b
	}
	b.tool.inputSchema = s
	return b
}

// Handler sets a typed handler and registers the tool. The signature must
// be one of:
//
//	func(input T) (R, error)
//	func(ctx context.Context, input T) (R, error)
//
// R may be *protocol.CallToolResult, a ContentList, a Content, a string, or
// any JSON-marshalable value.
func (b *ToolBuilder) Handler(fn any) *ToolBuilder {
	if b.err != nil {
		return b
	}
	if err := b.bindHandler(fn); err != nil {
		b.err = err
		return b
	}
	b.tool.handler = fn
	b.register()
	return b
}

// RawHandler sets a raw-JSON handler and registers the tool. An explicit
// Input schema is required.
func (b *ToolBuilder) RawHandler(fn RawToolHandler) *ToolBuilder {
	if b.err != nil {
		return b
	}
	if b.tool.inputSchema == nil {
		b.err = fmt.Errorf("tool %q: RawHandler requires an Input schema", b.tool.name)
		return b
	}
	b.tool.rawHandler = fn
	b.register()
	return b
}

// Err returns the first registration failure, or nil.
func (b *ToolBuilder) Err() error {
	return b.err
}

func (b *ToolBuilder) register() {
	if err := b.server.RegisterTool(b.tool); err != nil {
		b.err = err
	}
}

func (b *ToolBuilder) bindHandler(fn any) error {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return fmt.Errorf("tool %q: handler must be a function", b.tool.name)
	}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return fmt.Errorf("tool %q: handler must have 1 or 2 parameters, got %d", b.tool.name, numIn)
	}

	inputIdx := 0
	if numIn == 2 {
		ctxType := reflect.TypeOf((*context.Context)(nil)).Elem()
		if !fnType.In(0).Implements(ctxType) {
			return fmt.Errorf("tool %q: first parameter must be context.Context", b.tool.name)
		}
		b.tool.hasContext = true
		inputIdx = 1
	}

	inputType := fnType.In(inputIdx)
	if inputType.Kind() == reflect.Ptr {
		inputType = inputType.Elem()
	}
	b.tool.inputType = inputType

	if b.tool.inputSchema == nil {
		s, err := schema.GenerateFromType(inputType)
		if err != nil {
			return fmt.Errorf("tool %q: generate input schema: %w", b.tool.name, err)
		}
		b.tool.inputSchema = s
	}

	if fnType.NumOut() != 2 {
		return fmt.Errorf("tool %q: handler must return (result, error)", b.tool.name)
	}
	errType := reflect.TypeOf((*error)(nil)).Elem()
	if !fnType.Out(1).Implements(errType) {
		return fmt.Errorf("tool %q: second return value must be error", b.tool.name)
	}

	return nil
}
