package server

import (
	"context"
	"fmt"

	"github.com/glyphlabs/glyph-go/protocol"
)

// PromptRenderer produces the message list for a prompt given its
// arguments.
type PromptRenderer func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error)

// Prompt is a named message template with declared arguments.
type Prompt struct {
	name        string
	description string
	arguments   []protocol.PromptArgument
	render      PromptRenderer
}

// Name returns the prompt's registry name.
func (p *Prompt) Name() string { return p.name }

// Descriptor returns the wire descriptor for prompts/list.
func (p *Prompt) Descriptor() protocol.PromptDescriptor {
	return protocol.PromptDescriptor{
		Name:        p.name,
		Description: p.description,
		Arguments:   p.arguments,
	}
}

// get renders the prompt after checking required arguments.
func (p *Prompt) get(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error) {
	for _, arg := range p.arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			return nil, protocol.NewInvalidParams(
				fmt.Sprintf("missing required argument %q", arg.Name)).
				WithData(map[string]any{"argument": arg.Name})
		}
	}

	result, err := p.render(ctx, args)
	if err != nil {
		return nil, err
	}
	if result.Description == "" {
		result.Description = p.description
	}
	return result, nil
}

// PromptBuilder provides a fluent API for declaring prompts.
type PromptBuilder struct {
	prompt *Prompt
	server *Server
	err    error
}

// Description sets the prompt description.
func (b *PromptBuilder) Description(desc string) *PromptBuilder {
	b.prompt.description = desc
	return b
}

// Argument declares one prompt argument.
func (b *PromptBuilder) Argument(name, description string, required bool) *PromptBuilder {
	b.prompt.arguments = append(b.prompt.arguments, protocol.PromptArgument{
		Name:        name,
		Description: description,
		Required:    required,
	})
	return b
}

// Render sets the renderer and registers the prompt.
func (b *PromptBuilder) Render(fn PromptRenderer) *PromptBuilder {
	if b.err != nil {
		return b
	}
	b.prompt.render = fn
	if err := b.server.RegisterPrompt(b.prompt); err != nil {
		b.err = err
	}
	return b
}

// Err returns the first registration failure, or nil.
func (b *PromptBuilder) Err() error {
	return b.err
}

// UserMessage builds a user-role prompt message from text.
func UserMessage(text string) protocol.PromptMessage {
	return protocol.PromptMessage{
		Role:    protocol.RoleUser,
		Content: protocol.TextContent{Text: text},
	}
}

// SystemMessage builds a system-role prompt message from text.
func SystemMessage(text string) protocol.PromptMessage {
	return protocol.PromptMessage{
		Role:    protocol.RoleSystem,
		Content: protocol.TextContent{Text: text},
	}
}

// AssistantMessage builds an assistant-role prompt message from text.
func AssistantMessage(text string) protocol.PromptMessage {
	return protocol.PromptMessage{
		Role:    protocol.RoleAssistant,
		Content: protocol.TextContent{Text: text},
	}
}
