package protocol

import "encoding/json"

// Implementation identifies a peer by name and version.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ListToolsParams accepts an optional pagination cursor.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ToolDescriptor describes one registered tool.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema"`
}

// ListToolsResult is the reply to tools/list.
type ListToolsResult struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// CallToolParams is the payload of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the reply to tools/call. IsError marks an application
// failure; protocol failures surface as JSON-RPC errors instead.
type CallToolResult struct {
	Content ContentList    `json:"content"`
	IsError bool           `json:"isError,omitempty"`
	Meta    map[string]any `json:"_meta,omitempty"`
}

// Resource describes one listed resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesParams accepts an optional pagination cursor.
type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult is the reply to resources/list.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams is the payload of resources/read.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the reply to resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// SubscribeParams is the payload of resources/subscribe and unsubscribe.
type SubscribeParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is the payload of notifications/resources/updated.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// PromptArgument declares one argument of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptDescriptor describes one registered prompt.
type PromptDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult is the reply to prompts/list.
type ListPromptsResult struct {
	Prompts []PromptDescriptor `json:"prompts"`
}

// GetPromptParams is the payload of prompts/get.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Role identifies the speaker of a prompt or sampling message.
type Role string

// Prompt message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PromptMessage is one rendered (role, content) tuple.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// UnmarshalJSON decodes the content part by its type tag.
func (m *PromptMessage) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	content, err := DecodeContent(aux.Content)
	if err != nil {
		return err
	}
	m.Role = aux.Role
	m.Content = content
	return nil
}

// GetPromptResult is the reply to prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// SetLevelParams is the payload of logging/setLevel.
type SetLevelParams struct {
	Level LogLevel `json:"level"`
}

// LoggingMessageParams is the payload of notifications/message.
type LoggingMessageParams struct {
	Level  LogLevel `json:"level"`
	Logger string   `json:"logger,omitempty"`
	Data   any      `json:"data"`
}

// CancelParams is the payload of $/cancelRequest.
type CancelParams struct {
	ID     json.RawMessage `json:"id"`
	Reason string          `json:"reason,omitempty"`
}

// ProgressParams is the payload of notifications/progress. The token is
// preserved raw: callers may supply a string or an integer.
type ProgressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         *float64        `json:"total,omitempty"`
	Message       string          `json:"message,omitempty"`
}

// ExtractProgressToken pulls _meta.progressToken out of request params.
// Returns nil when absent.
func ExtractProgressToken(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return nil
	}
	var probe struct {
		Meta struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return nil
	}
	return probe.Meta.ProgressToken
}

// SamplingMessage is one message in a sampling conversation.
type SamplingMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// UnmarshalJSON decodes the content part by its type tag.
func (m *SamplingMessage) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	content, err := DecodeContent(aux.Content)
	if err != nil {
		return err
	}
	m.Role = aux.Role
	m.Content = content
	return nil
}

// CreateMessageParams is the payload of sampling/createMessage.
type CreateMessageParams struct {
	Messages     []SamplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
}

// CreateMessageResult is the client's sampling reply.
type CreateMessageResult struct {
	Role       Role   `json:"role"`
	Content    Content `json:"-"`
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
}

// MarshalJSON emits the tagged content part inline.
func (r CreateMessageResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Role       Role    `json:"role"`
		Content    Content `json:"content"`
		Model      string  `json:"model,omitempty"`
		StopReason string  `json:"stopReason,omitempty"`
	}{r.Role, r.Content, r.Model, r.StopReason})
}

// UnmarshalJSON decodes the content part by its type tag.
func (r *CreateMessageResult) UnmarshalJSON(data []byte) error {
	var aux struct {
		Role       Role            `json:"role"`
		Content    json.RawMessage `json:"content"`
		Model      string          `json:"model"`
		StopReason string          `json:"stopReason"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	content, err := DecodeContent(aux.Content)
	if err != nil {
		return err
	}
	r.Role = aux.Role
	r.Content = content
	r.Model = aux.Model
	r.StopReason = aux.StopReason
	return nil
}

// Root is one filesystem or workspace root exposed by the client.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsResult is the client's reply to roots/list.
type ListRootsResult struct {
	Roots []Root `json:"roots"`
}
