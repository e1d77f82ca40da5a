// Package llm defines the narrow port through which the pipeline talks to
// model providers, plus the adapters that implement it.
package llm

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one tagged chunk of a message. Text blocks carry Text;
// tool_use blocks carry ID, Name and Input; tool_result blocks carry
// ToolUseID and Content.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock is shorthand for a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Message is one turn in a conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText builds a single-block user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// ToolDefinition describes a tool offered to the model. InputSchema is a
// JSON Schema document; adapters pass it through verbatim.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is one model invocation.
type Request struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// Text concatenates the text blocks of the response.
func (r Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the response in order.
func (r Response) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Adapter is a provider binding. Implementations may return an error; the
// Client above them converts failures into the never-raise contract the
// pipeline consumes.
type Adapter interface {
	Call(ctx context.Context, req Request) (Response, error)
}
