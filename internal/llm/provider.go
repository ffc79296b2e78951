// Package llm defines the provider-agnostic interface for model interactions.
package llm

import "context"

// Provider is the abstraction over any model backend (OpenAI-compatible,
// Anthropic, local inference servers).
type Provider interface {
	// SendMessage sends a conversation to the model and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request represents a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64         // nil = provider default
	Tools        []ToolDefinition // nil = no tool use
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Message is a single turn in the conversation. All content is structured:
// a plain text turn is a message with one text block.
type Message struct {
	Role   Role
	Blocks []ContentBlock
}

// UserText builds a user message holding one text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{TextBlock(text)}}
}

// AssistantMessage builds an assistant message from the given blocks.
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ToolResults builds the user message carrying tool results back to the
// model. Result order must match the order of the tool_use blocks that
// requested them.
func ToolResults(blocks ...ContentBlock) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

// Text returns the concatenated text from all text blocks.
func (m *Message) Text() string {
	var s string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// Block types for ContentBlock.Type.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged union representing a piece of message content.
// The Type field determines which other fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	// text block fields
	Text string `json:"text,omitempty"`

	// tool_use block fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Response is what the model returns.
type Response struct {
	Blocks     []ContentBlock
	Usage      Usage
	StopReason string // "end_turn", "tool_use", "max_tokens"
}

// Text returns the concatenated text content of the response.
func (r *Response) Text() string {
	var s string
	for _, b := range r.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// HasToolUse reports whether the model is requesting tool execution. Some
// OpenAI-compatible backends mislabel finish_reason, so the presence of
// tool_use blocks counts too.
func (r *Response) HasToolUse() bool {
	return r.StopReason == "tool_use" || len(r.ToolUseBlocks()) > 0
}

// ToolUseBlocks returns only the tool_use content blocks, in response order.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.Blocks {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Usage tracks token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates another usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
