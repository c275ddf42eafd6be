// Package providers contains language model client implementations.
package providers

import (
	"context"
)

// Message represents a chat message
type Message struct {
	Role       string      `json:"role"`                  // "user", "assistant"
	Content    string      `json:"content"`               // Text content
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`  // For assistant messages with tool calls
	ToolResult *ToolResult `json:"tool_result,omitempty"` // For user messages with tool results
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Tool represents a tool definition offered to the model
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolChoiceType controls whether the model may call tools.
type ToolChoiceType string

const (
	ToolChoiceAuto ToolChoiceType = "auto"
	ToolChoiceNone ToolChoiceType = "none"
)

// ToolChoice is attached to a request to force or forbid tool use.
type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
}

// ChatRequest represents a request to the model provider
type ChatRequest struct {
	Messages    []Message   `json:"messages"`
	Model       string      `json:"model"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature float64     `json:"temperature,omitempty"`
	System      string      `json:"system,omitempty"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  *ToolChoice `json:"tool_choice,omitempty"`
}

// toolsEnabled reports whether tool definitions should be sent.
func (r ChatRequest) toolsEnabled() bool {
	if r.ToolChoice != nil && r.ToolChoice.Type == ToolChoiceNone {
		return false
	}
	return len(r.Tools) > 0
}

// ChatResponse represents a complete (non-streaming) response
type ChatResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	StopReason   string     `json:"stop_reason,omitempty"` // "end_turn", "tool_use"
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int        `json:"input_tokens,omitempty"`
	OutputTokens int        `json:"output_tokens,omitempty"`
}

// Provider defines the interface for model providers
type Provider interface {
	// Chat sends a chat request and returns the response
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// TestConnection validates the API key and connectivity
	TestConnection(ctx context.Context) error

	// Name returns the provider name
	Name() string
}

// StreamingProvider is a Provider that can stream tokens as they arrive.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) error
}

// StreamEvent is emitted by ChatStream. Data holds one of the *Event types.
type StreamEvent struct {
	Type string      `json:"type"` // "content", "tool_start", "done", "error"
	Data interface{} `json:"data,omitempty"`
}

// StreamCallback receives stream events in emission order.
type StreamCallback func(event StreamEvent)

// ContentEvent carries a text delta.
type ContentEvent struct {
	Text string `json:"text"`
}

// ToolStartEvent marks the beginning of a tool_use block.
type ToolStartEvent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DoneEvent ends a stream and carries the assembled tool calls.
type DoneEvent struct {
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
}

// ErrorEvent reports a provider-side stream failure.
type ErrorEvent struct {
	Message string `json:"message"`
}
