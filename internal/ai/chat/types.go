// Package chat runs the diagnostic conversation: the model proposes tool
// calls, the loop executes them through the per-run toolset and feeds the
// results back until the model answers or the round budget runs out.
package chat

import (
	"encoding/json"
	"time"
)

// Message is one entry of the conversation replayed to the model.
type Message struct {
	ID         string      `json:"id"`
	Role       string      `json:"role"` // "user", "assistant"
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// ToolCall represents a tool invocation requested by the model
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult is the outcome of a tool call as stored in the conversation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolCallRecord is the immutable log entry of one executed call.
type ToolCallRecord struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments"`
	Result     string                 `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}

// Failed reports whether the call produced an error instead of a result.
func (r ToolCallRecord) Failed() bool {
	return r.Error != ""
}

// StreamEvent is a single event sent to the caller.
type StreamEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StreamCallback is called for each streaming event
type StreamCallback func(event StreamEvent)

// Event types emitted to callers.
const (
	EventContent      = "content"
	EventToolStart    = "tool_start"
	EventToolEnd      = "tool_end"
	EventRound        = "round"
	EventCapabilities = "capabilities"
	EventError        = "error"
	EventDone         = "done"
)

// ContentData is the data for "content" events
type ContentData struct {
	Text string `json:"text"`
}

// ToolStartData is the data for "tool_start" events
type ToolStartData struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"` // JSON string of input parameters
}

// ToolEndData is the data for "tool_end" events
type ToolEndData struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms"`
}

// RoundData is the data for "round" events
type RoundData struct {
	N            int  `json:"n"`
	ToolsEnabled bool `json:"tools_enabled"`
}

// CapabilitiesData describes the toolset a run started with.
type CapabilitiesData struct {
	Tools       []string             `json:"tools"`
	Providers   []string             `json:"providers"`
	Unavailable []UnavailableProvider `json:"unavailable,omitempty"`
}

// UnavailableProvider is a configured provider that did not connect.
type UnavailableProvider struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ErrorData is the data for "error" events
type ErrorData struct {
	Message string `json:"message"`
}

// DoneData is the data for "done" events
type DoneData struct {
	RequestID    string `json:"request_id,omitempty"`
	Rounds       int    `json:"rounds"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// DiagnoseRequest is one diagnostic conversation turn.
type DiagnoseRequest struct {
	Messages []Message `json:"messages"`
}

// RunResult summarizes one completed run of the loop.
type RunResult struct {
	Messages     []Message        `json:"messages"` // messages produced by this run
	ToolCalls    []ToolCallRecord `json:"tool_calls,omitempty"`
	Rounds       int              `json:"rounds"`
	ForcedFinal  bool             `json:"forced_final"`
	InputTokens  int              `json:"input_tokens"`
	OutputTokens int              `json:"output_tokens"`
}

func newEvent(eventType string, data interface{}) StreamEvent {
	raw, _ := json.Marshal(data)
	return StreamEvent{Type: eventType, Data: raw}
}
