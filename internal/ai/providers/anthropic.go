package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	anthropicAPIURL      = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion  = "2023-06-01"
	defaultClientTimeout = 5 * time.Minute
	defaultMaxTokens     = 4096
)

// AnthropicClient implements StreamingProvider for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewAnthropicClient creates a new Anthropic API client. An empty baseURL
// uses the public endpoint; timeout <= 0 uses five minutes.
func NewAnthropicClient(apiKey, model, baseURL string, timeout time.Duration) *AnthropicClient {
	if baseURL == "" {
		baseURL = anthropicAPIURL
	}
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	Messages    []anthropicMessage   `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	System      string               `json:"system,omitempty"`
	Temperature float64              `json:"temperature,omitempty"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []anthropicContent
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type      string                 `json:"type"` // "text", "tool_use", "tool_result"
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (c *AnthropicClient) buildRequest(req ChatRequest, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			continue
		case m.ToolResult != nil:
			messages = append(messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolResult.ToolUseID,
					Content:   m.ToolResult.Content,
					IsError:   m.ToolResult.IsError,
				}},
			})
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			blocks := make([]anthropicContent, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			messages = append(messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			messages = append(messages, anthropicMessage{Role: m.Role, Content: m.Content})
		}
	}

	model := strings.TrimPrefix(req.Model, "anthropic:")
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	out := anthropicRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		System:      req.System,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	// Anthropic rejects tool_choice without tools, so "none" drops both.
	if req.toolsEnabled() {
		out.Tools = make([]anthropicTool, len(req.Tools))
		for i, t := range req.Tools {
			out.Tools[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
		}
		if req.ToolChoice != nil {
			out.ToolChoice = &anthropicToolChoice{Type: string(req.ToolChoice.Type)}
		}
	}
	return out
}

func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var errResp anthropicError
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, appendRateLimitInfo(errResp.Error.Message, resp))
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, appendRateLimitInfo(string(respBody), resp))
	}
	return resp, nil
}

// Chat sends a non-streaming request to the Messages API
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := &ChatResponse{
		Model:        parsed.Model,
		StopReason:   parsed.StopReason,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	out.Content = text.String()
	return out, nil
}

// ChatStream sends a chat request and streams the response via callback
func (c *AnthropicClient) ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) error {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var (
		toolCalls        []ToolCall
		currentToolID    string
		currentToolName  string
		currentToolInput strings.Builder
		inputTokens      int
		outputTokens     int
		streamErr        error
		done             bool
	)

	readErr := readSSEData(resp.Body, func(data string) bool {
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			log.Debug().Err(err).Str("data", data).Msg("failed to parse stream event")
			return true
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				inputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				currentToolID = event.ContentBlock.ID
				currentToolName = event.ContentBlock.Name
				currentToolInput.Reset()
				callback(StreamEvent{Type: "tool_start", Data: ToolStartEvent{ID: currentToolID, Name: currentToolName}})
			}

		case "content_block_delta":
			if event.Delta == nil {
				return true
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					callback(StreamEvent{Type: "content", Data: ContentEvent{Text: event.Delta.Text}})
				}
			case "input_json_delta":
				currentToolInput.WriteString(event.Delta.PartialJSON)
			}

		case "content_block_stop":
			if currentToolID == "" {
				return true
			}
			input := map[string]interface{}{}
			if raw := currentToolInput.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					input = map[string]interface{}{"raw": raw}
				}
			}
			toolCalls = append(toolCalls, ToolCall{ID: currentToolID, Name: currentToolName, Input: input})
			currentToolID = ""
			currentToolName = ""

		case "message_delta":
			if event.Usage != nil {
				outputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			stopReason := "end_turn"
			if len(toolCalls) > 0 {
				stopReason = "tool_use"
			}
			callback(StreamEvent{Type: "done", Data: DoneEvent{
				StopReason:   stopReason,
				ToolCalls:    toolCalls,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}})
			done = true
			return false

		case "error":
			msg := "stream error from Anthropic"
			if event.Error != nil && event.Error.Message != "" {
				msg = event.Error.Message
			}
			callback(StreamEvent{Type: "error", Data: ErrorEvent{Message: msg}})
			streamErr = fmt.Errorf("stream error: %s", msg)
			return false
		}
		return true
	})

	if streamErr != nil {
		return streamErr
	}
	if readErr != nil {
		return fmt.Errorf("stream read error: %w", readErr)
	}
	if !done {
		return fmt.Errorf("stream ended before message_stop")
	}
	return nil
}

// TestConnection sends a minimal request to validate credentials.
func (c *AnthropicClient) TestConnection(ctx context.Context) error {
	_, err := c.Chat(ctx, ChatRequest{
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}
