package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	openaiAPIURL = "https://api.openai.com/v1/chat/completions"
)

// OpenAIClient implements StreamingProvider for OpenAI-compatible chat
// completion endpoints (OpenAI, DeepSeek, Ollama's /v1 API).
type OpenAIClient struct {
	name    string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIClient creates a new OpenAI API client. baseURL may be the full
// completions URL or an API root such as http://localhost:11434/v1.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	return &OpenAIClient{
		name:    "openai",
		apiKey:  apiKey,
		model:   model,
		baseURL: completionsURL(baseURL),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func completionsURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case baseURL == "":
		return openaiAPIURL
	case strings.HasSuffix(baseURL, "/chat/completions"):
		return baseURL
	default:
		return baseURL + "/chat/completions"
	}
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return c.name
}

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   float64              `json:"temperature,omitempty"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	ToolChoice    string               `json:"tool_choice,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		Delta        openaiMessage `json:"delta"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAIClient) buildRequest(req ChatRequest, stream bool) (openaiRequest, error) {
	messages := make([]openaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		switch {
		case m.ToolResult != nil:
			messages = append(messages, openaiMessage{
				Role:       "tool",
				Content:    m.ToolResult.Content,
				ToolCallID: m.ToolResult.ToolUseID,
			})
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			msg := openaiMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Input)
				if err != nil {
					return openaiRequest{}, fmt.Errorf("failed to marshal arguments for %s: %w", tc.Name, err)
				}
				call := openaiToolCall{ID: tc.ID, Type: "function"}
				call.Function.Name = tc.Name
				call.Function.Arguments = string(args)
				msg.ToolCalls = append(msg.ToolCalls, call)
			}
			messages = append(messages, msg)
		default:
			messages = append(messages, openaiMessage{Role: m.Role, Content: m.Content})
		}
	}

	model := req.Model
	if idx := strings.Index(model, ":"); idx > 0 && !strings.Contains(model[:idx], "/") {
		switch model[:idx] {
		case "openai", "deepseek", "ollama":
			model = model[idx+1:]
		}
	}
	if model == "" {
		model = c.model
	}

	out := openaiRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	if req.toolsEnabled() {
		for _, t := range req.Tools {
			out.Tools = append(out.Tools, openaiTool{
				Type:     "function",
				Function: openaiFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
			})
		}
		if req.ToolChoice != nil {
			out.ToolChoice = string(req.ToolChoice.Type)
		}
	}
	return out, nil
}

func (c *OpenAIClient) post(ctx context.Context, body openaiRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var errResp openaiError
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, appendRateLimitInfo(errResp.Error.Message, resp))
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, appendRateLimitInfo(string(respBody), resp))
	}
	return resp, nil
}

// Chat sends a non-streaming chat request
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := c.buildRequest(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := parsed.Choices[0]
	out := &ChatResponse{
		Content:    choice.Message.Content,
		Model:      parsed.Model,
		StopReason: choice.FinishReason,
	}
	if parsed.Usage != nil {
		out.InputTokens = parsed.Usage.PromptTokens
		out.OutputTokens = parsed.Usage.CompletionTokens
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: parseArguments(tc.Function.Arguments)})
	}
	return out, nil
}

// ChatStream sends a chat request and streams the response via callback
func (c *OpenAIClient) ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) error {
	body, err := c.buildRequest(req, true)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	calls := map[int]*pendingCall{}
	var (
		finishReason string
		usage        openaiUsage
		sawDone      bool
	)

	readErr := readSSEData(resp.Body, func(data string) bool {
		if data == "[DONE]" {
			sawDone = true
			return false
		}
		var chunk openaiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Debug().Err(err).Str("data", data).Msg("failed to parse stream chunk")
			return true
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				callback(StreamEvent{Type: "content", Data: ContentEvent{Text: choice.Delta.Content}})
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &pendingCall{}
					calls[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" && pc.name == "" {
					pc.name = tc.Function.Name
					callback(StreamEvent{Type: "tool_start", Data: ToolStartEvent{ID: pc.id, Name: pc.name}})
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
		return true
	})
	if readErr != nil {
		return fmt.Errorf("stream read error: %w", readErr)
	}
	if !sawDone && finishReason == "" {
		return fmt.Errorf("stream ended without finish reason")
	}

	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	var toolCalls []ToolCall
	for _, idx := range indexes {
		pc := calls[idx]
		toolCalls = append(toolCalls, ToolCall{ID: pc.id, Name: pc.name, Input: parseArguments(pc.args.String())})
	}

	stopReason := "end_turn"
	if len(toolCalls) > 0 {
		stopReason = "tool_use"
	}
	callback(StreamEvent{Type: "done", Data: DoneEvent{
		StopReason:   stopReason,
		ToolCalls:    toolCalls,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}})
	return nil
}

func parseArguments(raw string) map[string]interface{} {
	input := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return input
}

// TestConnection validates the API key and connectivity
func (c *OpenAIClient) TestConnection(ctx context.Context) error {
	_, err := c.Chat(ctx, ChatRequest{
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}
