package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/netdiag/internal/ai/providers"
	"github.com/rcourtman/netdiag/internal/ai/tools"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

const (
	DefaultMaxRounds          = 8
	DefaultMaxContextMessages = 40
	DefaultMaxToolResultChars = 16000
	DefaultMaxTokens          = 4096

	maxParallelTools = 4
)

// LoopConfig bounds a run of the loop.
type LoopConfig struct {
	Model              string
	MaxTokens          int
	MaxRounds          int // model calls per run, the last one without tools
	MaxContextMessages int
	MaxToolResultChars int
	SystemPrompt       string
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.MaxContextMessages <= 0 {
		c.MaxContextMessages = DefaultMaxContextMessages
	}
	if c.MaxToolResultChars <= 0 {
		c.MaxToolResultChars = DefaultMaxToolResultChars
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// AgenticLoop handles the tool-calling loop with streaming
type AgenticLoop struct {
	provider providers.StreamingProvider
	cfg      LoopConfig
	metrics  *ChatMetrics
}

// NewAgenticLoop creates a new agentic loop
func NewAgenticLoop(provider providers.StreamingProvider, cfg LoopConfig) *AgenticLoop {
	return &AgenticLoop{
		provider: provider,
		cfg:      cfg.withDefaults(),
		metrics:  GetChatMetrics(),
	}
}

// Run drives the conversation until the model stops requesting tools or
// the round budget is spent. At most MaxRounds model calls are made and the
// last one has tools disabled. The toolset is closed exactly once before Run
// returns, on every path.
func (a *AgenticLoop) Run(ctx context.Context, ts Toolset, history []Message, callback StreamCallback) (result *RunResult, err error) {
	fsm := NewRunFSM(ts.CloseAll)
	defer func() {
		if closeErr := fsm.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Toolset cleanup reported errors")
		}
		a.metrics.RecordRun(a.provider.Name(), runOutcome(err))
	}()

	emit := serialize(callback)
	result = &RunResult{}
	conversation := append([]Message(nil), history...)
	toolDefs := providerTools(ts.Descriptors())

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		forced := result.Rounds >= a.cfg.MaxRounds-1
		toolsEnabled := !forced && len(toolDefs) > 0
		if err := fsm.Transition(StateAwaitingModel); err != nil {
			return result, err
		}
		emit(newEvent(EventRound, RoundData{N: result.Rounds + 1, ToolsEnabled: toolsEnabled}))

		req := providers.ChatRequest{
			Messages:  a.providerMessages(conversation),
			Model:     a.cfg.Model,
			MaxTokens: a.cfg.MaxTokens,
			System:    a.cfg.SystemPrompt,
		}
		if toolsEnabled {
			req.Tools = toolDefs
		} else if forced {
			req.ToolChoice = &providers.ToolChoice{Type: providers.ToolChoiceNone}
			a.metrics.RecordForcedFinal(a.provider.Name())
			log.Warn().Int("max_rounds", a.cfg.MaxRounds).Msg("Round budget exhausted, forcing final answer")
		}

		log.Debug().
			Int("round", result.Rounds+1).
			Int("messages", len(req.Messages)).
			Int("tools", len(req.Tools)).
			Msg("[AgenticLoop] Starting round")

		turn, err := a.streamRound(ctx, req, fsm, emit)
		result.Rounds++
		a.metrics.RecordRound(a.provider.Name())
		if err != nil {
			return result, err
		}
		result.InputTokens += turn.inputTokens
		result.OutputTokens += turn.outputTokens

		calls := turn.toolCalls
		if !toolsEnabled && len(calls) > 0 {
			log.Warn().Int("tool_calls", len(calls)).Msg("Model requested tools with tools disabled, ignoring")
			calls = nil
		}

		assistant := Message{
			ID:        uuid.New().String(),
			Role:      "assistant",
			Content:   turn.content,
			ToolCalls: calls,
			Timestamp: time.Now(),
		}
		conversation = append(conversation, assistant)
		result.Messages = append(result.Messages, assistant)

		if len(calls) == 0 {
			result.ForcedFinal = forced
			if err := fsm.Transition(StateDone); err != nil {
				return result, err
			}
			log.Debug().Int("rounds", result.Rounds).Msg("Agentic loop complete")
			return result, nil
		}

		if err := fsm.Transition(StateExecutingTools); err != nil {
			return result, err
		}
		records := a.executeTools(ctx, ts, calls, emit)
		for i, rec := range records {
			msg := Message{
				ID:        uuid.New().String(),
				Role:      "user", // Tool results are sent as user messages
				Timestamp: time.Now(),
				ToolResult: &ToolResult{
					ToolUseID: calls[i].ID,
					Content:   recordOutput(rec),
					IsError:   rec.Failed(),
				},
			}
			conversation = append(conversation, msg)
			result.Messages = append(result.Messages, msg)
			result.ToolCalls = append(result.ToolCalls, rec)
		}
	}
}

type roundOutput struct {
	content      string
	toolCalls    []ToolCall
	inputTokens  int
	outputTokens int
}

func (a *AgenticLoop) streamRound(ctx context.Context, req providers.ChatRequest, fsm *RunFSM, emit StreamCallback) (*roundOutput, error) {
	var (
		content strings.Builder
		out     roundOutput
	)

	err := a.provider.ChatStream(ctx, req, func(event providers.StreamEvent) {
		switch event.Type {
		case "content":
			if data, ok := event.Data.(providers.ContentEvent); ok && data.Text != "" {
				if err := fsm.Transition(StateStreaming); err != nil {
					log.Debug().Err(err).Int("bytes", len(data.Text)).Msg("[AgenticLoop] Dropping content outside an active round")
					return
				}
				content.WriteString(data.Text)
				emit(newEvent(EventContent, ContentData{Text: data.Text}))
			}
		case "tool_start":
			if data, ok := event.Data.(providers.ToolStartEvent); ok {
				log.Debug().Str("tool", data.Name).Str("id", data.ID).Msg("[AgenticLoop] Model started tool call")
			}
		case "done":
			if data, ok := event.Data.(providers.DoneEvent); ok {
				out.inputTokens = data.InputTokens
				out.outputTokens = data.OutputTokens
				for _, tc := range data.ToolCalls {
					out.toolCalls = append(out.toolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
				}
			}
		case "error":
			if data, ok := event.Data.(providers.ErrorEvent); ok {
				emit(newEvent(EventError, ErrorData{Message: data.Message}))
			}
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error().Err(err).Msg("[AgenticLoop] Provider error")
		return nil, diagerrors.NewModelError("chat_stream", err)
	}

	for i := range out.toolCalls {
		if out.toolCalls[i].ID == "" {
			out.toolCalls[i].ID = "call_" + uuid.New().String()
		}
		if out.toolCalls[i].Input == nil {
			out.toolCalls[i].Input = map[string]interface{}{}
		}
	}
	out.content = content.String()
	return &out, nil
}

// executeTools runs one round of calls in parallel. Records come back in
// request order.
func (a *AgenticLoop) executeTools(ctx context.Context, ts Toolset, calls []ToolCall, emit StreamCallback) []ToolCallRecord {
	records := make([]ToolCallRecord, len(calls))

	var g errgroup.Group
	g.SetLimit(maxParallelTools)
	for i, tc := range calls {
		g.Go(func() error {
			records[i] = a.executeTool(ctx, ts, tc, emit)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

func (a *AgenticLoop) executeTool(ctx context.Context, ts Toolset, tc ToolCall, emit StreamCallback) ToolCallRecord {
	inputStr := "{}"
	if inputBytes, err := json.Marshal(tc.Input); err == nil {
		inputStr = string(inputBytes)
	}
	emit(newEvent(EventToolStart, ToolStartData{ID: tc.ID, Name: tc.Name, Input: inputStr}))

	log.Debug().Str("tool", tc.Name).Str("id", tc.ID).Msg("Executing tool")

	start := time.Now()
	res, err := ts.Invoke(ctx, tc.Name, tc.Input)
	rec := ToolCallRecord{
		ID:         tc.ID,
		Name:       tc.Name,
		Arguments:  tc.Input,
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		var te *tools.ToolError
		if errors.As(err, &te) {
			rec.Error = te.ModelText()
			rec.ErrorKind = string(te.Kind)
		} else {
			rec.Error = fmt.Sprintf("Error: %v", err)
			rec.ErrorKind = string(tools.KindProvider)
		}
	} else {
		rec.Result = res.Content()
	}

	emit(newEvent(EventToolEnd, ToolEndData{
		ID:         tc.ID,
		Name:       tc.Name,
		Input:      inputStr,
		Output:     recordOutput(rec),
		Success:    !rec.Failed(),
		DurationMs: rec.DurationMs,
	}))
	return rec
}

func recordOutput(rec ToolCallRecord) string {
	if rec.Failed() {
		return rec.Error
	}
	return rec.Result
}

func (a *AgenticLoop) providerMessages(conversation []Message) []providers.Message {
	pruned := pruneMessagesForModel(conversation, a.cfg.MaxContextMessages)
	return convertToProviderMessages(pruned, a.cfg.MaxToolResultChars)
}

// pruneMessagesForModel keeps the newest limit messages without starting on
// a tool result whose call was pruned away.
func pruneMessagesForModel(messages []Message, limit int) []Message {
	if limit <= 0 || len(messages) <= limit {
		return messages
	}

	pruned := messages[len(messages)-limit:]
	for len(pruned) > 0 && pruned[0].ToolResult != nil {
		pruned = pruned[1:]
	}
	return pruned
}

func truncateToolResultForModel(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}

	truncated := text[:limit]
	return fmt.Sprintf("%s\n...[truncated %d chars]...", truncated, len(text)-limit)
}

// convertToProviderMessages converts our messages to provider format
func convertToProviderMessages(messages []Message, maxToolResultChars int) []providers.Message {
	result := make([]providers.Message, 0, len(messages))

	for _, m := range messages {
		pm := providers.Message{
			Role:    m.Role,
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Input,
			})
		}
		if m.ToolResult != nil {
			pm.ToolResult = &providers.ToolResult{
				ToolUseID: m.ToolResult.ToolUseID,
				Content:   truncateToolResultForModel(m.ToolResult.Content, maxToolResultChars),
				IsError:   m.ToolResult.IsError,
			}
		}
		result = append(result, pm)
	}

	return result
}

// serialize makes callback safe to call from parallel tool goroutines.
func serialize(callback StreamCallback) StreamCallback {
	if callback == nil {
		return func(StreamEvent) {}
	}
	var mu sync.Mutex
	return func(event StreamEvent) {
		mu.Lock()
		defer mu.Unlock()
		callback(event)
	}
}

func runOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case diagerrors.TypeOf(err) == diagerrors.ErrorTypeModel:
		return "model_error"
	default:
		return "error"
	}
}
