// Package summary turns a finished capture session into a natural
// language analysis with a single, tool-less model call.
package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/netdiag/internal/ai/providers"
	"github.com/rcourtman/netdiag/internal/capture"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

const (
	defaultMaxTokens = 1500
	maxListed        = 20
	maxCached        = 100
)

const systemPrompt = `You are a network engineer reviewing the result of a packet capture.
Write a concise analysis for a non-expert user with these sections:
Overview, Findings, Likely cause, Recommendations.
Base every statement on the data provided. If the data shows no problem, say so.`

// Summary is the analysis of one session.
type Summary struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"analysisText"`
	Degraded  bool   `json:"degraded,omitempty"` // model unavailable, Text holds raw data
}

// Summarizer produces summaries. Successful summaries are cached per session.
type Summarizer struct {
	provider  providers.Provider
	model     string
	maxTokens int
	metrics   *SummaryMetrics

	mu    sync.Mutex
	cache map[string]Summary
	order []string
}

// New creates a Summarizer. provider may be nil, in which case every
// summary is degraded.
func New(provider providers.Provider, model string) *Summarizer {
	return &Summarizer{
		provider:  provider,
		model:     model,
		maxTokens: defaultMaxTokens,
		metrics:   GetSummaryMetrics(),
		cache:     make(map[string]Summary),
	}
}

// Summarize analyzes a finished session. It does not modify sess. A
// session without analysis data returns ErrSessionNotReady.
func (s *Summarizer) Summarize(ctx context.Context, sess *capture.Session) (*Summary, error) {
	if sess == nil || !sess.Status.HasResult() || sess.Analysis == nil {
		id := ""
		if sess != nil {
			id = sess.SessionID
		}
		return nil, diagerrors.New(diagerrors.ErrorTypeSessionNotReady, "summarize", id, diagerrors.ErrSessionNotReady)
	}

	if cached, ok := s.cached(sess.SessionID); ok {
		return &cached, nil
	}

	if s.provider == nil {
		s.metrics.RecordOutcome("fallback")
		return fallback(sess, "no AI provider is configured"), nil
	}

	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: BuildPrompt(sess)}},
		Model:     s.model,
		MaxTokens: s.maxTokens,
		System:    systemPrompt,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		reason := "the model returned an empty response"
		if err != nil {
			reason = err.Error()
		}
		log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Capture summary failed, returning raw data")
		s.metrics.RecordOutcome("fallback")
		return fallback(sess, reason), nil
	}

	out := Summary{SessionID: sess.SessionID, Text: strings.TrimSpace(resp.Content)}
	s.store(out)
	s.metrics.RecordOutcome("ok")
	return &out, nil
}

func (s *Summarizer) cached(id string) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.cache[id]
	return out, ok
}

func (s *Summarizer) store(sum Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cache[sum.SessionID]; !exists {
		s.order = append(s.order, sum.SessionID)
	}
	s.cache[sum.SessionID] = sum
	for len(s.order) > maxCached {
		delete(s.cache, s.order[0])
		s.order = s.order[1:]
	}
}

// fallback renders the structured result with a short note.
func fallback(sess *capture.Session, reason string) *Summary {
	view := *sess.Analysis
	view.Raw = nil
	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		data = sess.Analysis.Raw
	}
	text := fmt.Sprintf("AI analysis is unavailable (%s). Raw capture results for %s (%d packets):\n\n%s",
		reason, sess.Target, sess.PacketsCaptured, data)
	return &Summary{SessionID: sess.SessionID, Text: text, Degraded: true}
}

// BuildPrompt renders the capture result for the model.
func BuildPrompt(sess *capture.Session) string {
	a := sess.Analysis
	var b strings.Builder

	fmt.Fprintf(&b, "Packet capture %s\n", sess.SessionID)
	fmt.Fprintf(&b, "Target: %s\nMode: %s\n", sess.Target, sess.Mode)
	if sess.Interface != "" {
		fmt.Fprintf(&b, "Interface: %s\n", sess.Interface)
	}
	fmt.Fprintf(&b, "Status: %s\nDuration: %ds requested, %ds elapsed\nPackets captured: %d\n",
		sess.Status, sess.DurationSeconds, sess.ElapsedSeconds, sess.PacketsCaptured)

	b.WriteString("\n## Protocols\n")
	if len(a.Protocols) == 0 {
		b.WriteString("none reported\n")
	}
	protos := make([]string, 0, len(a.Protocols))
	for p := range a.Protocols {
		protos = append(protos, p)
	}
	sort.Slice(protos, func(i, j int) bool {
		if a.Protocols[protos[i]] != a.Protocols[protos[j]] {
			return a.Protocols[protos[i]] > a.Protocols[protos[j]]
		}
		return protos[i] < protos[j]
	})
	for _, p := range protos {
		fmt.Fprintf(&b, "- %s: %d packets\n", p, a.Protocols[p])
	}

	b.WriteString("\n## Connections\n")
	if len(a.Connections) == 0 {
		b.WriteString("none reported\n")
	}
	for i, c := range a.Connections {
		if i == maxListed {
			fmt.Fprintf(&b, "... %d more\n", len(a.Connections)-maxListed)
			break
		}
		fmt.Fprintf(&b, "- %s -> %s %s packets=%d bytes=%d", c.Source, c.Destination, c.Protocol, c.Packets, c.Bytes)
		if c.State != "" {
			fmt.Fprintf(&b, " state=%s", c.State)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## DNS\n")
	if len(a.DNS) == 0 {
		b.WriteString("none reported\n")
	}
	for i, q := range a.DNS {
		if i == maxListed {
			fmt.Fprintf(&b, "... %d more\n", len(a.DNS)-maxListed)
			break
		}
		fmt.Fprintf(&b, "- %s %s -> %s", q.Name, q.Type, strings.Join(q.Answers, ", "))
		if q.RCode != "" {
			fmt.Fprintf(&b, " rcode=%s", q.RCode)
		}
		if q.LatencyMs > 0 {
			fmt.Fprintf(&b, " latency=%.1fms", q.LatencyMs)
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Detected problems\n")
	if len(a.Problems) == 0 {
		b.WriteString("none detected\n")
	}
	for _, p := range a.Problems {
		sev := p.Severity
		if sev == "" {
			sev = "info"
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", sev, p.Kind, p.Description)
	}

	return b.String()
}
