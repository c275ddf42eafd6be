package summary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/netdiag/internal/ai/providers"
	"github.com/rcourtman/netdiag/internal/capture"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.ChatResponse), args.Error(1)
}

func (m *MockProvider) TestConnection(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func completedSession() *capture.Session {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(31 * time.Second)
	return &capture.Session{
		SessionID:       "s-1",
		Target:          "sina.com",
		Mode:            "auto",
		DurationSeconds: 30,
		Interface:       "en0",
		Status:          capture.StatusCompleted,
		StartTime:       &start,
		EndTime:         &end,
		PacketsCaptured: 842,
		ElapsedSeconds:  31,
		Analysis: &capture.Analysis{
			Protocols: map[string]int64{"TCP": 700, "UDP": 120, "DNS": 22},
			Connections: []capture.Connection{
				{Source: "192.168.1.20:51514", Destination: "123.126.45.205:443", Protocol: "TCP", Packets: 610, Bytes: 512000},
			},
			DNS:      []capture.DNSQuery{{Name: "sina.com", Type: "A", Answers: []string{"123.126.45.205"}, LatencyMs: 38.5}},
			Problems: []capture.Problem{{Severity: "warning", Kind: "retransmission", Description: "4.2% TCP retransmissions"}},
			Raw:      []byte(`{"protocols":{"TCP":700}}`),
		},
	}
}

func TestSummarize(t *testing.T) {
	provider := &MockProvider{}
	provider.On("Chat", mock.Anything, mock.MatchedBy(func(req providers.ChatRequest) bool {
		return len(req.Tools) == 0 && req.ToolChoice == nil && len(req.Messages) == 1 && req.System != ""
	})).Return(&providers.ChatResponse{Content: "  Overview: traffic to sina.com looks healthy.  "}, nil).Once()

	s := New(provider, "test-model")
	sess := completedSession()
	before := *sess

	sum, err := s.Summarize(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "Overview: traffic to sina.com looks healthy.", sum.Text)
	assert.False(t, sum.Degraded)
	assert.Equal(t, before, *sess, "session is not modified")

	again, err := s.Summarize(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, sum.Text, again.Text)
	provider.AssertNumberOfCalls(t, "Chat", 1)

	req := provider.Calls[0].Arguments.Get(1).(providers.ChatRequest)
	assert.Equal(t, "test-model", req.Model)
}

func TestSummarizeFallsBackOnModelError(t *testing.T) {
	provider := &MockProvider{}
	provider.On("Chat", mock.Anything, mock.Anything).Return(nil, errors.New("API error (500): boom"))

	sum, err := New(provider, "m").Summarize(context.Background(), completedSession())
	require.NoError(t, err)
	assert.True(t, sum.Degraded)
	assert.Contains(t, sum.Text, "AI analysis is unavailable")
	assert.Contains(t, sum.Text, `"TCP": 700`)
	assert.Contains(t, sum.Text, "retransmission")
	assert.NotContains(t, sum.Text, `"raw"`)
}

func TestSummarizeFallsBackOnEmptyResponse(t *testing.T) {
	provider := &MockProvider{}
	provider.On("Chat", mock.Anything, mock.Anything).Return(&providers.ChatResponse{Content: "   "}, nil).Twice()

	s := New(provider, "m")
	sum, err := s.Summarize(context.Background(), completedSession())
	require.NoError(t, err)
	assert.True(t, sum.Degraded)

	_, err = s.Summarize(context.Background(), completedSession())
	require.NoError(t, err)
	provider.AssertNumberOfCalls(t, "Chat", 2)
}

func TestSummarizeWithoutProvider(t *testing.T) {
	sum, err := New(nil, "").Summarize(context.Background(), completedSession())
	require.NoError(t, err)
	assert.True(t, sum.Degraded)
	assert.Contains(t, sum.Text, "no AI provider is configured")
}

func TestSummarizeNotReady(t *testing.T) {
	s := New(&MockProvider{}, "m")

	running := completedSession()
	running.Status = capture.StatusRunning
	running.Analysis = nil
	_, err := s.Summarize(context.Background(), running)
	assert.ErrorIs(t, err, diagerrors.ErrSessionNotReady)

	_, err = s.Summarize(context.Background(), nil)
	assert.ErrorIs(t, err, diagerrors.ErrSessionNotReady)
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(completedSession())

	assert.Contains(t, prompt, "Target: sina.com")
	assert.Contains(t, prompt, "Packets captured: 842")
	assert.Contains(t, prompt, "## Protocols\n- TCP: 700 packets\n- UDP: 120 packets\n- DNS: 22 packets")
	assert.Contains(t, prompt, "192.168.1.20:51514 -> 123.126.45.205:443")
	assert.Contains(t, prompt, "sina.com A -> 123.126.45.205 latency=38.5ms")
	assert.Contains(t, prompt, "[warning] retransmission")

	empty := completedSession()
	empty.Analysis = &capture.Analysis{}
	assert.Contains(t, BuildPrompt(empty), "none detected")
}
