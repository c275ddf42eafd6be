package capture

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/netdiag/internal/ai/tools"
	"github.com/rcourtman/netdiag/internal/config"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

type scriptedConn struct {
	call   func(ctx context.Context, name string, args map[string]any) (*tools.CallResult, error)
	closed int
}

func (c *scriptedConn) ListTools(ctx context.Context) ([]tools.RemoteTool, error) { return nil, nil }

func (c *scriptedConn) CallTool(ctx context.Context, name string, args map[string]any) (*tools.CallResult, error) {
	return c.call(ctx, name, args)
}

func (c *scriptedConn) Close() error {
	c.closed++
	return nil
}

func captureCatalog() *config.Catalog {
	return config.NewCatalog([]config.ProviderConfig{
		{Name: "capture", Transport: config.TransportStdio, Command: "netdiag-capture"},
	})
}

func TestProviderCallerDialsPerCall(t *testing.T) {
	conn := &scriptedConn{call: func(ctx context.Context, name string, args map[string]any) (*tools.CallResult, error) {
		assert.Equal(t, OpStatus, name)
		return &tools.CallResult{Structured: json.RawMessage(`{"session_id":"s-1","status":"capturing"}`)}, nil
	}}
	dials := 0
	caller := &ProviderCaller{
		Catalog:  captureCatalog(),
		Provider: "capture",
		Dialer: tools.DialFunc(func(ctx context.Context, cfg config.ProviderConfig) (tools.Connection, error) {
			dials++
			assert.Equal(t, "netdiag-capture", cfg.Command)
			return conn, nil
		}),
	}

	for i := 0; i < 2; i++ {
		res, err := caller.Call(context.Background(), OpStatus, map[string]any{"session_id": "s-1"})
		require.NoError(t, err)
		ps, err := decodeProviderSession(OpStatus, res)
		require.NoError(t, err)
		assert.Equal(t, "capturing", ps.Status)
	}
	assert.Equal(t, 2, dials)
	assert.Equal(t, 2, conn.closed)
}

func TestProviderCallerErrors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		caller := &ProviderCaller{Catalog: config.NewCatalog(nil), Provider: "capture"}
		_, err := caller.Call(context.Background(), OpStart, nil)
		assert.ErrorIs(t, err, diagerrors.ErrUnreachable)
	})

	t.Run("dial failure", func(t *testing.T) {
		caller := &ProviderCaller{
			Catalog:  captureCatalog(),
			Provider: "capture",
			Dialer: tools.DialFunc(func(ctx context.Context, cfg config.ProviderConfig) (tools.Connection, error) {
				return nil, errors.New("exec: not found")
			}),
		}
		_, err := caller.Call(context.Background(), OpStart, nil)
		assert.ErrorIs(t, err, diagerrors.ErrUnreachable)
	})

	t.Run("timeout", func(t *testing.T) {
		conn := &scriptedConn{call: func(ctx context.Context, name string, args map[string]any) (*tools.CallResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		caller := &ProviderCaller{
			Catalog:  captureCatalog(),
			Provider: "capture",
			Timeout:  20 * time.Millisecond,
			Dialer: tools.DialFunc(func(ctx context.Context, cfg config.ProviderConfig) (tools.Connection, error) {
				return conn, nil
			}),
		}
		_, err := caller.Call(context.Background(), OpStatus, nil)
		assert.ErrorIs(t, err, diagerrors.ErrTimeout)
		assert.Equal(t, 1, conn.closed)
	})
}

func TestDecodeProviderSession(t *testing.T) {
	ps, err := decodeProviderSession(OpStatus, &tools.CallResult{Text: `{"session_id":"s-9","status":"running","packets_captured":12}`})
	require.NoError(t, err)
	assert.Equal(t, "s-9", ps.SessionID)
	require.NotNil(t, ps.PacketsCaptured)
	assert.Equal(t, int64(12), *ps.PacketsCaptured)

	_, err = decodeProviderSession(OpStatus, &tools.CallResult{Text: "not json"})
	assert.Error(t, err)

	_, err = decodeProviderSession(OpStatus, &tools.CallResult{Text: "tcpdump exited", IsError: true, Code: "E_PERM"})
	var te *tools.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "E_PERM", te.Code)
}

func TestDecodeAnalysisTopLevel(t *testing.T) {
	res := &tools.CallResult{Text: `{"session_id":"s-1","protocols":{"UDP":3},"problems":[{"kind":"dns_timeout","description":"2 queries unanswered"}]}`}
	ps, err := decodeProviderSession(OpResult, res)
	require.NoError(t, err)

	a, err := decodeAnalysis(res, ps)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Protocols["UDP"])
	require.Len(t, a.Problems, 1)
	assert.Equal(t, "dns_timeout", a.Problems[0].Kind)
	assert.JSONEq(t, res.Text, string(a.Raw))
}

func TestStatusTiming(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Session{Status: StatusRunning, DurationSeconds: 30, StartTime: &start}

	at := s.withTiming(start.Add(5500 * time.Millisecond))
	assert.Equal(t, 5, at.ElapsedSeconds)
	assert.Equal(t, 25, at.RemainingSeconds)

	over := s.withTiming(start.Add(45 * time.Second))
	assert.Equal(t, 0, over.RemainingSeconds, "remaining never goes negative")

	assert.True(t, StatusStopped.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusFailed.HasResult())
}
