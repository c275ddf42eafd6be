package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/netdiag/internal/ai/tools"
	"github.com/rcourtman/netdiag/internal/config"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

// Operation names exposed by the packet capture provider.
const (
	OpStart  = "start_capture"
	OpStatus = "capture_status"
	OpStop   = "stop_capture"
	OpResult = "capture_result"
)

// Operations lists every provider operation the manager owns.
var Operations = []string{OpStart, OpStatus, OpStop, OpResult}

const defaultCallTimeout = 30 * time.Second

// Caller invokes one operation on the packet capture provider.
type Caller interface {
	Call(ctx context.Context, op string, args map[string]any) (*tools.CallResult, error)
}

// ProviderCaller dials the capture provider from the catalog for every
// call and closes the connection afterwards. Capture sessions outlive any
// single diagnostic run, so they cannot borrow a run's registry.
type ProviderCaller struct {
	Catalog  *config.Catalog
	Provider string
	Dialer   tools.Dialer
	Timeout  time.Duration
}

// Call dials, invokes op and disconnects.
func (p *ProviderCaller) Call(ctx context.Context, op string, args map[string]any) (*tools.CallResult, error) {
	cfg, ok := p.Catalog.Lookup(p.Provider)
	if !ok || cfg.Disabled {
		return nil, diagerrors.New(diagerrors.ErrorTypeProviderUnreachable, op, p.Provider,
			fmt.Errorf("%w: capture provider %q is not configured", diagerrors.ErrUnreachable, p.Provider))
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	if ct := cfg.CallTimeout.Std(); ct > 0 {
		timeout = ct
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := p.Dialer
	if dialer == nil {
		dialer = tools.TransportDialer{}
	}
	conn, err := dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, diagerrors.New(diagerrors.ErrorTypeProviderUnreachable, op, p.Provider, err)
	}
	defer conn.Close()

	res, err := conn.CallTool(ctx, op, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, diagerrors.New(diagerrors.ErrorTypeTimeout, op, p.Provider, fmt.Errorf("%w after %s", diagerrors.ErrTimeout, timeout))
		}
		return nil, diagerrors.New(diagerrors.ErrorTypeToolInvocation, op, p.Provider, err)
	}
	return res, nil
}

// providerSession is the provider's view of a session. Only fields that
// were present are applied.
type providerSession struct {
	SessionID       string          `json:"session_id"`
	Status          string          `json:"status"`
	Target          string          `json:"target"`
	Interface       string          `json:"interface"`
	PacketsCaptured *int64          `json:"packets_captured"`
	Error           string          `json:"error"`
	Analysis        json.RawMessage `json:"analysis"`
}

// payload returns the JSON document of a provider result.
func payload(res *tools.CallResult) []byte {
	if len(res.Structured) > 0 {
		return res.Structured
	}
	return []byte(strings.TrimSpace(res.Text))
}

func decodeProviderSession(op string, res *tools.CallResult) (*providerSession, error) {
	if res == nil {
		return nil, fmt.Errorf("%s: empty response", op)
	}
	if res.IsError {
		msg := res.Text
		if msg == "" {
			msg = "provider reported an error"
		}
		te := tools.NewToolError(op, tools.KindProvider, errors.New(msg))
		te.Code = res.Code
		return nil, te
	}
	var ps providerSession
	if err := json.Unmarshal(payload(res), &ps); err != nil {
		return nil, fmt.Errorf("%s: invalid response: %w", op, err)
	}
	return &ps, nil
}

// decodeAnalysis accepts the analysis either nested under "analysis" or at
// the top level of the capture_result payload.
func decodeAnalysis(res *tools.CallResult, ps *providerSession) (*Analysis, error) {
	raw := payload(res)
	doc := raw
	if len(ps.Analysis) > 0 && string(ps.Analysis) != "null" {
		doc = ps.Analysis
	}

	var a Analysis
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("%s: invalid analysis: %w", OpResult, err)
	}
	a.Raw = append(json.RawMessage(nil), raw...)
	return &a, nil
}
