package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rcourtman/netdiag/internal/ai/tools"
	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

// Interceptor routes the model's calls to the capture provider through the
// Manager, so model-started sessions are visible to the capture API.
type Interceptor struct {
	manager  *Manager
	provider string
}

// NewInterceptor handles the capture operations of the named provider.
func NewInterceptor(manager *Manager, provider string) *Interceptor {
	return &Interceptor{manager: manager, provider: provider}
}

// Handles reports whether name is one of the provider's capture operations.
func (i *Interceptor) Handles(name string) bool {
	_, ok := i.operation(name)
	return ok
}

func (i *Interceptor) operation(name string) (string, bool) {
	prefix := i.provider + "_"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	op := strings.TrimPrefix(name, prefix)
	for _, known := range Operations {
		if op == known {
			return op, true
		}
	}
	return "", false
}

// Handle executes the operation and returns the session as JSON.
func (i *Interceptor) Handle(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	op, ok := i.operation(name)
	if !ok {
		return nil, tools.NewToolError(name, tools.KindUnknownTool, fmt.Errorf("%w: %s", diagerrors.ErrUnknownTool, name))
	}

	start := time.Now()
	var (
		sess *Session
		err  error
	)
	switch op {
	case OpStart:
		var req StartRequest
		req, err = startRequestFromArgs(args)
		if err == nil {
			sess, err = i.manager.Start(ctx, req)
		}
	case OpStatus:
		sess, err = i.manager.Status(ctx, stringArg(args, "session_id"))
	case OpStop:
		sess, err = i.manager.Stop(ctx, stringArg(args, "session_id"))
	case OpResult:
		sess, err = i.manager.Result(ctx, stringArg(args, "session_id"))
	}
	if err != nil {
		return nil, toToolError(name, err)
	}

	text, err := json.Marshal(modelView(op, sess))
	if err != nil {
		return nil, tools.NewToolError(name, tools.KindProvider, err)
	}
	return &tools.Result{
		Tool:       name,
		Provider:   i.provider,
		Text:       string(text),
		Structured: text,
		Duration:   time.Since(start),
	}, nil
}

// modelView trims what the model sees: raw analysis is only included for
// capture_result, and a note explains an unfinished result.
func modelView(op string, sess *Session) interface{} {
	view := struct {
		*Session
		Note string `json:"note,omitempty"`
	}{Session: sess}

	if op != OpResult && sess.Analysis != nil {
		cp := *sess
		cp.Analysis = nil
		view.Session = &cp
	}
	if op == OpResult && sess.Analysis == nil {
		view.Note = fmt.Sprintf("Capture is %s; no analysis is available yet.", sess.Status)
	}
	if sess.Status == StatusIdle {
		view.Note = "No capture session has been started."
	}
	return view
}

func startRequestFromArgs(args map[string]any) (StartRequest, error) {
	req := StartRequest{
		Target:    stringArg(args, "target"),
		Mode:      stringArg(args, "mode"),
		Interface: stringArg(args, "interface"),
	}
	if v, ok := args["duration"]; ok && v != nil {
		f, ok := v.(float64)
		if !ok {
			if n, isInt := v.(int); isInt {
				f, ok = float64(n), true
			}
		}
		if !ok || f != math.Trunc(f) {
			return req, fmt.Errorf("%w: duration must be a whole number of seconds", diagerrors.ErrInvalidInput)
		}
		req.DurationSeconds = int(f)
	}
	return req, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func toToolError(name string, err error) *tools.ToolError {
	kind := tools.KindProvider
	switch {
	case errors.Is(err, diagerrors.ErrInvalidInput):
		kind = tools.KindValidation
	case diagerrors.TypeOf(err) == diagerrors.ErrorTypeTimeout:
		kind = tools.KindTimeout
	case diagerrors.TypeOf(err) == diagerrors.ErrorTypeProviderUnreachable:
		kind = tools.KindUnreachable
	}
	return tools.NewToolError(name, kind, err)
}
