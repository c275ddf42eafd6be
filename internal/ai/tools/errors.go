package tools

import (
	"fmt"

	diagerrors "github.com/rcourtman/netdiag/internal/errors"
)

// ErrorKind classifies a failed tool invocation.
type ErrorKind string

const (
	KindUnknownTool ErrorKind = "unknown_tool"
	KindValidation  ErrorKind = "validation"
	KindTimeout     ErrorKind = "timeout"
	KindProvider    ErrorKind = "provider"
	KindClosed      ErrorKind = "closed"
	KindUnreachable ErrorKind = "unreachable"
)

// ToolError is returned by Invoke for every failure. It is data for the
// model, never a reason to abort the run.
type ToolError struct {
	Tool    string    // qualified name
	Kind    ErrorKind
	Code    string    // optional provider-supplied code
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool %s failed (%s, code %s): %s", e.Tool, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("tool %s failed (%s): %s", e.Tool, e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is maps tool error kinds onto the shared sentinels.
func (e *ToolError) Is(target error) bool {
	switch target {
	case diagerrors.ErrTimeout:
		return e.Kind == KindTimeout
	case diagerrors.ErrUnknownTool:
		return e.Kind == KindUnknownTool
	case diagerrors.ErrInvalidInput:
		return e.Kind == KindValidation
	case diagerrors.ErrRegistryClosed:
		return e.Kind == KindClosed
	case diagerrors.ErrUnreachable:
		return e.Kind == KindUnreachable
	}
	return false
}

// NewToolError builds a ToolError wrapping err.
func NewToolError(tool string, kind ErrorKind, err error) *ToolError {
	te := &ToolError{Tool: tool, Kind: kind, Err: err}
	if err != nil {
		te.Message = err.Error()
	}
	return te
}

// ModelText renders the error the way it is fed back to the model.
func (e *ToolError) ModelText() string {
	switch e.Kind {
	case KindValidation:
		return fmt.Sprintf("Invalid arguments for %s: %s. Fix the arguments and try again.", e.Tool, e.Message)
	case KindUnknownTool:
		return fmt.Sprintf("Tool %s does not exist. Use only the tools listed.", e.Tool)
	case KindTimeout:
		return fmt.Sprintf("Tool %s timed out: %s", e.Tool, e.Message)
	default:
		if e.Code != "" {
			return fmt.Sprintf("Tool %s failed (code %s): %s", e.Tool, e.Code, e.Message)
		}
		return fmt.Sprintf("Tool %s failed: %s", e.Tool, e.Message)
	}
}
