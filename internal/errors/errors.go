package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrSessionNotFound = errors.New("capture session not found")
	ErrSessionNotReady = errors.New("capture session not ready")
	ErrRegistryClosed  = errors.New("tool registry closed")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrTimeout         = errors.New("timeout")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnreachable     = errors.New("provider unreachable")
)

// ErrorType represents the category of a diagnostic failure.
type ErrorType string

const (
	ErrorTypeProviderUnreachable ErrorType = "provider_unreachable"
	ErrorTypeToolInvocation      ErrorType = "tool_invocation"
	ErrorTypeModel               ErrorType = "model"
	ErrorTypeSessionNotFound     ErrorType = "session_not_found"
	ErrorTypeSessionNotReady     ErrorType = "session_not_ready"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeTimeout             ErrorType = "timeout"
)

// DiagError is a structured error for orchestration and capture operations.
type DiagError struct {
	Type      ErrorType
	Op        string // operation that failed, e.g. "connect", "capture_status"
	Subject   string // provider name, tool name or session id
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *DiagError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DiagError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *DiagError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrSessionNotFound:
		return e.Type == ErrorTypeSessionNotFound
	case ErrSessionNotReady:
		return e.Type == ErrorTypeSessionNotReady
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrUnreachable:
		return e.Type == ErrorTypeProviderUnreachable
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// New creates a DiagError and derives its retryability from the type.
func New(errorType ErrorType, op, subject string, err error) *DiagError {
	return &DiagError{
		Type:      errorType,
		Op:        op,
		Subject:   subject,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeProviderUnreachable, ErrorTypeTimeout:
		return true
	case ErrorTypeValidation, ErrorTypeSessionNotFound, ErrorTypeSessionNotReady:
		return false
	default:
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrUnknownTool)
		}
		return true
	}
}

// NewModelError wraps a language model failure. Model errors end the run.
func NewModelError(op string, err error) *DiagError {
	return New(ErrorTypeModel, op, "", err)
}

// NewSessionNotFound reports a capture session id that was never issued.
func NewSessionNotFound(op, sessionID string) *DiagError {
	return New(ErrorTypeSessionNotFound, op, sessionID, ErrSessionNotFound)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var diagErr *DiagError
	if errors.As(err, &diagErr) {
		return diagErr.Retryable
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable)
}

// TypeOf returns the error type of the first DiagError in the chain, or "".
func TypeOf(err error) ErrorType {
	var diagErr *DiagError
	if errors.As(err, &diagErr) {
		return diagErr.Type
	}
	return ""
}
