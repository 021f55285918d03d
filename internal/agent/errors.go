package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// GenericErrorMessage is the only failure text shown to end users. Details
// go to ProcessingResult.Error and the logs.
const GenericErrorMessage = "Sorry, something went wrong while handling your message. Please try again."

var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrToolNotAllowed = errors.New("tool not allowed for this route")
	ErrToolTimeout    = errors.New("tool timed out")
	ErrToolPanic      = errors.New("tool panicked")
)

// ToolFailure says why a tool call failed. It is copied onto the execution
// record so a bad call can be told apart from a broken tool.
type ToolFailure string

const (
	ToolFailureNotFound  ToolFailure = "not_found"
	ToolFailureDenied    ToolFailure = "denied"
	ToolFailureInvalid   ToolFailure = "invalid_input"
	ToolFailureTimeout   ToolFailure = "timeout"
	ToolFailureCanceled  ToolFailure = "canceled"
	ToolFailurePanic     ToolFailure = "panic"
	ToolFailureUpstream  ToolFailure = "upstream"
	ToolFailureExecution ToolFailure = "execution"
)

// Transient reports whether the same call could succeed if made again later.
func (f ToolFailure) Transient() bool {
	return f == ToolFailureTimeout || f == ToolFailureUpstream
}

// ToolError is the error type returned for every failed tool call.
type ToolError struct {
	Failure ToolFailure
	Tool    string
	CallID  string
	Err     error
}

func (e *ToolError) Error() string {
	name := e.Tool
	if name == "" {
		name = "<unnamed>"
	}
	if e.Err == nil {
		return fmt.Sprintf("tool %s: %s", name, e.Failure)
	}
	return fmt.Sprintf("tool %s: %s: %v", name, e.Failure, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ErrorCode implements the coded error contract used by ProcessingResult.
func (e *ToolError) ErrorCode() string { return "tool_" + string(e.Failure) }

// WithFailure overrides the inferred failure.
func (e *ToolError) WithFailure(f ToolFailure) *ToolError {
	e.Failure = f
	return e
}

// ForCall attaches the provider's tool call ID.
func (e *ToolError) ForCall(id string) *ToolError {
	e.CallID = id
	return e
}

// NewToolError wraps err for the named tool. The failure is inferred from
// sentinels, context errors and, failing those, the error text.
func NewToolError(tool string, err error) *ToolError {
	return &ToolError{Tool: tool, Err: err, Failure: classifyToolFailure(err)}
}

// AsToolError finds a ToolError in err's chain.
func AsToolError(err error) (*ToolError, bool) {
	var te *ToolError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// failureHints maps lowercase substrings of untyped tool errors to a failure,
// checked in order.
var failureHints = []struct {
	failure ToolFailure
	words   []string
}{
	{ToolFailureTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ToolFailureUpstream, []string{"connection refused", "connection reset", "no such host", "rate limit", "too many requests", "status 429", "status 502", "status 503"}},
	{ToolFailureDenied, []string{"permission denied", "forbidden", "unauthorized"}},
	{ToolFailureInvalid, []string{"invalid", "required", "missing"}},
}

func classifyToolFailure(err error) ToolFailure {
	switch {
	case err == nil:
		return ToolFailureExecution
	case errors.Is(err, ErrToolNotFound):
		return ToolFailureNotFound
	case errors.Is(err, ErrToolNotAllowed):
		return ToolFailureDenied
	case errors.Is(err, ErrToolTimeout), errors.Is(err, context.DeadlineExceeded):
		return ToolFailureTimeout
	case errors.Is(err, context.Canceled):
		return ToolFailureCanceled
	case errors.Is(err, ErrToolPanic):
		return ToolFailurePanic
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range failureHints {
		for _, w := range hint.words {
			if strings.Contains(msg, w) {
				return hint.failure
			}
		}
	}
	return ToolFailureExecution
}

// coded is implemented by errors that carry a stable machine-readable code.
type coded interface {
	ErrorCode() string
}

// ErrorCode returns the code recorded in ProcessingResult.Error for err.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "internal"
}
