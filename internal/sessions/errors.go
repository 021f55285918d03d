// Package sessions provides the context stores that hold conversation
// history for the pipeline: an in-memory store and a SQL store for Postgres
// and SQLite, both serializing writes per session.
package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrContext marks every failure reported by a context store. The
	// pipeline logs these and continues with empty history.
	ErrContext = errors.New("session: context store failure")

	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("session: lock acquisition timeout")

	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session: not found")
)

// ContextError wraps a store failure with the operation that produced it.
type ContextError struct {
	Op  string
	Err error
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *ContextError) Unwrap() error { return e.Err }

// Is makes every ContextError match ErrContext.
func (e *ContextError) Is(target error) bool { return target == ErrContext }

// ErrorCode returns the machine-readable code surfaced in result metadata.
func (e *ContextError) ErrorCode() string { return "context_store" }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ContextError
	if errors.As(err, &ce) {
		return err
	}
	return &ContextError{Op: op, Err: err}
}
