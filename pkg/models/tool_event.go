package models

import (
	"encoding/json"
	"time"
)

// ToolStatus describes the lifecycle stage of a tool invocation.
type ToolStatus string

const (
	ToolStatusPending ToolStatus = "pending"
	ToolStatusRunning ToolStatus = "running"
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusFailed  ToolStatus = "failed"
)

// ToolExecutionRecord is the outcome of one tool call. Records are append-only:
// once produced they are never mutated or removed from history.
type ToolExecutionRecord struct {
	ID         string          `json:"id"`
	CallID     string          `json:"call_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Status     ToolStatus      `json:"status"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Failure    string          `json:"failure,omitempty"`
	Duration   time.Duration   `json:"duration"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Succeeded reports whether the tool completed without error.
func (r ToolExecutionRecord) Succeeded() bool {
	return r.Status == ToolStatusSuccess
}

// Outcome returns the success payload or the failure reason.
func (r ToolExecutionRecord) Outcome() string {
	if r.Succeeded() {
		return r.Result
	}
	return r.Error
}
