package models

import "time"

// PipelineState is a stage of the message processing state machine.
type PipelineState string

const (
	StateReceived                 PipelineState = "RECEIVED"
	StateContextLoaded            PipelineState = "CONTEXT_LOADED"
	StateRouted                   PipelineState = "ROUTED"
	StatePromptBuilt              PipelineState = "PROMPT_BUILT"
	StateCompleted                PipelineState = "COMPLETED"
	StateToolsExecuted            PipelineState = "TOOLS_EXECUTED"
	StateResultFinalized          PipelineState = "RESULT_FINALIZED"
	StateResultFinalizedWithError PipelineState = "RESULT_FINALIZED_WITH_ERROR"
)

// Terminal reports whether the state ends a pipeline run.
func (s PipelineState) Terminal() bool {
	return s == StateResultFinalized || s == StateResultFinalizedWithError
}

// Usage is token usage for one or more completion calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	// Estimated is true when any count came from the length heuristic.
	Estimated bool `json:"estimated,omitempty"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.Estimated = u.Estimated || other.Estimated
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ErrorInfo is internal error detail attached to a result for observability.
// It is never shown to the end user.
type ErrorInfo struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Stage   PipelineState `json:"stage"`
}

// ProcessingResult is the terminal artifact of one pipeline run.
type ProcessingResult struct {
	Content           string                `json:"content"`
	ConversationID    string                `json:"conversation_id"`
	PolicyID          string                `json:"policy_id,omitempty"`
	RequestedProvider string                `json:"requested_provider,omitempty"`
	Provider          string                `json:"provider,omitempty"`
	Model             string                `json:"model,omitempty"`
	Usage             Usage                 `json:"usage"`
	Cost              float64               `json:"cost"`
	Latency           time.Duration         `json:"latency"`
	ToolExecutions    []ToolExecutionRecord `json:"tool_executions"`
	State             PipelineState         `json:"state"`
	Error             *ErrorInfo            `json:"error,omitempty"`
	Metadata          map[string]string     `json:"metadata,omitempty"`
}

// Failed reports whether the run ended in the error state.
func (r *ProcessingResult) Failed() bool {
	return r.State == StateResultFinalizedWithError
}
