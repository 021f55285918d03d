package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/flowgate/pkg/models"
)

// Provider is a completion backend. Implementations live in the providers
// package and report token usage and cost with every response.
//
// Tool calls are returned in models.ToolCall form regardless of whether the
// backend emits them natively or embeds them in response text; the
// StructuredToolCalls capability tells callers which path produced them.
type Provider interface {
	// Name returns the registered instance ID (e.g. "primary", "openai").
	Name() string

	// Kind returns the implementation kind.
	Kind() models.ProviderKind

	// Capabilities describes what the backend supports.
	Capabilities() models.ProviderCapabilities

	// Complete performs one non-streaming completion.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Embedder is implemented by providers that can produce embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (*EmbeddingResponse, error)
}

// Pinger is implemented by providers with a cheap liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Completer is the gateway surface used by the pipeline.
type Completer interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Health() []models.ProviderHealth
}

// CompletionRequest is a provider-agnostic completion request.
type CompletionRequest struct {
	// Provider pins a provider instance. Empty lets the gateway strategy choose.
	Provider string `json:"provider,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	Messages    []CompletionMessage `json:"messages"`
	Tools       []ToolDefinition    `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`

	// Timeout bounds the call. Zero uses the gateway default.
	Timeout time.Duration `json:"-"`
}

// CompletionMessage is one message in a completion request.
type CompletionMessage struct {
	Role       models.Role       `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// CompletionResponse is the result of one completion.
type CompletionResponse struct {
	Content    string            `json:"content"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	StopReason string            `json:"stop_reason,omitempty"`

	// RequestedProvider is the pinned provider, if any.
	RequestedProvider string `json:"requested_provider,omitempty"`
	// Provider is the instance that produced the response.
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Usage    models.Usage  `json:"usage"`
	Cost     float64       `json:"cost"`
	Latency  time.Duration `json:"latency"`
}

// HasToolCalls reports whether the response requests tool execution.
func (r *CompletionResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// EmbeddingResponse is the result of an embedding request.
type EmbeddingResponse struct {
	Vector   []float32    `json:"vector"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
	Usage    models.Usage `json:"usage"`
	Cost     float64      `json:"cost"`
}

// PromptText flattens a request into plain text for token estimation.
func (r *CompletionRequest) PromptText() string {
	size := len(r.System)
	for _, m := range r.Messages {
		size += len(m.Content) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, r.System...)
	for _, m := range r.Messages {
		buf = append(buf, '\n')
		buf = append(buf, m.Content...)
		for _, call := range m.ToolCalls {
			buf = append(buf, call.Input...)
		}
	}
	return string(buf)
}
