package models

import (
	"fmt"
	"strings"
	"time"
)

// ProviderKind identifies a completion provider implementation. The set is
// closed: configuration strings are parsed once with ParseProviderKind and
// internal code only handles the constants below.
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderGoogle     ProviderKind = "google"
	ProviderBedrock    ProviderKind = "bedrock"
	ProviderOllama     ProviderKind = "ollama"
	ProviderAzure      ProviderKind = "azure"
	ProviderOpenRouter ProviderKind = "openrouter"
)

var providerKinds = []ProviderKind{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderBedrock,
	ProviderOllama,
	ProviderAzure,
	ProviderOpenRouter,
}

var providerKindAliases = map[string]ProviderKind{
	"gemini":       ProviderGoogle,
	"claude":       ProviderAnthropic,
	"aws-bedrock":  ProviderBedrock,
	"azure-openai": ProviderAzure,
}

// ProviderKinds returns every supported provider kind.
func ProviderKinds() []ProviderKind {
	out := make([]ProviderKind, len(providerKinds))
	copy(out, providerKinds)
	return out
}

// ParseProviderKind resolves a configuration string to a ProviderKind.
func ParseProviderKind(s string) (ProviderKind, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	for _, kind := range providerKinds {
		if string(kind) == normalized {
			return kind, nil
		}
	}
	if kind, ok := providerKindAliases[normalized]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("unknown provider kind %q", s)
}

// Valid reports whether k is one of the supported kinds.
func (k ProviderKind) Valid() bool {
	for _, kind := range providerKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Local reports whether providers of this kind run self-hosted.
func (k ProviderKind) Local() bool {
	return k == ProviderOllama
}

// CircuitState is the circuit-breaker state of a provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ProviderCapabilities describes what a provider supports.
type ProviderCapabilities struct {
	// StructuredToolCalls is false for providers whose tool calls are embedded
	// as JSON in the response text.
	StructuredToolCalls bool `json:"structured_tool_calls"`
	Streaming           bool `json:"streaming"`
	Embeddings          bool `json:"embeddings"`
}

// Price is a per-million-token price in USD.
type Price struct {
	InputPerMTok  float64 `json:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok"`
}

// ProviderHealth is a snapshot of one provider's availability.
type ProviderHealth struct {
	Provider    string        `json:"provider"`
	Healthy     bool          `json:"healthy"`
	LastChecked time.Time     `json:"last_checked"`
	ErrorCount  int           `json:"error_count"`
	State       CircuitState  `json:"state"`
	OpenSince   time.Time     `json:"open_since,omitempty"`
	AvgLatency  time.Duration `json:"avg_latency"`
	Requests    int64         `json:"requests"`
}

// ProviderDescriptor describes a registered provider instance.
type ProviderDescriptor struct {
	ID           string               `json:"id"`
	Kind         ProviderKind         `json:"kind"`
	Capabilities ProviderCapabilities `json:"capabilities"`
	DefaultModel string               `json:"default_model,omitempty"`
	Pricing      map[string]Price     `json:"pricing,omitempty"`
	MaxTokens    int                  `json:"max_tokens,omitempty"`
	Priority     int                  `json:"priority"`
	Local        bool                 `json:"local"`
	Health       ProviderHealth       `json:"health"`
}
