package config

import (
	"sort"
	"strings"

	"github.com/haasonsaas/flowgate/internal/agent/providers"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// Tool call modes.
const (
	ToolModeAuto       = ""
	ToolModeStructured = "structured"
	ToolModeText       = "text"
)

// ProviderConfig configures one provider instance. The map key in
// Config.Providers is the instance ID that policies and rules refer to.
type ProviderConfig struct {
	// Kind is the backend: openai, anthropic, google, bedrock, ollama,
	// azure or openrouter. Defaults to the instance ID.
	Kind string `yaml:"kind"`

	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	DefaultModel   string `yaml:"default_model"`
	EmbeddingModel string `yaml:"embedding_model"`

	// Priority orders providers under the priority strategy; lower first.
	Priority int `yaml:"priority"`

	// MaxTokens caps completion tokens sent to this provider. Zero leaves
	// the request untouched.
	MaxTokens int `yaml:"max_tokens"`

	// ToolMode forces structured or text-embedded tool calls. Empty picks
	// the backend's native mode.
	ToolMode string `yaml:"tool_mode"`

	// Region and static credentials for Bedrock. Empty credentials use the
	// default AWS chain.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// IsEnabled reports whether the provider should be registered.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ParsedKind returns the provider kind. Load has validated it.
func (p ProviderConfig) ParsedKind() models.ProviderKind {
	kind, _ := models.ParseProviderKind(p.Kind)
	return kind
}

// Options converts the section into provider constructor options for the
// instance id.
func (p ProviderConfig) Options(id string) providers.Config {
	cfg := providers.Config{
		Name:            id,
		APIKey:          p.APIKey,
		BaseURL:         p.BaseURL,
		DefaultModel:    p.DefaultModel,
		EmbeddingModel:  p.EmbeddingModel,
		Region:          p.Region,
		AccessKeyID:     p.AccessKeyID,
		SecretAccessKey: p.SecretAccessKey,
		SessionToken:    p.SessionToken,
	}
	switch strings.ToLower(strings.TrimSpace(p.ToolMode)) {
	case ToolModeStructured:
		structured := true
		cfg.StructuredToolCalls = &structured
	case ToolModeText:
		structured := false
		cfg.StructuredToolCalls = &structured
	}
	return cfg
}

// ProviderIDs returns the enabled provider IDs in a stable order.
func (c *Config) ProviderIDs() []string {
	ids := make([]string, 0, len(c.Providers))
	for id, p := range c.Providers {
		if p.IsEnabled() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
