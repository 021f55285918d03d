package config

import (
	"time"

	"github.com/haasonsaas/flowgate/internal/agent"
	"github.com/haasonsaas/flowgate/internal/sessions"
)

// PipelineConfig bounds the per-message orchestration.
type PipelineConfig struct {
	// MaxToolExecutions caps tool calls executed per message.
	MaxToolExecutions int `yaml:"max_tool_executions"`

	// ToolTimeout bounds each tool call.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// HistoryLimit keeps only the most recent turns in the prompt. Zero keeps all.
	HistoryLimit int `yaml:"history_limit"`

	// CallTimeout bounds each completion call. Zero uses gateway.call_timeout.
	CallTimeout time.Duration `yaml:"call_timeout"`

	ToolResult ToolResultConfig `yaml:"tool_result"`
}

// ToolResultConfig controls how tool output is scrubbed before it is
// recorded and sent back to the model.
type ToolResultConfig struct {
	MaxChars int `yaml:"max_chars"`

	// SanitizeSecrets defaults to true.
	SanitizeSecrets *bool    `yaml:"sanitize_secrets"`
	RedactPatterns  []string `yaml:"redact_patterns"`
}

// Options converts the section into pipeline options.
func (p PipelineConfig) Options() agent.PipelineConfig {
	return agent.PipelineConfig{
		MaxToolExecutions: p.MaxToolExecutions,
		ToolTimeout:       p.ToolTimeout,
		HistoryLimit:      p.HistoryLimit,
		CallTimeout:       p.CallTimeout,
		ToolResultGuard: agent.ToolResultGuard{
			MaxChars:        p.ToolResult.MaxChars,
			SanitizeSecrets: p.ToolResult.SanitizeSecrets == nil || *p.ToolResult.SanitizeSecrets,
			RedactPatterns:  p.ToolResult.RedactPatterns,
		},
	}
}

// SessionsConfig selects the conversation context store.
type SessionsConfig struct {
	// Store is "memory" or "sql". Defaults to sql when a database is configured.
	Store string `yaml:"store"`

	// LockTimeout bounds waiting for a session's append lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	Format FormatConfig `yaml:"format"`
}

// FormatConfig bounds the history rendered into prompts.
type FormatConfig struct {
	MaxTurns           int `yaml:"max_turns"`
	MaxChars           int `yaml:"max_chars"`
	MaxToolResultChars int `yaml:"max_tool_result_chars"`
}

// StoreOptions converts the section into context store options.
func (s SessionsConfig) StoreOptions() []sessions.Option {
	return []sessions.Option{
		sessions.WithLockTimeout(s.LockTimeout),
		sessions.WithFormatOptions(sessions.FormatOptions{
			MaxTurns:           s.Format.MaxTurns,
			MaxChars:           s.Format.MaxChars,
			MaxToolResultChars: s.Format.MaxToolResultChars,
		}),
	}
}
