package config

import (
	"time"

	"github.com/haasonsaas/flowgate/internal/agent/routing"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// Routing modes.
const (
	RoutingModeDynamic = "dynamic"
	RoutingModeStatic  = "static"
)

// Store backends shared by the policy and session sections.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQL    = "sql"
)

// RoutingConfig selects the router and its fallback target.
type RoutingConfig struct {
	// Mode is "dynamic" (stored policies) or "static" (rules below).
	Mode string `yaml:"mode"`

	// Default is used in static mode when no rule matches, and in dynamic
	// mode when a channel has no active policies. Required in static mode.
	Default TargetConfig `yaml:"default"`

	// DefaultParams apply whenever the default target is used.
	DefaultParams models.GenerationParams `yaml:"default_params"`

	// Rules are evaluated in descending weight order in static mode. They
	// are reloaded when the config file changes.
	Rules []RuleConfig `yaml:"rules"`
}

// TargetConfig names a provider instance and optional model.
type TargetConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RuleConfig is one static routing rule.
type RuleConfig struct {
	Name         string                  `yaml:"name"`
	Weight       int                     `yaml:"weight"`
	Conditions   models.ConditionSet     `yaml:"conditions"`
	Provider     string                  `yaml:"provider"`
	Model        string                  `yaml:"model"`
	Params       models.GenerationParams `yaml:"params"`
	EnabledTools *[]string               `yaml:"enabled_tools"`
}

// StaticConfig converts the section into static router options.
func (r RoutingConfig) StaticConfig() routing.StaticConfig {
	return routing.StaticConfig{
		Rules:         r.StaticRules(),
		Default:       routing.Target{Provider: r.Default.Provider, Model: r.Default.Model},
		DefaultParams: r.DefaultParams,
	}
}

// StaticRules converts the configured rules.
func (r RoutingConfig) StaticRules() []routing.Rule {
	rules := make([]routing.Rule, 0, len(r.Rules))
	for _, rc := range r.Rules {
		rules = append(rules, routing.Rule{
			Name:         rc.Name,
			Weight:       rc.Weight,
			Conditions:   rc.Conditions,
			Target:       routing.Target{Provider: rc.Provider, Model: rc.Model},
			Params:       rc.Params,
			EnabledTools: models.CopyAllowList(rc.EnabledTools),
		})
	}
	return rules
}

// PoliciesConfig selects where dynamic routing policies come from.
type PoliciesConfig struct {
	// Store is "file" or "sql". Defaults to file when File is set, else sql
	// when a database is configured.
	Store string `yaml:"store"`

	// File is a YAML, JSON or JSON5 policy list.
	File string `yaml:"file"`

	// CacheTTL memoizes policy lookups per channel scope. Negative disables.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}
