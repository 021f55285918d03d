package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/flowgate/internal/conditions"
	"github.com/haasonsaas/flowgate/internal/gateway"
	"github.com/haasonsaas/flowgate/internal/storage"
	"github.com/haasonsaas/flowgate/pkg/models"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: " + strings.Join(e.Issues, "; ")
}

// Validate checks cross-field constraints. It expects defaults applied.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := checkVersion(c.Version); err != nil {
		add("version: %v", err)
	}

	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 1 and 65535")
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q must be debug, info, warn or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", c.Logging.Format)
	}

	tracing := c.Observability.Tracing
	if tracing.Enabled && strings.TrimSpace(tracing.Endpoint) == "" {
		add("observability.tracing.endpoint is required when tracing is enabled")
	}
	if tracing.SamplingRate < 0 || tracing.SamplingRate > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}
	if !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		add("observability.metrics.path must start with /")
	}

	if _, err := gateway.ParseStrategy(c.Gateway.Strategy); err != nil {
		add("gateway.strategy: %v", err)
	}
	if c.Gateway.FailureThreshold < 1 {
		add("gateway.failure_threshold must be at least 1")
	}
	if c.Gateway.HealthCheck.Enabled {
		if err := gateway.ValidateSchedule(c.Gateway.HealthCheck.Schedule); err != nil {
			add("gateway.health_check.schedule: %v", err)
		}
	}

	issues = append(issues, c.providerIssues()...)
	issues = append(issues, c.routingIssues()...)

	if c.Pipeline.MaxToolExecutions < 0 {
		add("pipeline.max_tool_executions must not be negative")
	}
	if c.Pipeline.HistoryLimit < 0 {
		add("pipeline.history_limit must not be negative")
	}

	if c.Database.Enabled() {
		if _, err := storage.ParseDialect(c.Database.Driver); err != nil {
			add("database.driver: %v", err)
		}
		if strings.TrimSpace(c.Database.DSN) == "" {
			add("database.dsn is required when database.driver is set")
		}
	}

	switch c.Policies.Store {
	case "":
	case StoreFile:
		if strings.TrimSpace(c.Policies.File) == "" {
			add("policies.file is required when policies.store is file")
		}
	case StoreSQL:
		if !c.Database.Enabled() {
			add("policies.store sql requires database.driver")
		}
	default:
		add("policies.store %q must be file or sql", c.Policies.Store)
	}

	switch c.Sessions.Store {
	case StoreMemory:
	case StoreSQL:
		if !c.Database.Enabled() {
			add("sessions.store sql requires database.driver")
		}
	default:
		add("sessions.store %q must be memory or sql", c.Sessions.Store)
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (c *Config) providerIssues() []string {
	var issues []string
	if len(c.ProviderIDs()) == 0 {
		return append(issues, "providers: at least one enabled provider is required")
	}

	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := c.Providers[id]
		if id != strings.ToLower(strings.TrimSpace(id)) || id == "" {
			issues = append(issues, fmt.Sprintf("providers.%s: id must be lowercase without spaces", id))
		}
		kind, err := models.ParseProviderKind(p.Kind)
		if err != nil {
			issues = append(issues, fmt.Sprintf("providers.%s.kind: %v", id, err))
			continue
		}
		if !p.IsEnabled() {
			continue
		}
		switch kind {
		case models.ProviderAnthropic, models.ProviderGoogle, models.ProviderAzure, models.ProviderOpenRouter:
			if strings.TrimSpace(p.APIKey) == "" {
				issues = append(issues, fmt.Sprintf("providers.%s.api_key is required for %s", id, kind))
			}
		case models.ProviderOpenAI:
			if strings.TrimSpace(p.APIKey) == "" && strings.TrimSpace(p.BaseURL) == "" {
				issues = append(issues, fmt.Sprintf("providers.%s.api_key is required unless base_url points at a compatible server", id))
			}
		case models.ProviderBedrock:
			if strings.TrimSpace(p.Region) == "" {
				issues = append(issues, fmt.Sprintf("providers.%s.region is required for bedrock", id))
			}
		}
		if kind == models.ProviderAzure && strings.TrimSpace(p.BaseURL) == "" {
			issues = append(issues, fmt.Sprintf("providers.%s.base_url is required for azure", id))
		}
		switch strings.ToLower(strings.TrimSpace(p.ToolMode)) {
		case ToolModeAuto, ToolModeStructured, ToolModeText:
		default:
			issues = append(issues, fmt.Sprintf("providers.%s.tool_mode %q must be structured or text", id, p.ToolMode))
		}
		if p.MaxTokens < 0 {
			issues = append(issues, fmt.Sprintf("providers.%s.max_tokens must not be negative", id))
		}
	}
	return issues
}

func (c *Config) routingIssues() []string {
	var issues []string
	known := func(id string) bool {
		p, ok := c.Providers[id]
		return ok && p.IsEnabled()
	}

	switch c.Routing.Mode {
	case RoutingModeDynamic:
		if c.Policies.Store == "" {
			issues = append(issues, "routing.mode dynamic requires policies.file or a database")
		}
	case RoutingModeStatic:
	default:
		issues = append(issues, fmt.Sprintf("routing.mode %q must be dynamic or static", c.Routing.Mode))
	}

	if def := c.Routing.Default.Provider; def == "" {
		if c.Routing.Mode == RoutingModeStatic {
			issues = append(issues, "routing.default.provider is required in static mode")
		}
	} else if !known(def) {
		issues = append(issues, fmt.Sprintf("routing.default.provider %q is not an enabled provider", def))
	}

	seen := make(map[string]bool, len(c.Routing.Rules))
	for i, rule := range c.Routing.Rules {
		label := fmt.Sprintf("routing.rules[%d]", i)
		if rule.Name == "" {
			issues = append(issues, label+".name is required")
		} else if seen[rule.Name] {
			issues = append(issues, fmt.Sprintf("%s: duplicate rule name %q", label, rule.Name))
		}
		seen[rule.Name] = true
		if !known(rule.Provider) {
			issues = append(issues, fmt.Sprintf("%s.provider %q is not an enabled provider", label, rule.Provider))
		}
		if tw := rule.Conditions.TimeWindow; tw != nil {
			if err := conditions.ValidTimeWindow(*tw); err != nil {
				issues = append(issues, fmt.Sprintf("%s.conditions.time_window: %v", label, err))
			}
		}
		if pattern := rule.Conditions.Pattern; pattern != "" {
			if err := conditions.ValidPattern(pattern); err != nil {
				issues = append(issues, fmt.Sprintf("%s.conditions.pattern: %v", label, err))
			}
		}
	}
	return issues
}
