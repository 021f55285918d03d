package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for flowgate.
type Config struct {
	// Version is the configuration file format version. Omitted means current.
	Version int `yaml:"version"`

	Server        ServerConfig              `yaml:"server"`
	Logging       LoggingConfig             `yaml:"logging"`
	Observability ObservabilityConfig       `yaml:"observability"`
	Gateway       GatewayConfig             `yaml:"gateway"`
	Providers     map[string]ProviderConfig `yaml:"providers"`
	Routing       RoutingConfig             `yaml:"routing"`
	Pipeline      PipelineConfig            `yaml:"pipeline"`
	Database      DatabaseConfig            `yaml:"database"`
	Policies      PoliciesConfig            `yaml:"policies"`
	Sessions      SessionsConfig            `yaml:"sessions"`
}

// Load reads, merges and validates the configuration file at path.
// ${NAME} references in values are expanded and $include directives
// resolved before strict decoding; unknown keys are rejected.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := strictDecode(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes, defaults and validates configuration bytes. ext selects
// the syntax the same way a file extension would (".yaml", ".json5").
func Parse(data []byte, ext string) (*Config, error) {
	raw, err := decodeDocument(data, ext)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expandEnv(raw)
	includes, err := takeIncludes(raw)
	if err != nil {
		return nil, err
	}
	if len(includes) > 0 {
		return nil, fmt.Errorf("%s is only supported when loading from a file", includeKey)
	}
	cfg, err := strictDecode(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 3 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 20 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.Metrics.Path == "" {
		cfg.Observability.Metrics.Path = "/metrics"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "flowgate"
	}

	if cfg.Gateway.Strategy == "" {
		cfg.Gateway.Strategy = "priority"
	}
	if cfg.Gateway.FailureThreshold == 0 {
		cfg.Gateway.FailureThreshold = 5
	}
	if cfg.Gateway.ResetTimeout == 0 {
		cfg.Gateway.ResetTimeout = 30 * time.Second
	}
	if cfg.Gateway.CallTimeout == 0 {
		cfg.Gateway.CallTimeout = 60 * time.Second
	}
	if cfg.Gateway.HealthCheck.Schedule == "" {
		cfg.Gateway.HealthCheck.Schedule = "@every 30s"
	}
	if cfg.Gateway.HealthCheck.Timeout == 0 {
		cfg.Gateway.HealthCheck.Timeout = 10 * time.Second
	}

	for id, p := range cfg.Providers {
		if p.Kind == "" {
			p.Kind = id
		}
		cfg.Providers[id] = p
	}

	if cfg.Routing.Mode == "" {
		cfg.Routing.Mode = RoutingModeDynamic
	}

	if cfg.Pipeline.MaxToolExecutions == 0 {
		cfg.Pipeline.MaxToolExecutions = 5
	}
	if cfg.Pipeline.ToolTimeout == 0 {
		cfg.Pipeline.ToolTimeout = 30 * time.Second
	}
	if cfg.Pipeline.ToolResult.SanitizeSecrets == nil {
		enabled := true
		cfg.Pipeline.ToolResult.SanitizeSecrets = &enabled
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.AutoMigrate == nil {
		enabled := true
		cfg.Database.AutoMigrate = &enabled
	}

	if cfg.Policies.Store == "" {
		switch {
		case cfg.Policies.File != "":
			cfg.Policies.Store = StoreFile
		case cfg.Database.Enabled():
			cfg.Policies.Store = StoreSQL
		}
	}
	if cfg.Policies.CacheTTL == 0 {
		cfg.Policies.CacheTTL = 30 * time.Second
	}

	if cfg.Sessions.Store == "" {
		if cfg.Database.Enabled() {
			cfg.Sessions.Store = StoreSQL
		} else {
			cfg.Sessions.Store = StoreMemory
		}
	}
	if cfg.Sessions.LockTimeout == 0 {
		cfg.Sessions.LockTimeout = 30 * time.Second
	}
	if cfg.Sessions.Format.MaxTurns == 0 {
		cfg.Sessions.Format.MaxTurns = 60
	}
	if cfg.Sessions.Format.MaxChars == 0 {
		cfg.Sessions.Format.MaxChars = 30000
	}
	if cfg.Sessions.Format.MaxToolResultChars == 0 {
		cfg.Sessions.Format.MaxToolResultChars = 2000
	}
}
