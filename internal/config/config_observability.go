package config

import (
	"io"

	"github.com/haasonsaas/flowgate/internal/observability"
)

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`

	// RedactPatterns are extra regular expressions scrubbed from log output.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// LogConfig converts the section into logger options writing to out.
func (l LoggingConfig) LogConfig(out io.Writer) observability.LogConfig {
	return observability.LogConfig{
		Level:          l.Level,
		Format:         l.Format,
		Output:         out,
		AddSource:      l.AddSource,
		RedactPatterns: l.RedactPatterns,
	}
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Path is served on the intake server (default: /metrics).
	Path string `yaml:"path"`
}

// IsEnabled reports whether metrics are exposed.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// TraceConfig converts the section into tracer options. A disabled section
// yields a config without endpoint, which produces a no-op tracer.
func (t TracingConfig) TraceConfig(version string) observability.TraceConfig {
	cfg := observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: t.ServiceVersion,
		Environment:    t.Environment,
		SamplingRate:   t.SamplingRate,
		Attributes:     t.Attributes,
		EnableInsecure: t.Insecure,
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = version
	}
	if t.Enabled {
		cfg.Endpoint = t.Endpoint
	}
	return cfg
}
