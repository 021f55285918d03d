package config

import (
	"time"

	"github.com/haasonsaas/flowgate/internal/gateway"
)

// GatewayConfig configures provider selection and failure handling.
type GatewayConfig struct {
	// Strategy orders healthy providers: priority, round_robin,
	// least_latency or least_cost.
	Strategy string `yaml:"strategy"`

	// FailureThreshold is the number of consecutive failures that opens a
	// provider's circuit breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long an open breaker waits before a trial call.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// CallTimeout bounds a single provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	HealthCheck HealthCheckConfig `yaml:"health_check"`
}

// HealthCheckConfig configures periodic provider probes.
type HealthCheckConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression or descriptor such as "@every 30s".
	Schedule string `yaml:"schedule"`

	// Timeout bounds each probe.
	Timeout time.Duration `yaml:"timeout"`
}

// Options converts the section into gateway options. The caller supplies
// the catalog, metrics and logger. Strategy has been validated by Load.
func (g GatewayConfig) Options() gateway.Config {
	strategy, _ := gateway.ParseStrategy(g.Strategy)
	return gateway.Config{
		Strategy:         strategy,
		FailureThreshold: g.FailureThreshold,
		ResetTimeout:     g.ResetTimeout,
		CallTimeout:      g.CallTimeout,
	}
}

// ProberOptions converts the health check section into prober options.
func (h HealthCheckConfig) ProberOptions() gateway.ProberConfig {
	return gateway.ProberConfig{
		Schedule: h.Schedule,
		Timeout:  h.Timeout,
	}
}
