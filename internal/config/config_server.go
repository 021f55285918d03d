package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/flowgate/internal/storage"
)

// ServerConfig configures the HTTP intake server.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes limits an inbound message request body (default: 1MiB).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// CORSAllowedOrigins enables CORS for browser clients. Empty disables it.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.HTTPPort))
}

// DatabaseConfig selects the SQL backend shared by the policy and session
// stores. An empty driver means no database.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// AutoMigrate applies pending schema migrations on startup. Defaults to true.
	AutoMigrate *bool `yaml:"auto_migrate"`
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(d.Driver) != ""
}

// StorageConfig converts the section into storage options.
func (d DatabaseConfig) StorageConfig() storage.Config {
	cfg := storage.DefaultConfig()
	cfg.Driver = d.Driver
	cfg.DSN = d.DSN
	if d.MaxOpenConns > 0 {
		cfg.MaxOpenConns = d.MaxOpenConns
	}
	if d.MaxIdleConns > 0 {
		cfg.MaxIdleConns = d.MaxIdleConns
	}
	if d.ConnMaxLifetime > 0 {
		cfg.ConnMaxLifetime = d.ConnMaxLifetime
	}
	return cfg
}

// ShouldMigrate reports whether migrations run on startup.
func (d DatabaseConfig) ShouldMigrate() bool {
	return d.AutoMigrate == nil || *d.AutoMigrate
}
