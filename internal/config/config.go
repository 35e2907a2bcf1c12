package config

import (
	"fmt"
	"strings"
	"time"
)

// Rate limiter backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config represents the complete proxy configuration. Values are layered:
// built-in defaults, then an optional YAML file, then CORSPROXY_* environment
// variables, then runtime overrides (command flags).
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Proxy     ProxyConfig     `mapstructure:"proxy" yaml:"proxy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Safety    SafetyConfig    `mapstructure:"safety" yaml:"safety"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ProxyConfig controls the /proxy request path.
type ProxyConfig struct {
	// ClientIPHeader names the header set by the fronting edge with the
	// caller's address. Requests without it share the "unknown" identity.
	ClientIPHeader string `mapstructure:"client_ip_header" yaml:"client_ip_header"`

	ProvenanceHeader string        `mapstructure:"provenance_header" yaml:"provenance_header"`
	ProvenanceValue  string        `mapstructure:"provenance_value" yaml:"provenance_value"`
	UpstreamTimeout  time.Duration `mapstructure:"upstream_timeout" yaml:"upstream_timeout"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	MaxRedirects     int           `mapstructure:"max_redirects" yaml:"max_redirects"`
}

// RateLimitConfig selects and sizes the per-client fixed window limiter.
type RateLimitConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	Requests      int           `mapstructure:"requests" yaml:"requests"`
	Window        time.Duration `mapstructure:"window" yaml:"window"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// RedisURL is required by the redis backend, e.g. redis://localhost:6379/0
	RedisURL  string `mapstructure:"redis_url" yaml:"redis_url"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// CacheConfig sizes the GET response cache.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// SafetyConfig enables target hardening beyond the loopback deny-list.
type SafetyConfig struct {
	BlockPrivateNetworks bool `mapstructure:"block_private_networks" yaml:"block_private_networks"`
	ResolveHosts         bool `mapstructure:"resolve_hosts" yaml:"resolve_hosts"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`

	// Profile selects the output shape: structured (json) or simple (console)
	Profile string `mapstructure:"profile" yaml:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the dedicated exporter port. /metrics on the main port relays it.
	Port int `mapstructure:"port" yaml:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Defaults returns the built-in configuration layer as a nested map.
func Defaults() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host":             "localhost",
			"port":             8080,
			"read_timeout":     "30s",
			"write_timeout":    "30s",
			"idle_timeout":     "120s",
			"shutdown_timeout": "10s",
		},
		"proxy": map[string]any{
			"client_ip_header":  "CF-Connecting-IP",
			"provenance_header": "X-Proxied-By",
			"provenance_value":  "corsproxy",
			"upstream_timeout":  "25s",
			"max_body_bytes":    10 << 20,
			"max_redirects":     10,
		},
		"rate_limit": map[string]any{
			"backend":        BackendMemory,
			"requests":       10,
			"window":         "10s",
			"sweep_interval": "1m",
			"redis_url":      "",
			"key_prefix":     "corsproxy:rl:",
		},
		"cache": map[string]any{
			"enabled":     true,
			"max_entries": 500,
			"ttl":         "5m",
		},
		"safety": map[string]any{
			"block_private_networks": false,
			"resolve_hosts":          false,
		},
		"logging": map[string]any{
			"level":   "info",
			"profile": "structured",
		},
		"metrics": map[string]any{
			"enabled": true,
			"port":    9090,
		},
		"health": map[string]any{
			"enabled": true,
		},
	}
}

// Validate reports the first setting that cannot run.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}

	switch strings.ToLower(c.RateLimit.Backend) {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RateLimit.RedisURL) == "" {
			return fmt.Errorf("rate_limit.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("rate_limit.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.RateLimit.Backend)
	}
	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate_limit.requests must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}

	if c.Cache.Enabled {
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache.max_entries must be positive")
		}
		if c.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive")
		}
	}

	if c.Proxy.MaxBodyBytes <= 0 {
		return fmt.Errorf("proxy.max_body_bytes must be positive")
	}
	if c.Proxy.MaxRedirects < 1 {
		return fmt.Errorf("proxy.max_redirects must be at least 1")
	}
	if c.Proxy.UpstreamTimeout <= 0 {
		return fmt.Errorf("proxy.upstream_timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	// The write deadline starts before the upstream timer does.
	if c.Proxy.UpstreamTimeout >= c.Server.WriteTimeout {
		return fmt.Errorf("proxy.upstream_timeout (%s) must be shorter than server.write_timeout (%s)",
			c.Proxy.UpstreamTimeout, c.Server.WriteTimeout)
	}
	if strings.TrimSpace(c.Proxy.ClientIPHeader) == "" {
		return fmt.Errorf("proxy.client_ip_header is required")
	}

	return nil
}
