// Package config provides centralized configuration management for the proxy.
// Layers, lowest precedence first:
// Layer 1: built-in defaults (Defaults)
// Layer 2: YAML file (--config, or config.yaml in the XDG app config dir, or ./config)
// Layer 3: environment variables and runtime overrides
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/corsproxy/corsproxy/internal/appid"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// Load resolves all layers into a validated Config and makes it the current
// config. configFile may be empty; when set it must exist.
//
// This function is safe to call multiple times (e.g., for config reload)
func Load(ctx context.Context, configFile string, runtimeOverrides ...map[string]any) (*Config, error) {
	identity, _ := appid.Get(ctx)

	merged := Defaults()

	path, err := resolveConfigFile(configFile, identity)
	if err != nil {
		return nil, err
	}
	if path != "" {
		fileSettings, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		mergeMaps(merged, fileSettings)
	}

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs(appid.EnvPrefix(identity)))
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	mergeMaps(merged, envOverrides)

	for _, overrides := range runtimeOverrides {
		mergeMaps(merged, overrides)
	}

	cfg, err := decode(merged)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit.Backend = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	setConfig(cfg)
	return cfg, nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	identity, _ := appid.Get(context.Background())
	return defaultConfigPath(identity)
}

func defaultConfigPath(identity *appidentity.Identity) string {
	configDir := gfconfig.GetAppConfigDir(appid.ConfigName(identity))
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

func resolveConfigFile(explicit string, identity *appidentity.Identity) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	candidates := []string{
		defaultConfigPath(identity),
		filepath.Join("config", "config.yaml"),
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

func readConfigFile(path string) (map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return v.AllSettings(), nil
}

func decode(merged map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// mergeMaps deep-merges src into dst. Keys are matched case-insensitively,
// since viper lower-cases file keys.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		key = strings.ToLower(key)
		srcMap, srcIsMap := asMap(value)
		if srcIsMap {
			if dstMap, ok := asMap(dst[key]); ok {
				mergeMaps(dstMap, srcMap)
				dst[key] = dstMap
				continue
			}
			next := map[string]any{}
			mergeMaps(next, srcMap)
			dst[key] = next
			continue
		}
		dst[key] = value
	}
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		converted := make(map[string]any, len(typed))
		for k, v := range typed {
			converted[fmt.Sprint(k)] = v
		}
		return converted, true
	default:
		return nil, false
	}
}

// getEnvSpecs maps {PREFIX}{NAME} environment variables to config paths.
// Duration fields are read as strings and converted by the decode hook.
func getEnvSpecs(prefix string) []EnvVarSpec {
	return []EnvVarSpec{
		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},

		// Proxy config
		{Name: prefix + "CLIENT_IP_HEADER", Path: []string{"proxy", "client_ip_header"}, Type: EnvString},
		{Name: prefix + "PROVENANCE_HEADER", Path: []string{"proxy", "provenance_header"}, Type: EnvString},
		{Name: prefix + "PROVENANCE_VALUE", Path: []string{"proxy", "provenance_value"}, Type: EnvString},
		{Name: prefix + "UPSTREAM_TIMEOUT", Path: []string{"proxy", "upstream_timeout"}, Type: EnvString},
		{Name: prefix + "MAX_BODY_BYTES", Path: []string{"proxy", "max_body_bytes"}, Type: EnvInt},
		{Name: prefix + "MAX_REDIRECTS", Path: []string{"proxy", "max_redirects"}, Type: EnvInt},

		// Rate limit config
		{Name: prefix + "RATE_LIMIT_BACKEND", Path: []string{"rate_limit", "backend"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_REQUESTS", Path: []string{"rate_limit", "requests"}, Type: EnvInt},
		{Name: prefix + "RATE_LIMIT_WINDOW", Path: []string{"rate_limit", "window"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_SWEEP_INTERVAL", Path: []string{"rate_limit", "sweep_interval"}, Type: EnvString},
		{Name: prefix + "REDIS_URL", Path: []string{"rate_limit", "redis_url"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_KEY_PREFIX", Path: []string{"rate_limit", "key_prefix"}, Type: EnvString},

		// Cache config
		{Name: prefix + "CACHE_ENABLED", Path: []string{"cache", "enabled"}, Type: EnvBool},
		{Name: prefix + "CACHE_MAX_ENTRIES", Path: []string{"cache", "max_entries"}, Type: EnvInt},
		{Name: prefix + "CACHE_TTL", Path: []string{"cache", "ttl"}, Type: EnvString},

		// Safety config
		{Name: prefix + "BLOCK_PRIVATE_NETWORKS", Path: []string{"safety", "block_private_networks"}, Type: EnvBool},
		{Name: prefix + "RESOLVE_HOSTS", Path: []string{"safety", "resolve_hosts"}, Type: EnvBool},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		// Metrics config
		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "METRICS_PORT", Path: []string{"metrics", "port"}, Type: EnvInt},

		// Health config
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
	}
}
