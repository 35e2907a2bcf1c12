// Package appid resolves the application identity (binary name, env prefix,
// config name) used for help text, config discovery and telemetry namespaces.
//
// The helpers below accept a nil or partial identity and fall back to the
// built-in corsproxy names, so callers never branch on a failed lookup.
package appid

import (
	"context"
	"strings"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/corsproxy/corsproxy/internal/assets/appidentity"
)

// Built-in names used when no identity is available.
const (
	DefaultBinaryName = "corsproxy"
	DefaultEnvPrefix  = "CORSPROXY_"
)

func init() {
	// Best-effort; an explicit FULMEN_APP_IDENTITY_PATH still wins.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

// Get returns the process identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// BinaryName is the command name shown in help and logs.
func BinaryName(identity *appidentity.Identity) string {
	if identity != nil && strings.TrimSpace(identity.BinaryName) != "" {
		return identity.BinaryName
	}
	return DefaultBinaryName
}

// ConfigName names the config directory; it falls back to the binary name.
func ConfigName(identity *appidentity.Identity) string {
	if identity != nil && strings.TrimSpace(identity.ConfigName) != "" {
		return identity.ConfigName
	}
	return BinaryName(identity)
}

// EnvPrefix returns the environment variable prefix, always ending in "_".
func EnvPrefix(identity *appidentity.Identity) string {
	prefix := DefaultEnvPrefix
	if identity != nil && strings.TrimSpace(identity.EnvPrefix) != "" {
		prefix = identity.EnvPrefix
	}
	if !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}
	return prefix
}

// TelemetryNamespace prefixes metric names.
func TelemetryNamespace(identity *appidentity.Identity) string {
	if identity != nil {
		if ns := identity.TelemetryNamespace(); ns != "" {
			return ns
		}
	}
	return BinaryName(identity)
}
