package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corsproxy/corsproxy/internal/appid"
	"github.com/corsproxy/corsproxy/internal/config"
	"github.com/corsproxy/corsproxy/internal/observability"
)

var (
	cfgFile string
	verbose bool

	// App identity loaded from .fulmen/app.yaml or the embedded copy
	appIdentity *appidentity.Identity

	// Version info set by main package
	versionInfo struct {
		Version   string
		Commit    string
		BuildDate string
	}
)

// SetVersionInfo is called by main package to set version information
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the loaded app identity (only valid after initConfig)
func GetAppIdentity() *appidentity.Identity {
	return appIdentity
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	// NOTE: initConfig() overwrites these from app identity.
	Use:   filepath.Base(os.Args[0]),
	Short: "Rate-limited CORS forwarding proxy",
	Long: `A CORS forwarding proxy with per-client rate limiting, target
safety checks and a short-lived GET response cache.

Use the subcommands to perform specific operations.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Disable global telemetry early so config loading does not emit metrics
	// to stdout. serve installs the real system later.
	disabledConfig := &telemetry.Config{Enabled: false}
	if sys, err := telemetry.NewSystem(disabledConfig); err == nil {
		telemetry.SetGlobalSystem(sys)
	}

	// Load app identity early for help text (before cobra processes --help)
	if identity, err := appid.Get(context.Background()); err == nil && identity != nil {
		appIdentity = identity
		applyIdentity(identity)
	}

	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; defaults to app identity config path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (sets log level to debug)")
}

// initConfig loads the app identity and the CLI logger. Commands load the
// layered config themselves through loadConfig.
func initConfig() {
	identity, err := appid.Get(context.Background())
	if err != nil {
		ExitWithCodeStderr(foundry.ExitFileNotFound, "Failed to load app identity", err)
	}
	appIdentity = identity
	applyIdentity(identity)

	observability.InitCLILogger(binaryName(), verbose)
}

func applyIdentity(identity *appidentity.Identity) {
	if identity == nil {
		return
	}
	if identity.BinaryName != "" {
		rootCmd.Use = identity.BinaryName
	}
	if identity.Description != "" {
		rootCmd.Short = identity.Description
		rootCmd.Long = fmt.Sprintf("%s - %s\n\nUse the subcommands to perform specific operations.", identity.BinaryName, identity.Description)
	}
	if f := rootCmd.PersistentFlags().Lookup("config"); f != nil && identity.ConfigName != "" {
		f.Usage = fmt.Sprintf("config file (default is $XDG_CONFIG_HOME/%s/config.yaml)", identity.ConfigName)
	}
}

// loadConfig resolves the layered config, with overrides from flags the user
// set explicitly on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := flagOverrides(cmd)
	cfg, err := config.Load(cmd.Context(), cfgFile, overrides)
	if err != nil {
		return nil, err
	}
	if observability.CLILogger != nil {
		observability.CLILogger.Debug("Configuration loaded",
			zap.String("config_file", cfgFile),
			zap.String("rate_limit_backend", cfg.RateLimit.Backend))
	}
	return cfg, nil
}

// flagOverrides maps changed command flags onto config paths.
func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	set := func(section, key string, value any) {
		m, ok := overrides[section].(map[string]any)
		if !ok {
			m = map[string]any{}
			overrides[section] = m
		}
		m[key] = value
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		v, _ := flags.GetString("host")
		set("server", "host", v)
	}
	if flags.Changed("port") {
		v, _ := flags.GetInt("port")
		set("server", "port", v)
	}
	if flags.Changed("block-private") {
		v, _ := flags.GetBool("block-private")
		set("safety", "block_private_networks", v)
	}
	if flags.Changed("resolve") {
		v, _ := flags.GetBool("resolve")
		set("safety", "resolve_hosts", v)
	}
	if verbose {
		set("logging", "level", "debug")
	}
	return overrides
}

func binaryName() string {
	return appid.BinaryName(appIdentity)
}

func telemetryNamespace() string {
	return appid.TelemetryNamespace(appIdentity)
}
