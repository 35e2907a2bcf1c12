package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corsproxy/corsproxy/internal/config"
	errwrap "github.com/corsproxy/corsproxy/internal/errors"
	"github.com/corsproxy/corsproxy/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify the proxy can start: version info, configuration and, for the redis backend, connectivity.",
	Run: func(cmd *cobra.Command, args []string) {
		logger := observability.CLILogger
		if logger == nil {
			ExitWithCodeStderr(foundry.ExitConfigInvalid, "Logger not initialized", errwrap.NewConfigInvalidError("Logger not initialized"))
			return
		}
		logger.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		logger.Debug("Version check passed", zap.String("version", versionInfo.Version))
		logger.Info("✅ Version information available")

		cfg, err := loadConfig(cmd)
		if err != nil {
			ExitWithCode(logger, foundry.ExitConfigInvalid, "Configuration invalid", errwrap.NewConfigInvalidError(err.Error()))
			return
		}
		logger.Info("✅ Configuration valid")

		if cfg.RateLimit.Backend == config.BackendRedis {
			if err := pingRedis(cmd.Context(), cfg.RateLimit.RedisURL); err != nil {
				ExitWithCode(logger, foundry.ExitFailure, "Redis rate limiter backend unreachable", err)
				return
			}
			logger.Info("✅ Redis rate limiter backend reachable")
		}

		logger.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func pingRedis(ctx context.Context, redisURL string) error {
	client, err := newRedisClient(ctx, redisURL)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return errwrap.WrapInternal(ctx, err, "redis ping failed")
	}
	return nil
}
