package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/corsproxy/corsproxy/internal/config"
	errwrap "github.com/corsproxy/corsproxy/internal/errors"
	"github.com/corsproxy/corsproxy/internal/metrics"
	"github.com/corsproxy/corsproxy/internal/observability"
	"github.com/corsproxy/corsproxy/internal/server"
	"github.com/corsproxy/corsproxy/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	Long: `Start the CORS proxy with graceful shutdown support.

Endpoints:
  GET  /            liveness banner
  ANY  /proxy?url=  forward to the target URL
  GET  /health/*    health probes (when enabled)
  GET  /version     build information
  GET  /metrics     Prometheus metrics (when enabled)

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read and validate configuration`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return errwrap.NewConfigInvalidError(err.Error())
	}

	namespace := telemetryNamespace()
	observability.InitServerLogger(observability.ServerLoggerOptions{
		Service:   binaryName(),
		Level:     cfg.Logging.Level,
		Profile:   cfg.Logging.Profile,
		Namespace: namespace,
	})
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(namespace, cfg.Metrics.Port); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
		metrics.SetServerStartTime(time.Now().Unix())
	}

	rt, err := buildProxyRuntime(ctx, cfg)
	if err != nil {
		_ = observability.ShutdownMetrics()
		return err
	}

	opts := server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		Proxy:        rt.dispatcher,
		Version: handlers.NewVersionHandler(handlers.BuildInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}, GetAppIdentity()),
		Metrics: cfg.Metrics.Enabled,
	}
	if cfg.Health.Enabled {
		opts.Health = rt.health
	}

	srv, err := server.New(opts)
	if err != nil {
		_ = rt.Close()
		_ = observability.ShutdownMetrics()
		return errwrap.WrapInternal(ctx, err, "server construction failed")
	}

	logger.Info("Initializing server",
		zap.String("service", binaryName()),
		zap.String("namespace", namespace),
		zap.String("version", versionInfo.Version),
		zap.String("addr", srv.Addr()),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.Int("rate_limit_requests", cfg.RateLimit.Requests),
		zap.Duration("rate_limit_window", cfg.RateLimit.Window),
		zap.Bool("cache_enabled", cfg.Cache.Enabled),
		zap.Duration("cache_ttl", rt.cache.TTL()),
		zap.Duration("upstream_timeout", cfg.Proxy.UpstreamTimeout),
		zap.Bool("block_private_networks", cfg.Safety.BlockPrivateNetworks),
		zap.Int("metrics_port", observability.GetMetricsPort()))

	registerShutdown(srv, rt, cfg.Server.ShutdownTimeout)
	registerReload()

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		return errwrap.WrapInternal(ctx, err, "server error")
	}
	return nil
}

// registerShutdown installs the shutdown handlers. gofulmen runs them LIFO,
// so the HTTP server drains first and the logger is flushed last.
func registerShutdown(srv *server.Server, rt *proxyRuntime, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := observability.ServerLogger

	signals.OnShutdown(func(ctx context.Context) error {
		if err := logger.Sync(); err != nil {
			// Sync errors are often benign (stdout/stderr already closed)
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		if err := rt.Close(); err != nil {
			logger.Warn("Failed to close proxy runtime", zap.Error(err))
		}
		if err := observability.ShutdownMetrics(); err != nil {
			logger.Warn("Failed to stop metrics exporter", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}
		logger.Info("HTTP server stopped gracefully")
		return nil
	})
}

// registerReload re-reads configuration on SIGHUP. Listener, limiter and cache
// settings only take effect after a restart.
func registerReload() {
	signals.OnReload(func(ctx context.Context) error {
		logger := observability.ServerLogger
		logger.Info("Received SIGHUP: reloading configuration")

		cfg, err := config.Load(ctx, cfgFile)
		if err != nil {
			logger.Error("Configuration reload failed", zap.Error(err))
			return errwrap.NewConfigInvalidError(err.Error())
		}

		logger.Info("Configuration reloaded; restart to apply proxy changes",
			zap.String("log_level", cfg.Logging.Level),
			zap.String("rate_limit_backend", cfg.RateLimit.Backend))
		return nil
	})
}
