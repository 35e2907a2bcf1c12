package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/corsproxy/corsproxy/internal/config"
	apperrors "github.com/corsproxy/corsproxy/internal/errors"
	"github.com/corsproxy/corsproxy/internal/metrics"
	"github.com/corsproxy/corsproxy/internal/observability"
	"github.com/corsproxy/corsproxy/internal/proxy"
	"github.com/corsproxy/corsproxy/internal/ratelimit"
	"github.com/corsproxy/corsproxy/internal/respcache"
	"github.com/corsproxy/corsproxy/internal/safety"
	"github.com/corsproxy/corsproxy/internal/server/handlers"
)

const redisPingTimeout = 3 * time.Second

// proxyRuntime owns the long-lived components behind /proxy.
type proxyRuntime struct {
	limiter    ratelimit.Limiter
	memory     *ratelimit.MemoryLimiter
	redis      *redis.Client
	cache      *respcache.Cache
	validator  *safety.Validator
	dispatcher *proxy.Dispatcher
	health     *handlers.HealthManager
}

// buildProxyRuntime constructs the limiter, cache, validator, upstream client
// and dispatcher from cfg, and registers their health checks.
func buildProxyRuntime(ctx context.Context, cfg *config.Config) (*proxyRuntime, error) {
	rt := &proxyRuntime{
		health: handlers.NewHealthManager(versionInfo.Version),
	}

	policy := ratelimit.Policy{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		client, err := newRedisClient(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, err
		}
		rt.redis = client
		rt.limiter = ratelimit.NewRedisLimiter(client, policy, cfg.RateLimit.KeyPrefix)
		rt.health.RegisterChecker("rate_limiter", handlers.CheckerFunc(func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return apperrors.WrapInternal(ctx, err, "redis unreachable")
			}
			return nil
		}))
	default:
		mem := ratelimit.NewMemoryLimiter(policy)
		if cfg.RateLimit.SweepInterval > 0 {
			mem.StartSweeper(cfg.RateLimit.SweepInterval, metrics.RecordRateWindowsSwept)
		}
		rt.memory = mem
		rt.limiter = mem
	}

	if cfg.Cache.Enabled {
		rt.cache = respcache.New(respcache.Options{
			MaxEntries: cfg.Cache.MaxEntries,
			TTL:        cfg.Cache.TTL,
			OnEvict:    func(string) { metrics.RecordCacheEviction() },
		})
	}

	rt.validator = safety.NewValidator(safety.Options{
		BlockPrivateNetworks: cfg.Safety.BlockPrivateNetworks,
		ResolveHosts:         cfg.Safety.ResolveHosts,
	})

	client := proxy.NewUpstreamClient(proxy.ClientOptions{
		Timeout:      cfg.Proxy.UpstreamTimeout,
		MaxRedirects: cfg.Proxy.MaxRedirects,
		Validator:    rt.validator,
	})

	rt.dispatcher = proxy.NewDispatcher(proxy.Options{
		Limiter:          rt.limiter,
		Cache:            rt.cache,
		Validator:        rt.validator,
		Client:           client,
		ClientIPHeader:   cfg.Proxy.ClientIPHeader,
		ProvenanceHeader: cfg.Proxy.ProvenanceHeader,
		ProvenanceValue:  cfg.Proxy.ProvenanceValue,
		MaxBodyBytes:     cfg.Proxy.MaxBodyBytes,
		LimiterBackend:   cfg.RateLimit.Backend,
	})

	if cfg.Metrics.Enabled {
		rt.health.RegisterChecker("telemetry", handlers.CheckerFunc(func(context.Context) error {
			if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
				return apperrors.NewServiceUnavailableError("telemetry system not initialized")
			}
			return nil
		}))
	}

	rt.health.RegisterChecker("app_identity", handlers.CheckerFunc(func(context.Context) error {
		identity := GetAppIdentity()
		switch {
		case identity == nil:
			return apperrors.NewConfigInvalidError("app identity not loaded")
		case identity.BinaryName == "":
			return apperrors.NewConfigInvalidError("app identity missing binary name")
		case identity.EnvPrefix == "":
			return apperrors.NewConfigInvalidError("app identity missing env prefix")
		}
		return nil
	}))

	return rt, nil
}

// Close stops the sweeper and releases the redis connection pool.
func (rt *proxyRuntime) Close() error {
	if rt == nil {
		return nil
	}
	if rt.memory != nil {
		_ = rt.memory.Close()
	}
	if rt.redis != nil {
		return rt.redis.Close()
	}
	return nil
}

func newRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperrors.NewConfigInvalidError(fmt.Sprintf("invalid rate_limit.redis_url: %v", err))
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// The limiter fails open; startup continues without redis.
		if observability.ServerLogger != nil {
			observability.ServerLogger.Warn("Redis rate limiter backend unreachable at startup",
				zap.String("addr", opts.Addr),
				zap.Error(err))
		}
	}
	return client, nil
}
