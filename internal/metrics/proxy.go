package metrics

import (
	"strconv"
	"time"

	"github.com/corsproxy/corsproxy/internal/observability"
)

// Proxy metric names
const (
	CacheLookupsTotal      = "proxy_cache_lookups_total"
	CacheEvictionsTotal    = "proxy_cache_evictions_total"
	RateLimitedTotal       = "proxy_rate_limited_total"
	RateLimiterErrorsTotal = "proxy_rate_limiter_errors_total"
	RateWindowsSwept       = "proxy_rate_windows_swept_total"
	UnsafeTargetsTotal     = "proxy_unsafe_targets_total"
	UpstreamRequestsTotal  = "proxy_upstream_requests_total"
	UpstreamDuration       = "proxy_upstream_duration_ms"

	HealthCheckTotal    = "app_health_check_total"
	HealthCheckDuration = "app_health_check_duration_ms"
	ServerStartTime     = "app_server_start_time_seconds"
)

// RecordCacheLookup counts a GET cache lookup as hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	counter(CacheLookupsTotal, map[string]string{"result": result})
}

// RecordCacheEviction counts an entry dropped for capacity or expiry.
func RecordCacheEviction() {
	counter(CacheEvictionsTotal, nil)
}

// RecordRateLimited counts a request rejected with 429.
func RecordRateLimited() {
	counter(RateLimitedTotal, nil)
}

// RecordRateLimiterError counts a limiter backend failure (request admitted).
func RecordRateLimiterError(backend string) {
	counter(RateLimiterErrorsTotal, map[string]string{"backend": backend})
}

// RecordRateWindowsSwept adds the number of expired windows removed by a sweep.
func RecordRateWindowsSwept(removed int) {
	if removed <= 0 || observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(RateWindowsSwept, float64(removed), nil)
}

// RecordUnsafeTarget counts a target rejected by the safety validator.
func RecordUnsafeTarget(reason string) {
	counter(UnsafeTargetsTotal, map[string]string{"reason": reason})
}

// RecordUpstream records one upstream fetch. status is 0 when the fetch failed
// before a response arrived.
func RecordUpstream(method string, status int, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	statusLabel := "error"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	_ = observability.TelemetrySystem.Counter(UpstreamRequestsTotal, 1, map[string]string{
		"method": method,
		"status": statusLabel,
	})
	_ = observability.TelemetrySystem.Histogram(UpstreamDuration, duration, map[string]string{
		"method": method,
	})
}

// RecordHealthCheck records a health check execution
func RecordHealthCheck(checkName string, healthy bool, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	_ = observability.TelemetrySystem.Counter(HealthCheckTotal, 1, map[string]string{
		"check":  checkName,
		"status": status,
	})
	_ = observability.TelemetrySystem.Histogram(HealthCheckDuration, duration, map[string]string{
		"check": checkName,
	})
}

// SetServerStartTime records the server start time (Unix timestamp)
func SetServerStartTime(timestamp int64) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Gauge(ServerStartTime, float64(timestamp), nil)
}

func counter(name string, tags map[string]string) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(name, 1, tags)
}
