package integration

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsproxy/corsproxy/internal/observability"
	"github.com/corsproxy/corsproxy/internal/ratelimit"
)

func scrape(t *testing.T, client *http.Client, base string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(base + "/metrics")
	require.NoError(t, err)
	body, readErr := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, readErr)
	return resp, string(body)
}

func TestMetricsEndpoint_Integration(t *testing.T) {
	initLoggers(t)
	initMetricsOrSkip(t)

	var hits atomic.Int32
	s := newProxyStack(t, newEchoUpstream(t, &hits), ratelimit.Policy{Requests: 1000, Window: time.Minute}, true)

	const numRequests = 40
	const numWorkers = 8

	requestChan := make(chan int, numRequests)
	for i := 0; i < numRequests; i++ {
		requestChan <- i
	}
	close(requestChan)

	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for reqNum := range requestChan {
				var path string
				switch reqNum % 4 {
				case 0:
					path = proxyURL("", "http://"+upstreamHost+"/data.json")
				case 1:
					path = proxyURL("", "http://localhost/")
				case 2:
					path = "/missing"
				default:
					path = "/health"
				}

				resp, err := s.Client.Get(s.URL + path)
				if err == nil {
					_ = resp.Body.Close()
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)

	resp, metricsContent := scrape(t, s.Client, s.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Contains(t, metricsContent, "test_http_requests_total", "Should have HTTP request metrics")
	assert.Contains(t, metricsContent, "test_http_request_duration_ms", "Should have duration metrics")
	assert.Contains(t, metricsContent, "proxy_cache_lookups_total", "Should have cache metrics")
	assert.Contains(t, metricsContent, "proxy_unsafe_targets_total", "Should have safety metrics")
	assert.Contains(t, metricsContent, "proxy_upstream_requests_total", "Should have upstream metrics")
	assert.True(t, elapsed < 5*time.Second, "Load test should complete in reasonable time")
	t.Logf("Load test completed: %d requests in %v (%.2f req/s)", numRequests, elapsed, float64(numRequests)/elapsed.Seconds())
}

func TestMetricsEndpoint_PrometheusFormat(t *testing.T) {
	initLoggers(t)
	initMetricsOrSkip(t)

	var hits atomic.Int32
	s := newProxyStack(t, newEchoUpstream(t, &hits), ratelimit.DefaultPolicy(), true)

	resp, _ := do(t, s.Client, http.MethodGet, s.URL+"/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, metricsContent := scrape(t, s.Client, s.URL)
	contentType := resp.Header.Get("Content-Type")
	assert.True(t,
		contentType == "text/plain; version=0.0.4" ||
			contentType == "text/plain; version=0.0.4; charset=utf-8",
		"Expected Prometheus content type, got: %s", contentType)

	lines := strings.Split(strings.TrimSpace(metricsContent), "\n")
	metricLines := 0
	hasLabelledMetric := false
	for _, line := range lines {
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		metricLines++
		if strings.Contains(line, "{") && len(strings.Fields(line)) >= 2 {
			hasLabelledMetric = true
		}
	}
	assert.True(t, hasLabelledMetric, "Should have valid Prometheus metric lines")
	assert.Greater(t, metricLines, 0, "Should have actual metric values")
}

func TestMetricsEndpoint_WithTelemetryDisabled(t *testing.T) {
	initLoggers(t)
	require.NoError(t, observability.ShutdownMetrics())

	var hits atomic.Int32
	s := newProxyStack(t, newEchoUpstream(t, &hits), ratelimit.DefaultPolicy(), true)

	resp, _ := do(t, s.Client, http.MethodGet, s.URL+"/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = scrape(t, s.Client, s.URL)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint_NotRoutedWhenDisabled(t *testing.T) {
	initLoggers(t)

	var hits atomic.Int32
	s := newProxyStack(t, newEchoUpstream(t, &hits), ratelimit.DefaultPolicy(), false)

	resp, body := scrape(t, s.Client, s.URL)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not Found", body)
}
