package integration

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corsproxy/corsproxy/internal/observability"
	"github.com/corsproxy/corsproxy/internal/proxy"
	"github.com/corsproxy/corsproxy/internal/ratelimit"
	"github.com/corsproxy/corsproxy/internal/respcache"
	"github.com/corsproxy/corsproxy/internal/safety"
	"github.com/corsproxy/corsproxy/internal/server"
	"github.com/corsproxy/corsproxy/internal/server/handlers"
)

// upstreamHost is a public-looking name the test transport dials to the local
// upstream server, so targets pass the loopback deny-list.
const upstreamHost = "upstream.example.com"

// cleanupMetrics tears down global telemetry state so each test starts clean.
func cleanupMetrics(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { _ = observability.ShutdownMetrics() })
}

// isPermissionError normalizes OS-specific permission errors (macOS/Linux/BSD)
// so we can gracefully skip when loopback sockets are blocked.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"permission denied", "operation not permitted", "not permitted"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}

	return false
}

// initMetricsOrSkip starts the exporter on a free port, skipping when the
// sandbox forbids binds.
func initMetricsOrSkip(t *testing.T) {
	t.Helper()

	if err := observability.InitMetrics("test", 0); err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping metrics tests due to sandbox permissions: %v", err)
		}
		require.NoError(t, err)
	}

	cleanupMetrics(t)
}

func initLoggers(t *testing.T) {
	t.Helper()
	observability.InitCLILogger("test", false)
	observability.InitServerLogger(observability.ServerLoggerOptions{Service: "test", Level: "info"})
}

func listenLoopback(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		if isPermissionError(err) {
			t.Skipf("skipping server setup: %v", err)
		}
		require.NoError(t, err)
	}
	return listener
}

// newUpstream starts handler on loopback and returns a client whose transport
// sends every connection to it.
func newUpstream(t *testing.T, handler http.Handler) *http.Client {
	t.Helper()

	upstream := &httptest.Server{
		Listener: listenLoopback(t),
		Config:   &http.Server{Handler: handler},
	}
	upstream.Start()
	t.Cleanup(upstream.Close)

	addr := upstream.Listener.Addr().String()
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
	t.Cleanup(transport.CloseIdleConnections)

	return proxy.NewUpstreamClient(proxy.ClientOptions{
		Timeout:   5 * time.Second,
		Validator: safety.NewValidator(safety.Options{}),
		Transport: transport,
	})
}

type stack struct {
	URL     string
	Client  *http.Client
	Limiter *ratelimit.MemoryLimiter
	Cache   *respcache.Cache
}

// newProxyStack serves the full router (middleware, dispatcher, ops
// endpoints) on a loopback listener.
func newProxyStack(t *testing.T, upstream *http.Client, policy ratelimit.Policy, withMetrics bool) *stack {
	t.Helper()

	limiter := ratelimit.NewMemoryLimiter(policy)
	t.Cleanup(func() { _ = limiter.Close() })
	cache := respcache.New(respcache.Options{})

	dispatcher := proxy.NewDispatcher(proxy.Options{
		Limiter:   limiter,
		Cache:     cache,
		Validator: safety.NewValidator(safety.Options{}),
		Client:    upstream,
	})

	srv, err := server.New(server.Options{
		Host:    "127.0.0.1",
		Proxy:   dispatcher,
		Health:  handlers.NewHealthManager("test"),
		Version: handlers.NewVersionHandler(handlers.BuildInfo{Version: "test"}, nil),
		Metrics: withMetrics,
	})
	require.NoError(t, err)

	ts := &httptest.Server{
		Listener: listenLoopback(t),
		Config:   &http.Server{Handler: srv.Handler()},
	}
	ts.Start()
	t.Cleanup(ts.Close)

	return &stack{URL: ts.URL, Client: ts.Client(), Limiter: limiter, Cache: cache}
}
