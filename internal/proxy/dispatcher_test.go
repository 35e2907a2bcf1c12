package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsproxy/corsproxy/internal/ratelimit"
	"github.com/corsproxy/corsproxy/internal/respcache"
	"github.com/corsproxy/corsproxy/internal/safety"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// upstream records calls made through the stub transport.
type upstream struct {
	calls    atomic.Int32
	mu       sync.Mutex
	lastReq  *http.Request
	lastBody string
	respond  func(*http.Request) (*http.Response, error)
}

func (u *upstream) transport() http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		u.calls.Add(1)
		var body string
		if r.Body != nil {
			b, _ := io.ReadAll(r.Body)
			body = string(b)
		}
		u.mu.Lock()
		u.lastReq = r
		u.lastBody = body
		u.mu.Unlock()
		return u.respond(r)
	})
}

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func okUpstream(body string) *upstream {
	return &upstream{respond: func(*http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, body), nil
	}}
}

func newTestDispatcher(t *testing.T, up *upstream, mutate func(*Options)) *Dispatcher {
	t.Helper()
	opts := Options{
		Limiter: ratelimit.NewMemoryLimiter(ratelimit.DefaultPolicy()),
		Cache:   respcache.New(respcache.Options{}),
		Client:  NewUpstreamClient(ClientOptions{Transport: up.transport()}),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewDispatcher(opts)
}

func proxyRequest(method, target string, body io.Reader) *http.Request {
	path := "/proxy"
	if target != "" {
		path += "?url=" + url.QueryEscape(target)
	}
	return httptest.NewRequest(method, path, body)
}

func serve(d *Dispatcher, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	return rec
}

func TestMissingURL(t *testing.T) {
	up := okUpstream("unused")
	d := newTestDispatcher(t, up, nil)

	rec := serve(d, proxyRequest(http.MethodGet, "", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `{"error":"Missing ?url="}`, rec.Body.String())
	assert.Zero(t, up.calls.Load())
}

func TestRateLimitRejectsEleventhRequest(t *testing.T) {
	up := okUpstream("ok")
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d := newTestDispatcher(t, up, func(o *Options) {
		o.Limiter = ratelimit.NewMemoryLimiter(ratelimit.DefaultPolicy(), ratelimit.WithClock(clock))
		o.Clock = clock
	})

	for i := 0; i < 10; i++ {
		req := proxyRequest(http.MethodPost, "https://example.com/api", strings.NewReader("x"))
		req.Header.Set(DefaultClientIPHeader, "203.0.113.9")
		rec := serve(d, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	req := proxyRequest(http.MethodPost, "https://example.com/api", strings.NewReader("x"))
	req.Header.Set(DefaultClientIPHeader, "203.0.113.9")
	rec := serve(d, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"Rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(10), up.calls.Load())

	// Another client still has its own budget.
	other := proxyRequest(http.MethodPost, "https://example.com/api", strings.NewReader("x"))
	other.Header.Set(DefaultClientIPHeader, "198.51.100.1")
	assert.Equal(t, http.StatusOK, serve(d, other).Code)
}

func TestClientsWithoutHeaderShareUnknownBudget(t *testing.T) {
	up := okUpstream("ok")
	d := newTestDispatcher(t, up, func(o *Options) {
		o.Limiter = ratelimit.NewMemoryLimiter(ratelimit.Policy{Requests: 1, Window: time.Minute})
		o.Cache = nil
	})

	first := proxyRequest(http.MethodGet, "https://example.com", nil)
	first.RemoteAddr = "192.0.2.1:1234"
	second := proxyRequest(http.MethodGet, "https://example.com", nil)
	second.RemoteAddr = "192.0.2.2:1234"

	assert.Equal(t, UnknownClient, d.ClientID(first))
	assert.Equal(t, http.StatusOK, serve(d, first).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(d, second).Code)
}

func TestLimiterFailureAdmitsRequest(t *testing.T) {
	up := okUpstream("ok")
	d := newTestDispatcher(t, up, func(o *Options) {
		o.Limiter = failingLimiter{}
	})

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingLimiter struct{}

func (failingLimiter) Check(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, stderrors.New("redis down")
}

func TestUnsafeTargetsRejected(t *testing.T) {
	up := okUpstream("unused")
	d := newTestDispatcher(t, up, nil)

	for _, target := range []string{
		"ftp://example.com",
		"http://localhost/x",
		"http://127.0.0.1:8080/",
		"http://[::1]/",
		"not a url",
	} {
		t.Run(target, func(t *testing.T) {
			rec := serve(d, proxyRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"error":"Invalid or unsafe URL"}`, rec.Body.String())
		})
	}
	assert.Zero(t, up.calls.Load())
}

func TestGetIsCachedAndServedWithHitMarker(t *testing.T) {
	up := okUpstream("payload")
	d := newTestDispatcher(t, up, nil)

	first := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "payload", first.Body.String())
	assert.Empty(t, first.Header().Get(CacheHeader))

	second := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "payload", second.Body.String())
	assert.Equal(t, CacheHitValue, second.Header().Get(CacheHeader))
	assert.Equal(t, "*", second.Header().Get(AllowOriginHeader))
	assert.Equal(t, "text/plain", second.Header().Get("Content-Type"))

	third := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	assert.Equal(t, "payload", third.Body.String())

	assert.Equal(t, int32(1), up.calls.Load())
}

func TestPostIsNeverCached(t *testing.T) {
	up := okUpstream("created")
	d := newTestDispatcher(t, up, nil)

	for i := 0; i < 2; i++ {
		rec := serve(d, proxyRequest(http.MethodPost, "https://example.com/items", strings.NewReader(`{"a":1}`)))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(CacheHeader))
	}
	assert.Equal(t, int32(2), up.calls.Load())

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com/items", nil))
	assert.Empty(t, rec.Header().Get(CacheHeader))
	assert.Equal(t, int32(3), up.calls.Load())
}

func TestNon200IsNotCached(t *testing.T) {
	up := &upstream{respond: func(*http.Request) (*http.Response, error) {
		return textResponse(http.StatusNotFound, "missing"), nil
	}}
	d := newTestDispatcher(t, up, nil)

	for i := 0; i < 2; i++ {
		rec := serve(d, proxyRequest(http.MethodGet, "https://example.com/nope", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "missing", rec.Body.String())
		assert.Equal(t, "*", rec.Header().Get(AllowOriginHeader))
	}
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestUpstreamErrorBecomes500(t *testing.T) {
	up := &upstream{respond: func(*http.Request) (*http.Response, error) {
		return nil, stderrors.New("connection reset by peer")
	}}
	d := newTestDispatcher(t, up, nil)

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "connection reset by peer")
	assert.Empty(t, rec.Header().Get(AllowOriginHeader))
}

func TestUpstreamBodyFailureBecomes500(t *testing.T) {
	up := &upstream{respond: func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(io.MultiReader(strings.NewReader("partial"), errReader{})),
		}, nil
	}}
	d := newTestDispatcher(t, up, nil)

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "unexpected EOF")

	// The failed response must not have been cached.
	up.respond = func(*http.Request) (*http.Response, error) { return textResponse(http.StatusOK, "full"), nil }
	rec = serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	assert.Equal(t, "full", rec.Body.String())
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestResponseHeadersAreRewritten(t *testing.T) {
	up := &upstream{respond: func(*http.Request) (*http.Response, error) {
		resp := textResponse(http.StatusOK, "hello")
		resp.Header.Set("Content-Encoding", "gzip")
		resp.Header.Set("Transfer-Encoding", "chunked")
		resp.Header.Set("Connection", "keep-alive")
		resp.Header.Set("ETag", `"abc"`)
		resp.Header.Set("Access-Control-Allow-Origin", "https://only.example")
		return resp, nil
	}}
	d := newTestDispatcher(t, up, func(o *Options) {
		o.ProvenanceHeader = "X-Served-Via"
		o.ProvenanceValue = "edge"
	})

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	h := rec.Header()

	assert.Empty(t, h.Get("Content-Encoding"))
	assert.Empty(t, h.Get("Transfer-Encoding"))
	assert.Empty(t, h.Get("Connection"))
	assert.Equal(t, `"abc"`, h.Get("ETag"))
	assert.Equal(t, "*", h.Get(AllowOriginHeader))
	assert.Equal(t, AllowedMethods, h.Get(AllowMethodsHeader))
	assert.Equal(t, "edge", h.Get("X-Served-Via"))
	assert.Equal(t, "5", h.Get("Content-Length"))
}

func TestRequestIsForwardedWithBodyAndHeaders(t *testing.T) {
	up := okUpstream("ok")
	d := newTestDispatcher(t, up, nil)

	req := proxyRequest(http.MethodPut, "https://example.com/items/1?x=y", strings.NewReader(`{"name":"n"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "drop me")

	rec := serve(d, req)
	require.Equal(t, http.StatusOK, rec.Code)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, http.MethodPut, up.lastReq.Method)
	assert.Equal(t, "https://example.com/items/1?x=y", up.lastReq.URL.String())
	assert.Equal(t, `{"name":"n"}`, up.lastBody)
	assert.Equal(t, "application/json", up.lastReq.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer token", up.lastReq.Header.Get("Authorization"))
	assert.Empty(t, up.lastReq.Header.Get("X-Hop"))
	assert.Empty(t, up.lastReq.Header.Get("Connection"))
}

func TestBodyOverLimitIs413(t *testing.T) {
	up := okUpstream("unused")
	d := newTestDispatcher(t, up, func(o *Options) { o.MaxBodyBytes = 4 })

	rec := serve(d, proxyRequest(http.MethodPost, "https://example.com", strings.NewReader("too long")))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"Request body too large"}`, rec.Body.String())
	assert.Zero(t, up.calls.Load())
}

func TestHeadWritesNoBody(t *testing.T) {
	up := &upstream{respond: func(*http.Request) (*http.Response, error) {
		resp := textResponse(http.StatusOK, "")
		resp.Header.Set("Content-Length", "1234")
		return resp, nil
	}}
	d := newTestDispatcher(t, up, nil)

	rec := serve(d, proxyRequest(http.MethodHead, "https://example.com", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "1234", rec.Header().Get("Content-Length"))
}

func TestRedirectToUnsafeTargetFails(t *testing.T) {
	up := &upstream{respond: func(r *http.Request) (*http.Response, error) {
		resp := textResponse(http.StatusFound, "")
		resp.Header.Set("Location", "http://localhost/admin")
		return resp, nil
	}}
	d := newTestDispatcher(t, up, nil)

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "redirect to unsafe target")
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestRedirectsAreFollowed(t *testing.T) {
	up := &upstream{respond: func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/old" {
			resp := textResponse(http.StatusMovedPermanently, "")
			resp.Header.Set("Location", "/new")
			return resp, nil
		}
		return textResponse(http.StatusOK, "moved here"), nil
	}}
	d := newTestDispatcher(t, up, nil)

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com/old", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "moved here", rec.Body.String())
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestRedirectLimit(t *testing.T) {
	up := &upstream{respond: func(r *http.Request) (*http.Response, error) {
		resp := textResponse(http.StatusFound, "")
		resp.Header.Set("Location", "/loop")
		return resp, nil
	}}
	d := newTestDispatcher(t, up, func(o *Options) {
		o.Client = NewUpstreamClient(ClientOptions{MaxRedirects: 2, Transport: up.transport()})
	})

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com/loop", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopped after 2 redirects")
}

func TestPrivateNetworkHardening(t *testing.T) {
	up := okUpstream("unused")
	d := newTestDispatcher(t, up, func(o *Options) {
		o.Validator = safety.NewValidator(safety.Options{BlockPrivateNetworks: true})
	})

	rec := serve(d, proxyRequest(http.MethodGet, "http://10.0.0.1/", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, up.calls.Load())
}

func TestCachedSnapshotsAreIndependent(t *testing.T) {
	up := okUpstream("payload")
	d := newTestDispatcher(t, up, nil)

	serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	hit := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	hit.Header().Set("Content-Type", "mutated")

	again := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
	assert.Equal(t, "text/plain", again.Header().Get("Content-Type"))
	assert.Equal(t, "payload", again.Body.String())
}

func TestConcurrentRequestsShareCacheSafely(t *testing.T) {
	up := okUpstream("payload")
	d := newTestDispatcher(t, up, func(o *Options) {
		o.Limiter = ratelimit.NewMemoryLimiter(ratelimit.Policy{Requests: 1000, Window: time.Minute})
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := serve(d, proxyRequest(http.MethodGet, "https://example.com", nil))
			assert.Equal(t, "payload", rec.Body.String())
		}()
	}
	wg.Wait()
}

func TestUpstreamTimeoutBecomes500(t *testing.T) {
	up := &upstream{respond: func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	}}
	d := newTestDispatcher(t, up, func(o *Options) {
		o.Client = NewUpstreamClient(ClientOptions{Timeout: 50 * time.Millisecond, Transport: up.transport()})
	})

	rec := serve(d, proxyRequest(http.MethodGet, "https://slow.example", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Client.Timeout exceeded")
}

func TestRedirectLimitDefaultsWhenUnset(t *testing.T) {
	hops := 0
	up := &upstream{}
	up.respond = func(r *http.Request) (*http.Response, error) {
		hops++
		if hops <= DefaultMaxRedirects {
			resp := textResponse(http.StatusFound, "")
			resp.Header.Set("Location", "https://example.com/hop")
			return resp, nil
		}
		return textResponse(http.StatusOK, "done"), nil
	}
	d := newTestDispatcher(t, up, func(o *Options) {
		o.Client = NewUpstreamClient(ClientOptions{Transport: up.transport()})
	})

	rec := serve(d, proxyRequest(http.MethodGet, "https://example.com/start", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "stopped after 10 redirects")
}
