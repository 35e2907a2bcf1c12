// Package proxy implements the /proxy request lifecycle: rate check, target
// validation, cache lookup, upstream fetch, header rewrite and cache store.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/corsproxy/corsproxy/internal/errors"
	"github.com/corsproxy/corsproxy/internal/metrics"
	"github.com/corsproxy/corsproxy/internal/observability"
	"github.com/corsproxy/corsproxy/internal/ratelimit"
	"github.com/corsproxy/corsproxy/internal/respcache"
	"github.com/corsproxy/corsproxy/internal/safety"
	"github.com/corsproxy/corsproxy/internal/server/middleware"
)

// Defaults.
const (
	DefaultClientIPHeader   = "CF-Connecting-IP"
	DefaultProvenanceHeader = "X-Proxied-By"
	DefaultProvenanceValue  = "corsproxy"
	DefaultMaxBodyBytes     = 10 << 20

	// UnknownClient is the shared identity of callers without the client
	// address header.
	UnknownClient = "unknown"
)

// Options wires a Dispatcher. Limiter and Cache may be nil to disable them.
type Options struct {
	Limiter   ratelimit.Limiter
	Cache     *respcache.Cache
	Validator *safety.Validator
	Client    Fetcher

	ClientIPHeader   string
	ProvenanceHeader string
	ProvenanceValue  string
	MaxBodyBytes     int64

	// LimiterBackend labels limiter failure metrics.
	LimiterBackend string

	Clock func() time.Time
}

// Dispatcher serves /proxy. It is safe for concurrent use; all shared state
// lives in the limiter and cache.
type Dispatcher struct {
	limiter   ratelimit.Limiter
	cache     *respcache.Cache
	validator *safety.Validator
	client    Fetcher

	clientIPHeader   string
	provenanceHeader string
	provenanceValue  string
	maxBodyBytes     int64
	limiterBackend   string
	clock            func() time.Time
}

// NewDispatcher fills unset options with defaults.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		limiter:          opts.Limiter,
		cache:            opts.Cache,
		validator:        opts.Validator,
		client:           opts.Client,
		clientIPHeader:   opts.ClientIPHeader,
		provenanceHeader: opts.ProvenanceHeader,
		provenanceValue:  opts.ProvenanceValue,
		maxBodyBytes:     opts.MaxBodyBytes,
		limiterBackend:   opts.LimiterBackend,
		clock:            opts.Clock,
	}
	if d.client == nil {
		d.client = NewUpstreamClient(ClientOptions{Validator: d.validator})
	}
	if d.clientIPHeader == "" {
		d.clientIPHeader = DefaultClientIPHeader
	}
	if d.provenanceHeader == "" {
		d.provenanceHeader = DefaultProvenanceHeader
	}
	if d.provenanceValue == "" {
		d.provenanceValue = DefaultProvenanceValue
	}
	if d.maxBodyBytes <= 0 {
		d.maxBodyBytes = DefaultMaxBodyBytes
	}
	if d.limiterBackend == "" {
		d.limiterBackend = "memory"
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	return d
}

// ClientID returns the rate limit identity of r.
func (d *Dispatcher) ClientID(r *http.Request) string {
	if id := r.Header.Get(d.clientIPHeader); id != "" {
		return id
	}
	return UnknownClient
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	target := r.URL.Query().Get("url")
	if target == "" {
		apperrors.RespondWithProxyError(w, r, apperrors.NewMissingURLError())
		return
	}

	clientID := d.ClientID(r)

	if decision, limited := d.overLimit(ctx, clientID); limited {
		metrics.RecordRateLimited()
		if wait := decision.RetryAfter(d.clock()); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		apperrors.RespondWithProxyError(w, r, apperrors.NewRateLimitedError(clientID))
		return
	}

	if reason := d.validator.Reason(ctx, target); reason != "" {
		metrics.RecordUnsafeTarget(reason)
		apperrors.RespondWithProxyError(w, r, apperrors.NewUnsafeTargetError(target, reason))
		return
	}

	cacheable := r.Method == http.MethodGet && d.cache != nil
	if cacheable {
		if snap, ok := d.cache.Get(target); ok {
			metrics.RecordCacheLookup(true)
			debug(ctx, "cache hit", zap.String("target", target))
			snap.Header.Set(CacheHeader, CacheHitValue)
			writeSnapshot(w, r, snap)
			return
		}
		metrics.RecordCacheLookup(false)
		debug(ctx, "cache miss", zap.String("target", target))
	}

	body, err := d.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			apperrors.RespondWithProxyError(w, r, apperrors.NewPayloadTooLargeError(tooLarge.Limit))
			return
		}
		apperrors.RespondWithProxyError(w, r, apperrors.WrapUpstreamFailure(ctx, err, target))
		return
	}

	snap, err := d.fetch(ctx, r, target, body)
	if err != nil {
		apperrors.RespondWithProxyError(w, r, apperrors.WrapUpstreamFailure(ctx, err, target))
		return
	}

	if cacheable && snap.Status == http.StatusOK {
		d.cache.Set(target, snap)
	}
	writeSnapshot(w, r, snap)
}

// overLimit fails open: a broken limiter backend must not take the proxy
// down with it.
func (d *Dispatcher) overLimit(ctx context.Context, clientID string) (ratelimit.Decision, bool) {
	if d.limiter == nil {
		return ratelimit.Decision{}, false
	}
	decision, err := d.limiter.Check(ctx, clientID)
	if err != nil {
		metrics.RecordRateLimiterError(d.limiterBackend)
		if observability.ServerLogger != nil {
			observability.ServerLogger.Warn("rate limiter unavailable, admitting request",
				zap.String("backend", d.limiterBackend),
				zap.String("client_id", clientID),
				zap.Error(err),
				zap.String("request_id", middleware.GetRequestID(ctx)),
			)
		}
		return ratelimit.Decision{}, false
	}
	return decision, decision.Limited
}

// readBody buffers the request body for methods that carry one.
func (d *Dispatcher) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, d.maxBodyBytes))
}

func (d *Dispatcher) fetch(ctx context.Context, r *http.Request, target string, body []byte) (*respcache.Snapshot, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header = upstreamRequestHeaders(r.Header)
	req.ContentLength = int64(len(body))

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		metrics.RecordUpstream(r.Method, 0, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	metrics.RecordUpstream(r.Method, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	rewriteResponseHeaders(header, d.provenanceHeader, d.provenanceValue)

	debug(ctx, "upstream fetched",
		zap.String("method", r.Method),
		zap.String("target", target),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(payload)),
		zap.Duration("duration", time.Since(start)),
	)

	return &respcache.Snapshot{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     payload,
		StoredAt: d.clock(),
	}, nil
}

func writeSnapshot(w http.ResponseWriter, r *http.Request, snap *respcache.Snapshot) {
	dst := w.Header()
	for name, values := range snap.Header {
		dst[name] = append([]string(nil), values...)
	}

	writeBody := r.Method != http.MethodHead && bodyAllowed(snap.Status)
	if writeBody {
		dst.Set("Content-Length", strconv.Itoa(len(snap.Body)))
	}

	w.WriteHeader(snap.Status)
	if writeBody && len(snap.Body) > 0 {
		_, _ = w.Write(snap.Body)
	}
}

func debug(ctx context.Context, msg string, fields ...zap.Field) {
	if observability.ServerLogger == nil {
		return
	}
	fields = append(fields, zap.String("request_id", middleware.GetRequestID(ctx)))
	observability.ServerLogger.Debug(msg, fields...)
}
