// Package ratelimit implements per-client fixed window admission control.
//
// Each client identifier owns one window. The first request after a window
// expires starts a new window with a count of one; every other request
// increments the count. A request is over the limit when the count is
// strictly greater than the threshold, so exactly Requests calls fit in a
// window.
package ratelimit

import (
	"context"
	"time"
)

// Default policy.
const (
	DefaultRequests = 10
	DefaultWindow   = 10 * time.Second
)

// Policy configures the fixed window.
type Policy struct {
	Requests int
	Window   time.Duration
}

// DefaultPolicy returns the 10 requests per 10 seconds policy.
func DefaultPolicy() Policy {
	return Policy{Requests: DefaultRequests, Window: DefaultWindow}
}

func (p Policy) withDefaults() Policy {
	if p.Requests <= 0 {
		p.Requests = DefaultRequests
	}
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	return p
}

// RateWindow is the state kept for one client identifier.
type RateWindow struct {
	Count   int
	ResetAt time.Time
}

// Decision is the outcome of a single Check.
type Decision struct {
	Limited bool
	Count   int
	Limit   int
	ResetAt time.Time
}

// RetryAfter returns the time left in the window relative to now, never
// negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Limiter counts one request for clientID and reports whether it exceeds the
// policy. Implementations must be safe for concurrent use.
type Limiter interface {
	Check(ctx context.Context, clientID string) (Decision, error)
}

// IsOverLimit is a convenience wrapper that fails open when the limiter
// backend errors.
func IsOverLimit(ctx context.Context, l Limiter, clientID string) bool {
	if l == nil {
		return false
	}
	decision, err := l.Check(ctx, clientID)
	if err != nil {
		return false
	}
	return decision.Limited
}
