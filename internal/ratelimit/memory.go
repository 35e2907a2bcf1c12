package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps windows in a process-local map guarded by a mutex.
type MemoryLimiter struct {
	policy Policy
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]*RateWindow

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// MemoryOption customizes a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(clock func() time.Time) MemoryOption {
	return func(l *MemoryLimiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewMemoryLimiter creates a limiter enforcing policy.
func NewMemoryLimiter(policy Policy, opts ...MemoryOption) *MemoryLimiter {
	l := &MemoryLimiter{
		policy:    policy.withDefaults(),
		clock:     time.Now,
		windows:   make(map[string]*RateWindow),
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts a request for clientID.
func (l *MemoryLimiter) Check(_ context.Context, clientID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w, ok := l.windows[clientID]
	if !ok || now.After(w.ResetAt) {
		w = &RateWindow{Count: 1, ResetAt: now.Add(l.policy.Window)}
		l.windows[clientID] = w
	} else {
		w.Count++
	}

	return Decision{
		Limited: w.Count > l.policy.Requests,
		Count:   w.Count,
		Limit:   l.policy.Requests,
		ResetAt: w.ResetAt,
	}, nil
}

// Window returns a copy of the window for clientID.
func (l *MemoryLimiter) Window(clientID string) (RateWindow, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[clientID]
	if !ok {
		return RateWindow{}, false
	}
	return *w, true
}

// Len returns the number of tracked clients.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Sweep drops windows that have already expired and returns how many were
// removed. An expired window would be replaced on the client's next request
// anyway, so sweeping never changes a decision.
func (l *MemoryLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	removed := 0
	for id, w := range l.windows {
		if now.After(w.ResetAt) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until Close is called.
func (l *MemoryLimiter) StartSweeper(interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed := l.Sweep()
				if onSweep != nil {
					onSweep(removed)
				}
			case <-l.stopSweep:
				return
			}
		}
	}()
}

// Close stops the sweeper goroutine.
func (l *MemoryLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopSweep) })
	return nil
}
