// Package respcache holds fully buffered upstream responses keyed by target
// URL.
//
// The cache is bounded by entry count with least-recently-used eviction, and
// every entry expires a fixed TTL after it was stored regardless of how often
// it is read. Values are copied on the way in and on the way out, so callers
// can mutate what they get back without affecting later hits.
package respcache

import (
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults.
const (
	DefaultMaxEntries = 500
	DefaultTTL        = 5 * time.Minute
)

// Snapshot is a completed response captured for replay.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Status:   s.Status,
		Header:   s.Header.Clone(),
		StoredAt: s.StoredAt,
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if s.Body != nil {
		out.Body = make([]byte, len(s.Body))
		copy(out.Body, s.Body)
	}
	return out
}

// Options configures a Cache.
type Options struct {
	MaxEntries int
	TTL        time.Duration

	// OnEvict is called when an entry is evicted for capacity or expiry.
	OnEvict func(key string)
}

// Cache is safe for concurrent use.
type Cache struct {
	lru *expirable.LRU[string, *Snapshot]
	ttl time.Duration
}

// New creates a Cache. Zero options fall back to the defaults.
func New(opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	var onEvict expirable.EvictCallback[string, *Snapshot]
	if opts.OnEvict != nil {
		hook := opts.OnEvict
		onEvict = func(key string, _ *Snapshot) { hook(key) }
	}

	return &Cache{
		lru: expirable.NewLRU[string, *Snapshot](opts.MaxEntries, onEvict, opts.TTL),
		ttl: opts.TTL,
	}
}

// Get returns a copy of the snapshot stored for key. Expired entries are
// reported as absent. A hit marks the entry as recently used.
func (c *Cache) Get(key string) (*Snapshot, bool) {
	if c == nil {
		return nil, false
	}
	snap, ok := c.lru.Get(key)
	if !ok || snap == nil {
		return nil, false
	}
	return snap.Clone(), true
}

// Set stores a copy of snap under key, replacing any existing entry and
// restarting its TTL.
func (c *Cache) Set(key string, snap *Snapshot) {
	if c == nil || snap == nil {
		return
	}
	stored := snap.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}
	c.lru.Add(key, stored)
}

// Contains reports whether key is cached without touching its recency.
func (c *Cache) Contains(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.lru.Peek(key)
	return ok
}

// Remove drops key.
func (c *Cache) Remove(key string) bool {
	if c == nil {
		return false
	}
	return c.lru.Remove(key)
}

// Len returns the number of entries, expired ones included until they are
// collected.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}
