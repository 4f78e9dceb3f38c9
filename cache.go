package authz

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long fetched store records stay fresh
const DefaultCacheTTL = 30 * time.Minute

const defaultShardCount = 32

// Kind groups cache entries so a whole category can be dropped per tenant
type Kind uint8

const (
	KindRules Kind = iota + 1
	KindPrincipal
	KindPrincipalRoles
	KindRolePermissions
	KindPolicies
)

func (k Kind) String() string {
	switch k {
	case KindRules:
		return "rules"
	case KindPrincipal:
		return "principal"
	case KindPrincipalRoles:
		return "principal_roles"
	case KindRolePermissions:
		return "role_permissions"
	case KindPolicies:
		return "policies"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// CacheKey identifies a cached lookup. ID is an entity id or a composite key
// such as "GET /admin/users".
type CacheKey struct {
	TenantID string
	Kind     Kind
	ID       string
}

// String is unambiguous: the tenant is length-prefixed and the kind name
// never contains "|", so distinct keys never share a string.
func (k CacheKey) String() string {
	return strconv.Itoa(len(k.TenantID)) + ":" + k.TenantID + "|" + k.Kind.String() + "|" + k.ID
}

type cacheEntry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.insertedAt) > e.ttl
}

type cacheShard struct {
	mu      sync.RWMutex
	entries map[CacheKey]*cacheEntry
}

// CacheOption configures a Cache
type CacheOption func(*Cache)

// WithShards sets the number of independently locked shards
func WithShards(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.shardCount = n
		}
	}
}

// WithDefaultTTL sets the TTL used when Put is called with ttl <= 0
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithGrace keeps expired entries for an extra window so GetStale can serve
// them when the backing store is down.
func WithGrace(grace time.Duration) CacheOption {
	return func(c *Cache) {
		if grace > 0 {
			c.grace = grace
		}
	}
}

// WithCacheClock overrides time.Now (tests)
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is a sharded TTL cache. Expiry is checked lazily on read; the
// janitor started by Run only reclaims memory.
type Cache struct {
	shards     []*cacheShard
	shardCount int
	defaultTTL time.Duration
	grace      time.Duration
	now        func() time.Time
	group      singleflight.Group
	// bumped by every invalidation; Load skips its write when it moved
	gen atomic.Uint64

	hits        atomic.Int64
	misses      atomic.Int64
	puts        atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	staleHits   atomic.Int64
	coalesced   atomic.Int64
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		shardCount: defaultShardCount,
		defaultTTL: DefaultCacheTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.shards = make([]*cacheShard, c.shardCount)
	for i := range c.shards {
		c.shards[i] = &cacheShard{entries: make(map[CacheKey]*cacheEntry)}
	}
	return c
}

func (c *Cache) shard(key CacheKey) *cacheShard {
	h := xxhash.Sum64String(key.String())
	return c.shards[h%uint64(len(c.shards))]
}

// Get returns a fresh value. An expired entry reads as a miss and is removed,
// unless it is still inside the grace window.
func (c *Cache) Get(key CacheKey) (any, bool) {
	s := c.shard(key)
	now := c.now()
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if !entry.expired(now) {
		c.hits.Add(1)
		return entry.value, true
	}
	c.misses.Add(1)
	if c.grace <= 0 || now.Sub(entry.insertedAt) > entry.ttl+c.grace {
		s.mu.Lock()
		// another writer may have refreshed the key in between
		if cur, ok := s.entries[key]; ok && cur == entry {
			delete(s.entries, key)
			c.expirations.Add(1)
		}
		s.mu.Unlock()
	}
	return nil, false
}

// GetStale returns an expired value that is still inside the grace window
func (c *Cache) GetStale(key CacheKey) (any, bool) {
	if c.grace <= 0 {
		return nil, false
	}
	s := c.shard(key)
	now := c.now()
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || now.Sub(entry.insertedAt) > entry.ttl+c.grace {
		return nil, false
	}
	c.staleHits.Add(1)
	return entry.value, true
}

// Put stores value under key. ttl <= 0 uses the default TTL.
func (c *Cache) Put(key CacheKey, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	s := c.shard(key)
	entry := &cacheEntry{value: value, insertedAt: c.now(), ttl: ttl}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	c.puts.Add(1)
}

// putIfGen stores value unless an invalidation happened since gen was read
func (c *Cache) putIfGen(key CacheKey, value any, ttl time.Duration, gen uint64) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	s := c.shard(key)
	entry := &cacheEntry{value: value, insertedAt: c.now(), ttl: ttl}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.gen.Load() != gen {
		return false
	}
	s.entries[key] = entry
	c.puts.Add(1)
	return true
}

// Invalidate drops a single key
func (c *Cache) Invalidate(key CacheKey) {
	c.gen.Add(1)
	s := c.shard(key)
	s.mu.Lock()
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		c.evictions.Add(1)
	}
	s.mu.Unlock()
}

// InvalidateKind drops every entry of kind for tenantID
func (c *Cache) InvalidateKind(tenantID string, kind Kind) {
	c.drop(func(k CacheKey) bool { return k.TenantID == tenantID && k.Kind == kind })
}

// InvalidateTenant drops every entry of tenantID
func (c *Cache) InvalidateTenant(tenantID string) {
	c.drop(func(k CacheKey) bool { return k.TenantID == tenantID })
}

// Clear drops everything
func (c *Cache) Clear() {
	c.drop(func(CacheKey) bool { return true })
}

// drop locks one shard at a time so unrelated shards stay available
func (c *Cache) drop(match func(CacheKey) bool) {
	c.gen.Add(1)
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.entries {
			if match(k) {
				delete(s.entries, k)
				c.evictions.Add(1)
			}
		}
		s.mu.Unlock()
	}
}

// Len returns the number of stored entries, expired ones included
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Stats returns counters for monitoring
func (c *Cache) Stats() map[string]int {
	return map[string]int{
		"hits":        int(c.hits.Load()),
		"misses":      int(c.misses.Load()),
		"puts":        int(c.puts.Load()),
		"evictions":   int(c.evictions.Load()),
		"expirations": int(c.expirations.Load()),
		"stale_hits":  int(c.staleHits.Load()),
		"coalesced":   int(c.coalesced.Load()),
		"entries":     c.Len(),
		"shards":      len(c.shards),
	}
}

// Sweep removes entries past ttl plus grace and returns how many were removed
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.insertedAt) > e.ttl+c.grace {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.expirations.Add(int64(removed))
	return removed
}

// Run sweeps every interval until ctx is done
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Load returns the cached value for key or calls fetch once for all
// concurrent callers of the same key and caches its result. The fetch runs
// with the context of whichever caller started it, stripped of cancellation,
// so a populate that has begun always completes; callers still stop waiting
// when their own ctx is done.
//
// Flights are keyed by generation: a caller arriving after an invalidation
// never joins a fetch that started before it. A panicking fetch is returned
// as an ErrStoreUnavailable error and nothing is cached.
func (c *Cache) Load(ctx context.Context, key CacheKey, ttl time.Duration, fetch func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	detached := context.WithoutCancel(ctx)
	gen := c.gen.Load()
	flight := strconv.FormatUint(gen, 10) + "#" + key.String()
	ch := c.group.DoChan(flight, func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				v, err = nil, fmt.Errorf("%w: fetch %s panicked: %v", ErrStoreUnavailable, key, r)
			}
		}()
		v, err = fetch(detached)
		if err != nil {
			return nil, err
		}
		c.putIfGen(key, v, ttl, gen)
		return v, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.coalesced.Add(1)
		}
		return res.Val, res.Err
	}
}
