package authz_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	authz "github.com/aixone/authz"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func key(tenant string, kind authz.Kind, id string) authz.CacheKey {
	return authz.CacheKey{TenantID: tenant, Kind: kind, ID: id}
}

func TestCacheLazyExpiry(t *testing.T) {
	clock := newFakeClock()
	c := authz.NewCache(authz.WithCacheClock(clock.Now))
	k := key("t1", authz.KindRules, "GET /admin/x")
	c.Put(k, "v", time.Minute)
	if v, ok := c.Get(k); !ok || v != "v" {
		t.Fatalf("expected fresh hit, got %v %v", v, ok)
	}
	clock.Advance(time.Minute + time.Second)
	if _, ok := c.Get(k); ok {
		t.Fatalf("expected expired entry to read as miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry should be removed on read, len=%d", c.Len())
	}
	stats := c.Stats()
	if stats["hits"] != 1 || stats["misses"] != 1 || stats["expirations"] != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}
}

func TestCacheGraceServesStale(t *testing.T) {
	clock := newFakeClock()
	c := authz.NewCache(authz.WithCacheClock(clock.Now), authz.WithGrace(time.Minute))
	k := key("t1", authz.KindPolicies, "doc:read")
	c.Put(k, 42, time.Minute)
	clock.Advance(90 * time.Second)
	if _, ok := c.Get(k); ok {
		t.Fatalf("expired entry must not be served by Get")
	}
	if v, ok := c.GetStale(k); !ok || v != 42 {
		t.Fatalf("expected stale value inside grace, got %v %v", v, ok)
	}
	clock.Advance(time.Minute)
	if _, ok := c.GetStale(k); ok {
		t.Fatalf("stale value must not outlive grace")
	}
}

func TestCacheInvalidateScopes(t *testing.T) {
	c := authz.NewCache()
	a := key("t1", authz.KindRolePermissions, "r1")
	b := key("t1", authz.KindRolePermissions, "r2")
	p := key("t1", authz.KindPolicies, "doc:read")
	other := key("t2", authz.KindRolePermissions, "r1")
	for _, k := range []authz.CacheKey{a, b, p, other} {
		c.Put(k, k.ID, 0)
	}
	c.Invalidate(a)
	if _, ok := c.Get(a); ok {
		t.Fatalf("invalidated key still present")
	}
	c.InvalidateKind("t1", authz.KindRolePermissions)
	if _, ok := c.Get(b); ok {
		t.Fatalf("kind invalidation missed r2")
	}
	if _, ok := c.Get(p); !ok {
		t.Fatalf("kind invalidation dropped another kind")
	}
	c.InvalidateTenant("t1")
	if _, ok := c.Get(p); ok {
		t.Fatalf("tenant invalidation missed policies")
	}
	if _, ok := c.Get(other); !ok {
		t.Fatalf("tenant invalidation crossed tenants")
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("clear left %d entries", c.Len())
	}
}

func TestCacheSweep(t *testing.T) {
	clock := newFakeClock()
	c := authz.NewCache(authz.WithCacheClock(clock.Now), authz.WithShards(4))
	c.Put(key("t1", authz.KindRules, "a"), 1, time.Second)
	c.Put(key("t1", authz.KindRules, "b"), 2, time.Hour)
	clock.Advance(2 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", c.Len())
	}
	if c.Stats()["shards"] != 4 {
		t.Fatalf("expected 4 shards, got %d", c.Stats()["shards"])
	}
}

func TestCacheLoadCoalescesConcurrentMisses(t *testing.T) {
	c := authz.NewCache()
	k := key("t1", authz.KindPrincipalRoles, "alice")
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return []string{"admin"}, nil
	}
	const n = 16
	var wg sync.WaitGroup
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			if _, err := c.Load(context.Background(), k, 0, fetch); err != nil {
				t.Errorf("load: %v", err)
			}
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if got := calls.Load(); got < 1 || got > 2 {
		t.Fatalf("expected concurrent misses to share a fetch, got %d fetches", got)
	}
	if _, ok := c.Get(k); !ok {
		t.Fatalf("loaded value was not cached")
	}
}

func TestCacheLoadCancelledCallerDoesNotAbortFetch(t *testing.T) {
	c := authz.NewCache()
	k := key("t1", authz.KindPolicies, "doc:read")
	release := make(chan struct{})
	done := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		defer close(done)
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return "policies", nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, k, 0, fetch)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected caller to stop waiting with context.Canceled, got %v", err)
	}
	close(release)
	<-done
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := c.Get(k); ok {
			if v != "policies" {
				t.Fatalf("unexpected cached value %v", v)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("started populate did not complete after caller cancellation")
}

func TestCacheLoadSkipsWriteAfterInvalidate(t *testing.T) {
	c := authz.NewCache()
	k := key("t1", authz.KindRolePermissions, "editor")
	inFetch := make(chan struct{})
	release := make(chan struct{})
	go func() {
		<-inFetch
		c.Invalidate(k)
		close(release)
	}()
	v, err := c.Load(context.Background(), k, 0, func(context.Context) (any, error) {
		close(inFetch)
		<-release
		return "old", nil
	})
	if err != nil || v != "old" {
		t.Fatalf("load returned %v, %v", v, err)
	}
	if _, ok := c.Get(k); ok {
		t.Fatalf("fetch that raced an invalidation must not populate the cache")
	}
}

func TestCacheLoadErrorIsNotCached(t *testing.T) {
	c := authz.NewCache()
	k := key("t1", authz.KindRules, "GET /admin/x")
	boom := errors.New("db down")
	if _, err := c.Load(context.Background(), k, 0, func(context.Context) (any, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("errors must not be cached")
	}
}

// loadWithin reports a Load that got stuck behind another caller's fetch
func loadWithin(t *testing.T, c *authz.Cache, k authz.CacheKey, fetch func(context.Context) (any, error)) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := c.Load(ctx, k, 0, fetch)
	if errors.Is(err, context.DeadlineExceeded) {
		return "joined another fetch", nil
	}
	return v, err
}

func TestCacheKeysDoNotCollideAcrossTenants(t *testing.T) {
	c := authz.NewCache()
	a := key("t1", authz.KindRules, "x|rules|y")
	b := key("t1|rules|x", authz.KindRules, "y")
	if a.String() == b.String() {
		t.Fatalf("distinct keys share the string %q", a.String())
	}

	inFetch := make(chan struct{})
	release := make(chan struct{})
	resA := make(chan any, 1)
	go func() {
		v, _ := c.Load(context.Background(), a, 0, func(context.Context) (any, error) {
			close(inFetch)
			<-release
			return "tenant t1 data", nil
		})
		resA <- v
	}()
	<-inFetch
	v, err := loadWithin(t, c, b, func(context.Context) (any, error) {
		return "tenant t1|rules|x data", nil
	})
	close(release)
	if err != nil || v != "tenant t1|rules|x data" {
		t.Fatalf("tenant %q received %v, %v", b.TenantID, v, err)
	}
	if got := <-resA; got != "tenant t1 data" {
		t.Fatalf("tenant t1 received %v", got)
	}
}

func TestCacheLoadAfterInvalidateStartsNewFetch(t *testing.T) {
	c := authz.NewCache()
	k := key("t1", authz.KindRolePermissions, "editor")
	inFetch := make(chan struct{})
	release := make(chan struct{})
	stale := make(chan any, 1)
	go func() {
		v, _ := c.Load(context.Background(), k, 0, func(context.Context) (any, error) {
			close(inFetch)
			<-release
			return "old", nil
		})
		stale <- v
	}()
	<-inFetch
	// the in-flight key is not stored yet, so only the generation can tell
	// later callers apart
	c.InvalidateKind("t1", authz.KindRolePermissions)
	v, err := loadWithin(t, c, k, func(context.Context) (any, error) { return "new", nil })
	close(release)
	if err != nil || v != "new" {
		t.Fatalf("load after invalidation joined an older fetch: %v, %v", v, err)
	}
	if got := <-stale; got != "old" {
		t.Fatalf("first caller got %v", got)
	}
	if got, ok := c.Get(k); !ok || got != "new" {
		t.Fatalf("expected the post-invalidation value to be cached, got %v %v", got, ok)
	}
}

func TestCacheLoadRecoversFetchPanic(t *testing.T) {
	c := authz.NewCache()
	k := key("t1", authz.KindRules, "GET /admin/x")
	_, err := c.Load(context.Background(), k, 0, func(context.Context) (any, error) {
		panic("driver bug")
	})
	if !errors.Is(err, authz.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("a panicking fetch must not populate the cache")
	}
	v, err := c.Load(context.Background(), k, 0, func(context.Context) (any, error) { return "ok", nil })
	if err != nil || v != "ok" {
		t.Fatalf("cache unusable after a fetch panic: %v, %v", v, err)
	}
}
