package authz

import (
	"testing"
	"time"
)

func TestCacheShardsLockIndependently(t *testing.T) {
	c := NewCache(WithShards(8))
	held := CacheKey{TenantID: "t1", Kind: KindRules, ID: "held"}
	var free CacheKey
	for i := 0; ; i++ {
		free = CacheKey{TenantID: "t1", Kind: KindRules, ID: string(rune('a' + i))}
		if c.shard(free) != c.shard(held) {
			break
		}
	}
	c.Put(held, 1, 0)
	c.Put(free, 2, 0)

	s := c.shard(held)
	s.mu.Lock()

	freeDone := make(chan struct{})
	go func() {
		defer close(freeDone)
		c.Put(free, 3, 0)
		if v, ok := c.Get(free); !ok || v != 3 {
			t.Errorf("unexpected value %v %v", v, ok)
		}
	}()
	select {
	case <-freeDone:
	case <-time.After(time.Second):
		s.mu.Unlock()
		t.Fatalf("a locked shard blocked another shard")
	}

	heldDone := make(chan struct{})
	go func() {
		defer close(heldDone)
		c.Get(held)
	}()
	select {
	case <-heldDone:
		s.mu.Unlock()
		t.Fatalf("read on a write-locked shard did not wait")
	case <-time.After(20 * time.Millisecond):
	}
	s.mu.Unlock()
	<-heldDone
}
