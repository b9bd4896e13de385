package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "acme", 7); ok {
		t.Fatal("empty cache should miss")
	}

	cache.Set(ctx, "acme", 7, NewPermissionSet("billing.*", "billing.invoice.read"))

	set, ok := cache.Get(ctx, "acme", 7)
	if !ok {
		t.Fatal("want a hit after Set")
	}
	if !set.Contains("billing.*") || !set.Contains("billing.invoice.read") || len(set) != 2 {
		t.Fatalf("cached set mangled: %v", set.Slice())
	}

	if _, ok := cache.Get(ctx, "globex", 7); ok {
		t.Fatal("entries are scoped per tenant")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, 30*time.Second, discardLogger())
	ctx := context.Background()

	cache.Set(ctx, "acme", 7, NewPermissionSet("billing.*"))
	mr.FastForward(31 * time.Second)

	if _, ok := cache.Get(ctx, "acme", 7); ok {
		t.Fatal("entry should expire after the ttl")
	}
}

func TestCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	cache.Set(ctx, "acme", 7, NewPermissionSet("billing.*"))
	if err := cache.Invalidate(ctx, "acme", 7); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := cache.Get(ctx, "acme", 7); ok {
		t.Fatal("invalidated entry should miss")
	}

	// Deleting an absent key is fine.
	if err := cache.Invalidate(ctx, "acme", 7); err != nil {
		t.Fatalf("repeat invalidate: %v", err)
	}
}

func TestCacheServerDownIsAMiss(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	mr.Close()

	if _, ok := cache.Get(ctx, "acme", 7); ok {
		t.Fatal("unreachable server should read as a miss")
	}
	cache.Set(ctx, "acme", 7, NewPermissionSet("billing.*"))
	if err := cache.Invalidate(ctx, "acme", 7); err == nil {
		t.Fatal("invalidate against a dead server should report the error")
	}
}

func TestCacheNilClient(t *testing.T) {
	cache := NewCache(nil, time.Minute, discardLogger())
	ctx := context.Background()

	cache.Set(ctx, "acme", 7, NewPermissionSet("billing.*"))
	if _, ok := cache.Get(ctx, "acme", 7); ok {
		t.Fatal("nil client disables caching")
	}
	if err := cache.Invalidate(ctx, "acme", 7); err != nil {
		t.Fatalf("invalidate with nil client: %v", err)
	}
}
