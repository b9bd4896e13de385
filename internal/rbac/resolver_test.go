package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute, discardLogger()), mr
}

// seedEditor gives the user an "editor" role carrying content.write.
func seedEditor(store *memStore, userID int64) Permission {
	role := store.addRole("editor", true)
	perm := store.addPermission("content.write", true, nil)
	store.link(role.ID, perm.ID)
	store.addAssignment(userID, role.ID, nil)
	return perm
}

func TestResolveRoleDerivedAndBroadened(t *testing.T) {
	store := newMemStore()
	seedEditor(store, 7)
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 7, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, want := range []string{"content.write", "content.*"} {
		if !set.Contains(want) {
			t.Fatalf("resolved set missing %q: %v", want, set.Slice())
		}
	}
}

func TestResolveRevokeOnlyPermission(t *testing.T) {
	store := newMemStore()
	perm := seedEditor(store, 7)
	store.addGrant(7, perm.ID, false, nil)
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 7, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.Contains("content.write") {
		t.Fatalf("revoked permission should be stripped: %v", set.Slice())
	}
	// The wildcard broadened from the revoked name survives, so the user
	// still passes a check for it through "content.*".
	if !set.Contains("content.*") {
		t.Fatalf("wildcard synthesized from the revoked name should remain: %v", set.Slice())
	}
	if !set.Covers("content.write") {
		t.Fatal("surviving wildcard still covers the revoked name")
	}
}

func TestResolveRevokeOneOfTwoKeepsWildcard(t *testing.T) {
	store := newMemStore()
	role := store.addRole("editor", true)
	write := store.addPermission("content.write", true, nil)
	read := store.addPermission("content.read", true, nil)
	store.link(role.ID, write.ID)
	store.link(role.ID, read.ID)
	store.addAssignment(7, role.ID, nil)
	store.addGrant(7, write.ID, false, nil)
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 7, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.Contains("content.write") {
		t.Fatalf("revoked permission should be stripped: %v", set.Slice())
	}
	if !set.Contains("content.read") || !set.Contains("content.*") {
		t.Fatalf("sibling permission and its wildcard should remain: %v", set.Slice())
	}
	if !set.Covers("content.write") {
		t.Fatal("the surviving wildcard still covers the revoked name")
	}
}

func TestResolveGrantOverrideAdds(t *testing.T) {
	store := newMemStore()
	perm := store.addPermission("reports.export", true, nil)
	store.addGrant(7, perm.ID, true, nil)
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 7, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !set.Contains("reports.export") {
		t.Fatalf("direct grant should add the permission without any role: %v", set.Slice())
	}
}

func TestResolveExpiry(t *testing.T) {
	store := newMemStore()
	role := store.addRole("editor", true)
	perm := store.addPermission("content.write", true, nil)
	store.link(role.ID, perm.ID)
	past := time.Now().UTC().Add(-time.Hour)
	store.addAssignment(7, role.ID, &past)
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 7, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expired assignment must be inert: %v", set.Slice())
	}

	set, err = resolver.Resolve(context.Background(), "", 7, true)
	if err != nil {
		t.Fatalf("resolve include expired: %v", err)
	}
	if !set.Contains("content.write") {
		t.Fatalf("include_expired should surface expired sources: %v", set.Slice())
	}
}

func TestResolveGrantExpiry(t *testing.T) {
	store := newMemStore()
	perm := store.addPermission("reports.export", true, nil)
	past := time.Now().UTC().Add(-time.Hour)
	store.addGrant(7, perm.ID, true, &past)
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 7, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("expired grant must be inert: %v", set.Slice())
	}

	set, err = resolver.Resolve(context.Background(), "", 7, true)
	if err != nil {
		t.Fatalf("resolve include expired: %v", err)
	}
	if !set.Contains("reports.export") {
		t.Fatalf("include_expired should surface the expired grant: %v", set.Slice())
	}
}

func TestResolveExpiredRevokeStopsSuppressing(t *testing.T) {
	store := newMemStore()
	perm := seedEditor(store, 7)
	past := time.Now().UTC().Add(-time.Hour)
	store.addGrant(7, perm.ID, false, &past)
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 7, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !set.Contains("content.write") {
		t.Fatalf("expired revocation must no longer suppress the role-conferred permission: %v", set.Slice())
	}

	set, err = resolver.Resolve(context.Background(), "", 7, true)
	if err != nil {
		t.Fatalf("resolve include expired: %v", err)
	}
	if set.Contains("content.write") {
		t.Fatalf("include_expired reapplies the revocation: %v", set.Slice())
	}
}

func TestResolveUnknownUserEmpty(t *testing.T) {
	store := newMemStore()
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 999, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(set) != 0 {
		t.Fatalf("unknown user should resolve to an empty set: %v", set.Slice())
	}
}

func TestResolveParentChain(t *testing.T) {
	store := newMemStore()
	top := store.addPermission("platform", true, nil)
	mid := store.addPermission("platform.admin", true, &top.ID)
	leaf := store.addPermission("platform.admin.users", true, &mid.ID)
	store.addGrant(7, leaf.ID, true, nil)
	resolver := NewResolver(store, nil, nil)

	set, err := resolver.Resolve(context.Background(), "", 7, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, want := range []string{"platform.admin.users", "platform.admin", "platform"} {
		if !set.Contains(want) {
			t.Fatalf("parent chain not expanded, missing %q: %v", want, set.Slice())
		}
	}
}

func TestResolveCachePopulatesAndHits(t *testing.T) {
	store := newMemStore()
	seedEditor(store, 7)
	cache, _ := newTestCache(t)
	resolver := NewResolver(store, cache, nil)
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "acme", 7, false)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := resolver.Resolve(ctx, "acme", 7, false)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if store.roleDerivedCalls != 1 {
		t.Fatalf("second resolve should hit the cache, store queried %d times", store.roleDerivedCalls)
	}
	if len(first) != len(second) {
		t.Fatalf("cached set differs: %v vs %v", first.Slice(), second.Slice())
	}
}

func TestResolveIncludeExpiredBypassesCache(t *testing.T) {
	store := newMemStore()
	seedEditor(store, 7)
	cache, _ := newTestCache(t)
	resolver := NewResolver(store, cache, nil)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "acme", 7, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := resolver.Resolve(ctx, "acme", 7, true); err != nil {
		t.Fatalf("resolve include expired: %v", err)
	}
	if store.roleDerivedCalls != 2 {
		t.Fatalf("include_expired must not read the cache, store queried %d times", store.roleDerivedCalls)
	}
	// And it must not have overwritten the cached entry either.
	if _, err := resolver.Resolve(ctx, "acme", 7, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if store.roleDerivedCalls != 2 {
		t.Fatalf("cached entry should have survived, store queried %d times", store.roleDerivedCalls)
	}
}

func TestResolveTenantsAreIsolated(t *testing.T) {
	store := newMemStore()
	seedEditor(store, 7)
	cache, _ := newTestCache(t)
	resolver := NewResolver(store, cache, nil)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "acme", 7, false); err != nil {
		t.Fatalf("resolve acme: %v", err)
	}
	if _, err := resolver.Resolve(ctx, "globex", 7, false); err != nil {
		t.Fatalf("resolve globex: %v", err)
	}
	if store.roleDerivedCalls != 2 {
		t.Fatalf("tenants must not share cache entries, store queried %d times", store.roleDerivedCalls)
	}
}

func TestResolveStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failReads = true
	resolver := NewResolver(store, nil, nil)

	if _, err := resolver.Resolve(context.Background(), "", 7, false); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("want ErrStoreUnavailable, got %v", err)
	}
}

func TestResolveCacheDownDegradesToStore(t *testing.T) {
	store := newMemStore()
	seedEditor(store, 7)
	cache, mr := newTestCache(t)
	resolver := NewResolver(store, cache, nil)
	mr.Close()

	set, err := resolver.Resolve(context.Background(), "acme", 7, false)
	if err != nil {
		t.Fatalf("resolve with cache down: %v", err)
	}
	if !set.Contains("content.write") {
		t.Fatalf("cache outage must degrade to a store read: %v", set.Slice())
	}
}

type countingMetrics struct {
	hits, misses int
}

func (m *countingMetrics) ResolverCacheHit()  { m.hits++ }
func (m *countingMetrics) ResolverCacheMiss() { m.misses++ }

func TestResolveRecordsMetrics(t *testing.T) {
	store := newMemStore()
	seedEditor(store, 7)
	cache, _ := newTestCache(t)
	metrics := &countingMetrics{}
	resolver := NewResolver(store, cache, metrics)
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, "acme", 7, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := resolver.Resolve(ctx, "acme", 7, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if metrics.misses != 1 || metrics.hits != 1 {
		t.Fatalf("want 1 miss and 1 hit, got %d/%d", metrics.misses, metrics.hits)
	}
}
