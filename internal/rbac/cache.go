package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how long a resolved permission set may be served
// without consulting the store.
const DefaultCacheTTL = 300 * time.Second

// Cache is a read-through cache of resolved permission sets keyed by
// tenant and user. It is a pure optimisation: every failure on the read or
// write path degrades to a miss so resolution falls through to the store.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

func cacheKey(tenant string, userID int64) string {
	return fmt.Sprintf("rbac:%s:perms:%d", tenant, userID)
}

// Get returns the cached permission set for the user. Any cache failure is
// reported as a miss.
func (c *Cache) Get(ctx context.Context, tenant string, userID int64) (PermissionSet, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	payload, err := c.client.Get(ctx, cacheKey(tenant, userID)).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Warn("rbac cache get", slog.Any("error", err), slog.Int64("user_id", userID))
		}
		return nil, false
	}
	var names []string
	if err := json.Unmarshal(payload, &names); err != nil {
		if c.logger != nil {
			c.logger.Warn("rbac cache decode", slog.Any("error", err), slog.Int64("user_id", userID))
		}
		return nil, false
	}
	return NewPermissionSet(names...), true
}

// Set stores the resolved permission set under the cache TTL. Failures are
// logged and swallowed.
func (c *Cache) Set(ctx context.Context, tenant string, userID int64, set PermissionSet) {
	if c == nil || c.client == nil {
		return
	}
	payload, err := json.Marshal(set.Slice())
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("rbac cache encode", slog.Any("error", err), slog.Int64("user_id", userID))
		}
		return
	}
	if err := c.client.Set(ctx, cacheKey(tenant, userID), payload, c.ttl).Err(); err != nil && c.logger != nil {
		c.logger.Warn("rbac cache set", slog.Any("error", err), slog.Int64("user_id", userID))
	}
}

// Invalidate drops the user's cached set. Deleting an absent key is a no-op,
// so concurrent invalidations are idempotent.
func (c *Cache) Invalidate(ctx context.Context, tenant string, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(tenant, userID)).Err()
}
