package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-saas/meridian/internal/rbac"
)

// RBACWarmupJob refreshes cached permission sets for a batch of users. It
// drops each user's cache entry before resolving so the fresh set is
// computed from the store, not served from a stale cache hit.
type RBACWarmupJob struct {
	resolver *rbac.Resolver
	cache    *rbac.Cache
	logger   *slog.Logger
}

// NewRBACWarmupJob constructs the warmup job.
func NewRBACWarmupJob(resolver *rbac.Resolver, cache *rbac.Cache, logger *slog.Logger) *RBACWarmupJob {
	return &RBACWarmupJob{resolver: resolver, cache: cache, logger: logger}
}

// Handle processes TaskRBACWarmup tasks.
func (j *RBACWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload RBACWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	for _, userID := range payload.UserIDs {
		if err := j.cache.Invalidate(ctx, payload.Tenant, userID); err != nil {
			j.logger.Warn("warmup invalidate", slog.Any("error", err), slog.Int64("user_id", userID))
		}
		if _, err := j.resolver.Resolve(ctx, payload.Tenant, userID, false); err != nil {
			j.logger.Warn("warmup resolve", slog.Any("error", err), slog.Int64("user_id", userID))
		}
	}
	return nil
}
