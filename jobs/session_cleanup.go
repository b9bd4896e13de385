package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// SessionPruner removes expired login sessions.
type SessionPruner interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// SessionCleanupJob prunes expired sessions on a cron schedule.
type SessionCleanupJob struct {
	pruner SessionPruner
	logger *slog.Logger
}

// NewSessionCleanupJob constructs the cleanup job.
func NewSessionCleanupJob(pruner SessionPruner, logger *slog.Logger) *SessionCleanupJob {
	return &SessionCleanupJob{pruner: pruner, logger: logger}
}

// Handle processes TaskSessionCleanup tasks.
func (j *SessionCleanupJob) Handle(ctx context.Context, _ *asynq.Task) error {
	pruned, err := j.pruner.DeleteExpiredSessions(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if pruned > 0 {
		j.logger.Info("expired sessions pruned", slog.Int64("count", pruned))
	}
	return nil
}
