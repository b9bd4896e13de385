package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRBACWarmup re-resolves permission sets for a batch of users,
	// typically after bulk role-permission edits.
	TaskRBACWarmup = "rbac:warmup"
	// TaskSessionCleanup prunes expired login sessions.
	TaskSessionCleanup = "auth:session_cleanup"
)

// RBACWarmupPayload identifies the users whose permission sets should be
// refreshed.
type RBACWarmupPayload struct {
	Tenant  string  `json:"tenant"`
	UserIDs []int64 `json:"user_ids"`
}

// NewRBACWarmupTask constructs an Asynq task.
func NewRBACWarmupTask(payload RBACWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRBACWarmup, data), nil
}

// NewSessionCleanupTask constructs a payload-less cleanup task.
func NewSessionCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskSessionCleanup, nil)
}
