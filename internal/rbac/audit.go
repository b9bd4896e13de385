package rbac

import (
	"context"
	"log/slog"
	"time"
)

// Audit event types emitted after committed mutations.
const (
	EventRoleAssigned      = "rbac.role_assigned"
	EventRoleRevoked       = "rbac.role_revoked"
	EventPermissionGranted = "rbac.permission_granted"
	EventPermissionRevoked = "rbac.permission_revoked"
)

// Event is the fire-and-forget notification sent to the audit sink after a
// mutation commits. The durable audit trail is the permission_grant_audit
// table written inside the mutation transaction; the sink only feeds
// external consumers.
type Event struct {
	ID         string
	Type       string
	Tenant     string
	UserID     int64
	Role       string
	Permission string
	ActorID    int64
	ExpiresAt  *time.Time
	Reason     string
	Metadata   map[string]any
	At         time.Time
}

// Sink receives audit events. Implementations must not block mutations and
// their return state is never inspected by the engine.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// LogSink writes audit events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

// Emit logs the event.
func (s LogSink) Emit(ctx context.Context, event Event) {
	if s.Logger == nil {
		return
	}
	attrs := []any{
		slog.String("event_id", event.ID),
		slog.String("type", event.Type),
		slog.String("tenant", event.Tenant),
		slog.Int64("user_id", event.UserID),
		slog.Int64("actor_id", event.ActorID),
		slog.Time("at", event.At),
	}
	if event.Role != "" {
		attrs = append(attrs, slog.String("role", event.Role))
	}
	if event.Permission != "" {
		attrs = append(attrs, slog.String("permission", event.Permission))
	}
	if event.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *event.ExpiresAt))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	s.Logger.InfoContext(ctx, "rbac audit", attrs...)
}
