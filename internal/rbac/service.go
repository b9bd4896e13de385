package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-saas/meridian/internal/shared"
)

// Warmer schedules background permission refreshes for a batch of users.
type Warmer interface {
	Warm(ctx context.Context, tenant string, userIDs []int64) error
}

// Service performs role and permission mutations, keeping the cache and the
// audit trail consistent with the store. The audit row joins the mutation
// transaction; cache invalidation and sink emission run strictly after a
// successful commit, so neither ever reflects a change that didn't persist.
type Service struct {
	store  Store
	cache  *Cache
	sink   Sink
	warmer Warmer
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service. sink and warmer may be nil.
func NewService(store Store, cache *Cache, sink Sink, warmer Warmer, logger *slog.Logger) *Service {
	return &Service{store: store, cache: cache, sink: sink, warmer: warmer, logger: logger, now: time.Now}
}

// AssignRole grants a role to the user. Re-assigning an already-assigned
// role is accepted without touching the existing row, writing audit, or
// invalidating the cache.
func (s *Service) AssignRole(ctx context.Context, tenant string, userID int64, roleName string, grantedBy int64, expiresAt *time.Time, metadata map[string]any) error {
	tenant = shared.TenantOrDefault(tenant)
	role, err := s.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	inserted, err := s.store.CreateAssignment(ctx,
		RoleAssignment{
			UserID:    userID,
			RoleID:    role.ID,
			RoleName:  role.Name,
			GrantedBy: grantedBy,
			GrantedAt: now,
			ExpiresAt: expiresAt,
			Metadata:  metadata,
		},
		GrantAudit{
			Tenant:     tenant,
			UserID:     userID,
			RoleID:     &role.ID,
			ActorID:    grantedBy,
			Action:     ActionGrant,
			OccurredAt: now,
			ExpiresAt:  expiresAt,
			Metadata:   metadata,
		})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	s.invalidate(ctx, tenant, userID)
	s.emit(ctx, Event{
		Type:      EventRoleAssigned,
		Tenant:    tenant,
		UserID:    userID,
		Role:      role.Name,
		ActorID:   grantedBy,
		ExpiresAt: expiresAt,
		Metadata:  metadata,
		At:        now,
	})
	return nil
}

// RevokeRole removes a role assignment. Revoking a role the user never had
// is accepted without writing audit or invalidating the cache.
func (s *Service) RevokeRole(ctx context.Context, tenant string, userID int64, roleName string, revokedBy int64, reason string) error {
	tenant = shared.TenantOrDefault(tenant)
	role, err := s.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	deleted, err := s.store.DeleteAssignment(ctx, userID, role.ID, GrantAudit{
		Tenant:     tenant,
		UserID:     userID,
		RoleID:     &role.ID,
		ActorID:    revokedBy,
		Action:     ActionRevoke,
		OccurredAt: now,
		Reason:     reason,
	})
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	s.invalidate(ctx, tenant, userID)
	s.emit(ctx, Event{
		Type:    EventRoleRevoked,
		Tenant:  tenant,
		UserID:  userID,
		Role:    role.Name,
		ActorID: revokedBy,
		Reason:  reason,
		At:      now,
	})
	return nil
}

// GrantPermission writes a granted=true override row for the user, adding
// the permission regardless of role membership. An existing override row
// for the pair is replaced in place.
func (s *Service) GrantPermission(ctx context.Context, tenant string, userID int64, permissionName string, grantedBy int64, expiresAt *time.Time, reason string) error {
	return s.writeGrant(ctx, tenant, userID, permissionName, grantedBy, expiresAt, reason, true)
}

// RevokePermission writes a granted=false override row for the user,
// stripping the permission even when a role confers it.
func (s *Service) RevokePermission(ctx context.Context, tenant string, userID int64, permissionName string, revokedBy int64, reason string) error {
	return s.writeGrant(ctx, tenant, userID, permissionName, revokedBy, nil, reason, false)
}

func (s *Service) writeGrant(ctx context.Context, tenant string, userID int64, permissionName string, actorID int64, expiresAt *time.Time, reason string, granted bool) error {
	tenant = shared.TenantOrDefault(tenant)
	perm, err := s.store.PermissionByName(ctx, permissionName)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	action := ActionGrant
	eventType := EventPermissionGranted
	if !granted {
		action = ActionRevoke
		eventType = EventPermissionRevoked
	}
	err = s.store.UpsertGrant(ctx,
		PermissionGrant{
			UserID:         userID,
			PermissionID:   perm.ID,
			PermissionName: perm.Name,
			Granted:        granted,
			GrantedBy:      actorID,
			GrantedAt:      now,
			ExpiresAt:      expiresAt,
			Reason:         reason,
		},
		GrantAudit{
			Tenant:       tenant,
			UserID:       userID,
			PermissionID: &perm.ID,
			ActorID:      actorID,
			Action:       action,
			OccurredAt:   now,
			ExpiresAt:    expiresAt,
			Reason:       reason,
		})
	if err != nil {
		return err
	}
	s.invalidate(ctx, tenant, userID)
	s.emit(ctx, Event{
		Type:       eventType,
		Tenant:     tenant,
		UserID:     userID,
		Permission: perm.Name,
		ActorID:    actorID,
		ExpiresAt:  expiresAt,
		Reason:     reason,
		At:         now,
	})
	return nil
}

// CreateRole inserts a new role. The parent, when given, must already
// exist, so a freshly created role can never close a cycle.
func (s *Service) CreateRole(ctx context.Context, role Role) (Role, error) {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	role.DisplayName = strings.TrimSpace(role.DisplayName)
	role.Description = strings.TrimSpace(role.Description)
	return s.store.CreateRole(ctx, role)
}

// CreatePermission inserts a new permission.
func (s *Service) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	perm.Name = strings.TrimSpace(perm.Name)
	if perm.Name == "" {
		return Permission{}, errors.New("rbac: permission name required")
	}
	perm.DisplayName = strings.TrimSpace(perm.DisplayName)
	perm.Description = strings.TrimSpace(perm.Description)
	return s.store.CreatePermission(ctx, perm)
}

// SetRolePermissions replaces the role's permission links. Per-user cache
// entries are not enumerable from a role id, so a warmup job is scheduled
// for the role's holders; without a warmer their cached sets stay stale
// until the TTL lapses.
func (s *Service) SetRolePermissions(ctx context.Context, tenant, roleName string, permissionIDs []int64) error {
	tenant = shared.TenantOrDefault(tenant)
	role, err := s.store.RoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	if err := s.store.SetRolePermissions(ctx, role.ID, permissionIDs); err != nil {
		return err
	}
	s.scheduleWarmup(ctx, tenant, role.ID)
	return nil
}

func (s *Service) scheduleWarmup(ctx context.Context, tenant string, roleID int64) {
	if s.warmer == nil {
		return
	}
	userIDs, err := s.store.AssignedUserIDs(ctx, roleID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rbac warmup lookup", slog.Any("error", err), slog.Int64("role_id", roleID))
		}
		return
	}
	if len(userIDs) == 0 {
		return
	}
	if err := s.warmer.Warm(ctx, tenant, userIDs); err != nil && s.logger != nil {
		s.logger.Warn("rbac warmup enqueue", slog.Any("error", err), slog.Int64("role_id", roleID))
	}
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// ListPermissions returns all permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// ListUserRoles returns the user's role assignments, expired rows included.
func (s *Service) ListUserRoles(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	return s.store.ListAssignments(ctx, userID)
}

// ListUserGrants returns the user's override rows, expired rows included.
func (s *Service) ListUserGrants(ctx context.Context, userID int64) ([]PermissionGrant, error) {
	return s.store.ListGrants(ctx, userID)
}

func (s *Service) invalidate(ctx context.Context, tenant string, userID int64) {
	if err := s.cache.Invalidate(ctx, tenant, userID); err != nil && s.logger != nil {
		s.logger.Warn("rbac cache invalidate", slog.Any("error", err), slog.Int64("user_id", userID))
	}
}

func (s *Service) emit(ctx context.Context, event Event) {
	if s.sink == nil {
		return
	}
	event.ID = uuid.NewString()
	s.sink.Emit(ctx, event)
}
