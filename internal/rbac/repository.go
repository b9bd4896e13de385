package rbac

import (
	"context"
	"time"
)

// Store is the persistence port for the RBAC engine.
//
// Implementations must make CreateAssignment and UpsertGrant race-safe
// through the store's own uniqueness guarantees on the (user, role) and
// (user, permission) pairs; the engine adds no locking of its own.
// Connectivity failures are reported wrapped in ErrStoreUnavailable.
type Store interface {
	// RoleDerivedPermissions returns the names of active permissions linked
	// to active roles assigned to the user. Expired assignments are skipped
	// unless includeExpired is set.
	RoleDerivedPermissions(ctx context.Context, userID int64, now time.Time, includeExpired bool) ([]string, error)

	// UserGrants returns the user's direct grant/revoke override rows for
	// active permissions, honouring the same expiry rules.
	UserGrants(ctx context.Context, userID int64, now time.Time, includeExpired bool) ([]PermissionGrant, error)

	// ParentNames maps each of the given permission names to its parent's
	// name, omitting permissions without a parent.
	ParentNames(ctx context.Context, names []string) (map[string]string, error)

	RoleByName(ctx context.Context, name string) (Role, error)
	PermissionByName(ctx context.Context, name string) (Permission, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error)
	ListGrants(ctx context.Context, userID int64) ([]PermissionGrant, error)

	// AssignedUserIDs returns the ids of users currently holding the role,
	// expired assignments included.
	AssignedUserIDs(ctx context.Context, roleID int64) ([]int64, error)

	// CreateAssignment inserts the assignment and its audit row in one
	// transaction. It reports false without writing anything when the
	// (user, role) pair already holds an assignment.
	CreateAssignment(ctx context.Context, assignment RoleAssignment, audit GrantAudit) (bool, error)

	// DeleteAssignment removes the assignment and writes the audit row in
	// one transaction. It reports false without writing anything when no
	// assignment existed.
	DeleteAssignment(ctx context.Context, userID, roleID int64, audit GrantAudit) (bool, error)

	// UpsertGrant inserts or replaces the override row for the grant's
	// (user, permission) pair and writes the audit row in one transaction.
	UpsertGrant(ctx context.Context, grant PermissionGrant, audit GrantAudit) error

	CreateRole(ctx context.Context, role Role) (Role, error)
	CreatePermission(ctx context.Context, perm Permission) (Permission, error)

	// SetRolePermissions replaces the role's permission links with the
	// given permission ids.
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
}
