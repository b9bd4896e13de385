package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-saas/meridian/internal/platform/db"
)

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var _ Store = (*PGStore)(nil)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// RoleDerivedPermissions collects active permissions conferred by the
// user's active, non-expired role assignments.
func (s *PGStore) RoleDerivedPermissions(ctx context.Context, userID int64, now time.Time, includeExpired bool) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id AND r.is_active
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id AND p.is_active
		WHERE ur.user_id = $1
		  AND ($3 OR ur.expires_at IS NULL OR ur.expires_at > $2)`,
		userID, now, includeExpired)
	if err != nil {
		return nil, storeErr("role derived permissions", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeErr("scan role derived permission", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("role derived permissions", err)
	}
	return names, nil
}

// UserGrants returns the user's override rows for active permissions.
func (s *PGStore) UserGrants(ctx context.Context, userID int64, now time.Time, includeExpired bool) ([]PermissionGrant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.permission_id, p.name, g.granted, g.granted_by, g.granted_at, g.expires_at, COALESCE(g.reason, '')
		FROM user_permissions g
		JOIN permissions p ON p.id = g.permission_id AND p.is_active
		WHERE g.user_id = $1
		  AND ($3 OR g.expires_at IS NULL OR g.expires_at > $2)`,
		userID, now, includeExpired)
	if err != nil {
		return nil, storeErr("user grants", err)
	}
	defer rows.Close()
	return scanGrants(rows, userID)
}

func scanGrants(rows pgx.Rows, userID int64) ([]PermissionGrant, error) {
	var grants []PermissionGrant
	for rows.Next() {
		grant := PermissionGrant{UserID: userID}
		if err := rows.Scan(&grant.PermissionID, &grant.PermissionName, &grant.Granted, &grant.GrantedBy, &grant.GrantedAt, &grant.ExpiresAt, &grant.Reason); err != nil {
			return nil, storeErr("scan grant", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("user grants", err)
	}
	return grants, nil
}

// ParentNames maps permission names to their parents' names.
func (s *PGStore) ParentNames(ctx context.Context, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT c.name, parent.name
		FROM permissions c
		JOIN permissions parent ON parent.id = c.parent_id
		WHERE c.name = ANY($1)`,
		names)
	if err != nil {
		return nil, storeErr("parent names", err)
	}
	defer rows.Close()
	parents := make(map[string]string)
	for rows.Next() {
		var child, parent string
		if err := rows.Scan(&child, &parent); err != nil {
			return nil, storeErr("scan parent name", err)
		}
		parents[child] = parent
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("parent names", err)
	}
	return parents, nil
}

const roleColumns = `id, name, display_name, description, is_active, parent_id, is_default, priority, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &role.Description, &role.IsActive, &role.ParentID, &role.IsDefault, &role.Priority, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

// RoleByName fetches a role by its unique name.
func (s *PGStore) RoleByName(ctx context.Context, name string) (Role, error) {
	role, err := scanRole(s.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrRoleNotFound
		}
		return Role{}, storeErr("role by name", err)
	}
	return role, nil
}

const permissionColumns = `id, name, display_name, category, description, is_active, parent_id, created_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Name, &perm.DisplayName, &perm.Category, &perm.Description, &perm.IsActive, &perm.ParentID, &perm.CreatedAt)
	return perm, err
}

// PermissionByName fetches a permission by its unique name.
func (s *PGStore) PermissionByName(ctx context.Context, name string) (Permission, error) {
	perm, err := scanPermission(s.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrPermissionNotFound
		}
		return Permission{}, storeErr("permission by name", err)
	}
	return perm, nil
}

// ListRoles returns all roles ordered by name.
func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, storeErr("list roles", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, storeErr("scan role", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list roles", err)
	}
	return roles, nil
}

// ListPermissions returns all permissions ordered by name.
func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY name`)
	if err != nil {
		return nil, storeErr("list permissions", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, storeErr("scan permission", err)
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list permissions", err)
	}
	return perms, nil
}

// ListAssignments returns the user's role assignments, expired rows included.
func (s *PGStore) ListAssignments(ctx context.Context, userID int64) ([]RoleAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ur.role_id, r.name, ur.granted_by, ur.granted_at, ur.expires_at, ur.metadata
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name`,
		userID)
	if err != nil {
		return nil, storeErr("list assignments", err)
	}
	defer rows.Close()
	var assignments []RoleAssignment
	for rows.Next() {
		assignment := RoleAssignment{UserID: userID}
		var meta []byte
		if err := rows.Scan(&assignment.RoleID, &assignment.RoleName, &assignment.GrantedBy, &assignment.GrantedAt, &assignment.ExpiresAt, &meta); err != nil {
			return nil, storeErr("scan assignment", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &assignment.Metadata); err != nil {
				return nil, fmt.Errorf("rbac: decode assignment metadata: %w", err)
			}
		}
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list assignments", err)
	}
	return assignments, nil
}

// ListGrants returns the user's override rows, expired rows included.
func (s *PGStore) ListGrants(ctx context.Context, userID int64) ([]PermissionGrant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.permission_id, p.name, g.granted, g.granted_by, g.granted_at, g.expires_at, COALESCE(g.reason, '')
		FROM user_permissions g
		JOIN permissions p ON p.id = g.permission_id
		WHERE g.user_id = $1
		ORDER BY p.name`,
		userID)
	if err != nil {
		return nil, storeErr("list grants", err)
	}
	defer rows.Close()
	return scanGrants(rows, userID)
}

// AssignedUserIDs returns the ids of users holding the role.
func (s *PGStore) AssignedUserIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, storeErr("assigned user ids", err)
	}
	defer rows.Close()
	var userIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan assigned user id", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("assigned user ids", err)
	}
	return userIDs, nil
}

// CreateAssignment inserts the assignment plus its audit row in one
// transaction. ON CONFLICT DO NOTHING makes concurrent duplicate assigns
// collapse onto the idempotent no-op path.
func (s *PGStore) CreateAssignment(ctx context.Context, assignment RoleAssignment, audit GrantAudit) (bool, error) {
	meta, err := json.Marshal(assignment.Metadata)
	if err != nil {
		return false, fmt.Errorf("rbac: encode assignment metadata: %w", err)
	}
	inserted := false
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO user_roles (user_id, role_id, granted_by, granted_at, expires_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, role_id) DO NOTHING`,
			assignment.UserID, assignment.RoleID, assignment.GrantedBy, assignment.GrantedAt, assignment.ExpiresAt, meta)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return false, storeErr("create assignment", err)
	}
	return inserted, nil
}

// DeleteAssignment removes the assignment plus writes its audit row in one
// transaction. Deleting a missing assignment writes nothing.
func (s *PGStore) DeleteAssignment(ctx context.Context, userID, roleID int64, audit GrantAudit) (bool, error) {
	deleted := false
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		deleted = true
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return false, storeErr("delete assignment", err)
	}
	return deleted, nil
}

// UpsertGrant inserts or replaces the (user, permission) override row and
// writes the audit row in one transaction.
func (s *PGStore) UpsertGrant(ctx context.Context, grant PermissionGrant, audit GrantAudit) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO user_permissions (user_id, permission_id, granted, granted_by, granted_at, expires_at, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, permission_id) DO UPDATE SET
				granted = EXCLUDED.granted,
				granted_by = EXCLUDED.granted_by,
				granted_at = EXCLUDED.granted_at,
				expires_at = EXCLUDED.expires_at,
				reason = EXCLUDED.reason`,
			grant.UserID, grant.PermissionID, grant.Granted, grant.GrantedBy, grant.GrantedAt, grant.ExpiresAt, grant.Reason)
		if err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return storeErr("upsert grant", err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, audit GrantAudit) error {
	meta, err := json.Marshal(audit.Metadata)
	if err != nil {
		return fmt.Errorf("encode audit metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO permission_grant_audit (tenant, user_id, role_id, permission_id, actor_id, action, occurred_at, expires_at, reason, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		audit.Tenant, audit.UserID, audit.RoleID, audit.PermissionID, audit.ActorID, audit.Action, audit.OccurredAt, audit.ExpiresAt, audit.Reason, meta)
	return err
}

// CreateRole inserts a new role.
func (s *PGStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO roles (name, display_name, description, is_active, parent_id, is_default, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING `+roleColumns,
		role.Name, role.DisplayName, role.Description, role.IsActive, role.ParentID, role.IsDefault, role.Priority)
	created, err := scanRole(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, ErrDuplicateName
		}
		return Role{}, storeErr("create role", err)
	}
	return created, nil
}

// CreatePermission inserts a new permission.
func (s *PGStore) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, display_name, category, description, is_active, parent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING `+permissionColumns,
		perm.Name, perm.DisplayName, perm.Category, perm.Description, perm.IsActive, perm.ParentID)
	created, err := scanPermission(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Permission{}, ErrDuplicateName
		}
		return Permission{}, storeErr("create permission", err)
	}
	return created, nil
}

// SetRolePermissions replaces the role's permission links by diffing the
// current links against the requested set inside one transaction.
func (s *PGStore) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
		if err != nil {
			return err
		}
		existing := make(map[int64]struct{})
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			existing[id] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		keep := make(map[int64]struct{}, len(permissionIDs))
		for _, id := range permissionIDs {
			keep[id] = struct{}{}
			if _, ok := existing[id]; ok {
				continue
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id, granted_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT (role_id, permission_id) DO NOTHING`,
				roleID, id); err != nil {
				return err
			}
		}
		for id := range existing {
			if _, ok := keep[id]; ok {
				continue
			}
			if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr("set role permissions", err)
	}
	return nil
}
