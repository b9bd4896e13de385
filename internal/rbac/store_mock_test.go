package rbac

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errTestConnection = errors.New("dial tcp 127.0.0.1:5432: connection refused")

// memStore is an in-memory Store used across the package tests. It mirrors
// the filtering semantics of the SQL queries in PGStore.
type memStore struct {
	mu          sync.Mutex
	rolesByName map[string]Role
	rolesByID   map[int64]Role
	permsByName map[string]Permission
	permsByID   map[int64]Permission
	rolePerms   map[int64][]int64
	assignments map[int64]map[int64]RoleAssignment
	grants      map[int64]map[int64]PermissionGrant
	audits      []GrantAudit

	failReads bool

	roleDerivedCalls int
	nextID           int64
}

func newMemStore() *memStore {
	return &memStore{
		rolesByName: map[string]Role{},
		rolesByID:   map[int64]Role{},
		permsByName: map[string]Permission{},
		permsByID:   map[int64]Permission{},
		rolePerms:   map[int64][]int64{},
		assignments: map[int64]map[int64]RoleAssignment{},
		grants:      map[int64]map[int64]PermissionGrant{},
	}
}

var _ Store = (*memStore)(nil)

func (m *memStore) addRole(name string, active bool) Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	role := Role{ID: m.nextID, Name: name, IsActive: active}
	m.rolesByName[name] = role
	m.rolesByID[role.ID] = role
	return role
}

func (m *memStore) addPermission(name string, active bool, parentID *int64) Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	perm := Permission{ID: m.nextID, Name: name, IsActive: active, ParentID: parentID}
	m.permsByName[name] = perm
	m.permsByID[perm.ID] = perm
	return perm
}

func (m *memStore) link(roleID, permID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append(m.rolePerms[roleID], permID)
}

func (m *memStore) addAssignment(userID, roleID int64, expiresAt *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignments[userID] == nil {
		m.assignments[userID] = map[int64]RoleAssignment{}
	}
	m.assignments[userID][roleID] = RoleAssignment{UserID: userID, RoleID: roleID, ExpiresAt: expiresAt}
}

func (m *memStore) addGrant(userID, permID int64, granted bool, expiresAt *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[userID] == nil {
		m.grants[userID] = map[int64]PermissionGrant{}
	}
	m.grants[userID][permID] = PermissionGrant{
		UserID:         userID,
		PermissionID:   permID,
		PermissionName: m.permsByID[permID].Name,
		Granted:        granted,
		ExpiresAt:      expiresAt,
	}
}

func (m *memStore) assignmentCount(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assignments[userID])
}

func (m *memStore) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audits)
}

func expired(now time.Time, expiresAt *time.Time) bool {
	return expiresAt != nil && !expiresAt.After(now)
}

func (m *memStore) RoleDerivedPermissions(_ context.Context, userID int64, now time.Time, includeExpired bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleDerivedCalls++
	if m.failReads {
		return nil, storeErr("role derived permissions", errTestConnection)
	}
	seen := map[string]struct{}{}
	var names []string
	for _, assignment := range m.assignments[userID] {
		if !includeExpired && expired(now, assignment.ExpiresAt) {
			continue
		}
		role, ok := m.rolesByID[assignment.RoleID]
		if !ok || !role.IsActive {
			continue
		}
		for _, permID := range m.rolePerms[role.ID] {
			perm, ok := m.permsByID[permID]
			if !ok || !perm.IsActive {
				continue
			}
			if _, dup := seen[perm.Name]; dup {
				continue
			}
			seen[perm.Name] = struct{}{}
			names = append(names, perm.Name)
		}
	}
	return names, nil
}

func (m *memStore) UserGrants(_ context.Context, userID int64, now time.Time, includeExpired bool) ([]PermissionGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, storeErr("user grants", errTestConnection)
	}
	var grants []PermissionGrant
	for _, grant := range m.grants[userID] {
		if !includeExpired && expired(now, grant.ExpiresAt) {
			continue
		}
		perm, ok := m.permsByID[grant.PermissionID]
		if !ok || !perm.IsActive {
			continue
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

func (m *memStore) ParentNames(_ context.Context, names []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, storeErr("parent names", errTestConnection)
	}
	parents := map[string]string{}
	for _, name := range names {
		perm, ok := m.permsByName[name]
		if !ok || perm.ParentID == nil {
			continue
		}
		if parent, ok := m.permsByID[*perm.ParentID]; ok {
			parents[name] = parent.Name
		}
	}
	return parents, nil
}

func (m *memStore) RoleByName(_ context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.rolesByName[name]
	if !ok {
		return Role{}, ErrRoleNotFound
	}
	return role, nil
}

func (m *memStore) PermissionByName(_ context.Context, name string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perm, ok := m.permsByName[name]
	if !ok {
		return Permission{}, ErrPermissionNotFound
	}
	return perm, nil
}

func (m *memStore) ListRoles(_ context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := make([]Role, 0, len(m.rolesByID))
	for _, role := range m.rolesByID {
		roles = append(roles, role)
	}
	return roles, nil
}

func (m *memStore) ListPermissions(_ context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	perms := make([]Permission, 0, len(m.permsByID))
	for _, perm := range m.permsByID {
		perms = append(perms, perm)
	}
	return perms, nil
}

func (m *memStore) ListAssignments(_ context.Context, userID int64) ([]RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var assignments []RoleAssignment
	for _, assignment := range m.assignments[userID] {
		assignment.RoleName = m.rolesByID[assignment.RoleID].Name
		assignments = append(assignments, assignment)
	}
	return assignments, nil
}

func (m *memStore) ListGrants(_ context.Context, userID int64) ([]PermissionGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var grants []PermissionGrant
	for _, grant := range m.grants[userID] {
		grants = append(grants, grant)
	}
	return grants, nil
}

func (m *memStore) AssignedUserIDs(_ context.Context, roleID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var userIDs []int64
	for userID, byRole := range m.assignments {
		if _, ok := byRole[roleID]; ok {
			userIDs = append(userIDs, userID)
		}
	}
	return userIDs, nil
}

func (m *memStore) CreateAssignment(_ context.Context, assignment RoleAssignment, audit GrantAudit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assignments[assignment.UserID] == nil {
		m.assignments[assignment.UserID] = map[int64]RoleAssignment{}
	}
	if _, ok := m.assignments[assignment.UserID][assignment.RoleID]; ok {
		return false, nil
	}
	m.assignments[assignment.UserID][assignment.RoleID] = assignment
	m.audits = append(m.audits, audit)
	return true, nil
}

func (m *memStore) DeleteAssignment(_ context.Context, userID, roleID int64, audit GrantAudit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[userID][roleID]; !ok {
		return false, nil
	}
	delete(m.assignments[userID], roleID)
	m.audits = append(m.audits, audit)
	return true, nil
}

func (m *memStore) UpsertGrant(_ context.Context, grant PermissionGrant, audit GrantAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grants[grant.UserID] == nil {
		m.grants[grant.UserID] = map[int64]PermissionGrant{}
	}
	m.grants[grant.UserID][grant.PermissionID] = grant
	m.audits = append(m.audits, audit)
	return nil
}

func (m *memStore) CreateRole(_ context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rolesByName[role.Name]; ok {
		return Role{}, ErrDuplicateName
	}
	m.nextID++
	role.ID = m.nextID
	m.rolesByName[role.Name] = role
	m.rolesByID[role.ID] = role
	return role, nil
}

func (m *memStore) CreatePermission(_ context.Context, perm Permission) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.permsByName[perm.Name]; ok {
		return Permission{}, ErrDuplicateName
	}
	m.nextID++
	perm.ID = m.nextID
	m.permsByName[perm.Name] = perm
	m.permsByID[perm.ID] = perm
	return perm, nil
}

func (m *memStore) SetRolePermissions(_ context.Context, roleID int64, permissionIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolePerms[roleID] = append([]int64(nil), permissionIDs...)
	return nil
}
