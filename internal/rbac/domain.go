package rbac

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrRoleNotFound indicates that a mutation referenced an unknown role name.
	ErrRoleNotFound = errors.New("rbac: role not found")
	// ErrPermissionNotFound indicates that a mutation referenced an unknown permission name.
	ErrPermissionNotFound = errors.New("rbac: permission not found")
	// ErrDuplicateName indicates that a role or permission name is already taken.
	ErrDuplicateName = errors.New("rbac: name already exists")
	// ErrStoreUnavailable wraps store connectivity failures.
	ErrStoreUnavailable = errors.New("rbac: store unavailable")
)

// Audit actions recorded for every mutation.
const (
	ActionGrant  = "grant"
	ActionRevoke = "revoke"
)

// Role groups permissions and may inherit from a single parent role.
type Role struct {
	ID          int64
	Name        string
	DisplayName string
	Description string
	IsActive    bool
	ParentID    *int64
	IsDefault   bool
	Priority    int32
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission is an atomic capability addressed by a dot-delimited name,
// e.g. "billing.invoice.read". A permission may point at a single parent.
type Permission struct {
	ID          int64
	Name        string
	DisplayName string
	Category    string
	Description string
	IsActive    bool
	ParentID    *int64
	CreatedAt   time.Time
}

// RoleAssignment links a user to a role. An expired assignment stays on
// record but is inert for resolution until explicitly revoked.
type RoleAssignment struct {
	UserID    int64
	RoleID    int64
	RoleName  string
	GrantedBy int64
	GrantedAt time.Time
	ExpiresAt *time.Time
	Metadata  map[string]any
}

// PermissionGrant is a per-user override row. Granted=true adds the
// permission regardless of role membership; Granted=false strips it even
// when a role would otherwise confer it. At most one row exists per
// (user, permission) pair.
type PermissionGrant struct {
	UserID         int64
	PermissionID   int64
	PermissionName string
	Granted        bool
	GrantedBy      int64
	GrantedAt      time.Time
	ExpiresAt      *time.Time
	Reason         string
}

// GrantAudit is an append-only record of a single mutation. It is written
// in the same transaction as the change it describes.
type GrantAudit struct {
	Tenant       string
	UserID       int64
	RoleID       *int64
	PermissionID *int64
	ActorID      int64
	Action       string
	OccurredAt   time.Time
	ExpiresAt    *time.Time
	Reason       string
	Metadata     map[string]any
}

// PermissionSet holds resolved permission names, including synthesized
// wildcard and parent entries.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from the given names.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Add inserts a name into the set.
func (s PermissionSet) Add(name string) {
	s[name] = struct{}{}
}

// Remove deletes a name from the set.
func (s PermissionSet) Remove(name string) {
	delete(s, name)
}

// Contains reports whether the literal name is in the set.
func (s PermissionSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Slice returns the set contents as a sorted slice.
func (s PermissionSet) Slice() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
