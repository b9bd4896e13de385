package rbac

import (
	"context"
	"strings"
)

// Checker answers boolean authorization questions on top of the resolver,
// so callers never deal with wildcard syntax themselves.
type Checker struct {
	resolver *Resolver
}

// NewChecker constructs a Checker.
func NewChecker(resolver *Resolver) *Checker {
	return &Checker{resolver: resolver}
}

// Has reports whether the user holds the permission, honouring exact,
// wildcard, and superadmin entries. Unknown users and unknown permissions
// yield false; only store failures surface as errors.
func (c *Checker) Has(ctx context.Context, tenant string, userID int64, permission string) (bool, error) {
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return false, nil
	}
	set, err := c.resolver.Resolve(ctx, tenant, userID, false)
	if err != nil {
		return false, err
	}
	return set.Covers(permission), nil
}

// HasAny reports whether the user holds at least one of the permissions.
func (c *Checker) HasAny(ctx context.Context, tenant string, userID int64, permissions []string) (bool, error) {
	if len(permissions) == 0 {
		return false, nil
	}
	set, err := c.resolver.Resolve(ctx, tenant, userID, false)
	if err != nil {
		return false, err
	}
	for _, permission := range permissions {
		if set.Covers(strings.TrimSpace(permission)) {
			return true, nil
		}
	}
	return false, nil
}

// HasAll reports whether the user holds every one of the permissions.
func (c *Checker) HasAll(ctx context.Context, tenant string, userID int64, permissions []string) (bool, error) {
	set, err := c.resolver.Resolve(ctx, tenant, userID, false)
	if err != nil {
		return false, err
	}
	for _, permission := range permissions {
		if !set.Covers(strings.TrimSpace(permission)) {
			return false, nil
		}
	}
	return true, nil
}
