package rbac

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridian-saas/meridian/internal/shared"
)

// maxParentDepth caps parent-chain walks so a corrupted hierarchy cannot
// loop forever.
const maxParentDepth = 32

// MetricsRecorder counts resolver cache behaviour.
type MetricsRecorder interface {
	ResolverCacheHit()
	ResolverCacheMiss()
}

// Resolver computes the effective permission set for a user: role-derived
// permissions, direct grant/revoke overrides, parent-chain expansion, and
// wildcard broadening, fronted by the per-user cache.
type Resolver struct {
	store   Store
	cache   *Cache
	metrics MetricsRecorder
	group   singleflight.Group
	now     func() time.Time
}

// NewResolver constructs a Resolver. cache and metrics may be nil.
func NewResolver(store Store, cache *Cache, metrics MetricsRecorder) *Resolver {
	return &Resolver{store: store, cache: cache, metrics: metrics, now: time.Now}
}

// Resolve returns the effective permission set for the user at this
// instant. Unknown users resolve to an empty set. Only non-expired
// resolutions consult and populate the cache; concurrent cache misses for
// the same user are collapsed into a single store round trip.
func (r *Resolver) Resolve(ctx context.Context, tenant string, userID int64, includeExpired bool) (PermissionSet, error) {
	tenant = shared.TenantOrDefault(tenant)
	if includeExpired {
		return r.resolveFromStore(ctx, tenant, userID, true, false)
	}

	if set, ok := r.cache.Get(ctx, tenant, userID); ok {
		if r.metrics != nil {
			r.metrics.ResolverCacheHit()
		}
		return set, nil
	}
	if r.metrics != nil {
		r.metrics.ResolverCacheMiss()
	}

	result, err, _ := r.group.Do(fmt.Sprintf("%s/%d", tenant, userID), func() (any, error) {
		return r.resolveFromStore(ctx, tenant, userID, false, true)
	})
	if err != nil {
		return nil, err
	}
	return result.(PermissionSet), nil
}

func (r *Resolver) resolveFromStore(ctx context.Context, tenant string, userID int64, includeExpired, populate bool) (PermissionSet, error) {
	now := r.now().UTC()

	names, err := r.store.RoleDerivedPermissions(ctx, userID, now, includeExpired)
	if err != nil {
		return nil, err
	}
	set := NewPermissionSet(names...)

	grants, err := r.store.UserGrants(ctx, userID, now, includeExpired)
	if err != nil {
		return nil, err
	}
	var revoked []string
	for _, grant := range grants {
		if grant.Granted {
			set.Add(grant.PermissionName)
		} else {
			revoked = append(revoked, grant.PermissionName)
		}
	}

	if err := r.expandParents(ctx, set); err != nil {
		return nil, err
	}
	set.Broaden()

	// A revocation row strips only the named entry. Parents and wildcards
	// synthesized from the revoked name stay in the set, so revoking the
	// sole concrete name under a prefix still leaves its "<prefix>.*".
	for _, name := range revoked {
		set.Remove(name)
	}

	if populate {
		r.cache.Set(ctx, tenant, userID, set)
	}
	return set, nil
}

// expandParents walks permission parent chains to a fixed point: each pass
// queries parents only for names added by the previous pass.
func (r *Resolver) expandParents(ctx context.Context, set PermissionSet) error {
	frontier := set.Slice()
	for depth := 0; len(frontier) > 0 && depth < maxParentDepth; depth++ {
		parents, err := r.store.ParentNames(ctx, frontier)
		if err != nil {
			return err
		}
		frontier = frontier[:0]
		for _, parent := range parents {
			if !set.Contains(parent) {
				set.Add(parent)
				frontier = append(frontier, parent)
			}
		}
	}
	return nil
}
