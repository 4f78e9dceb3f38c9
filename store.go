package authz

import (
	"context"
	"time"

	"github.com/aixone/authz/logger"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// AttributeStore is the read-only data source behind the engine. Every method
// is tenant scoped and returns an empty slice with a nil error when nothing
// matches; errors are reserved for an unavailable backend.
type AttributeStore interface {
	FindRulesByPathAndMethod(ctx context.Context, tenantID, path, method string) ([]*PermissionRule, error)
	FindRolesByPrincipal(ctx context.Context, tenantID, principalID string) ([]*Role, error)
	FindPermissionsByRole(ctx context.Context, tenantID, roleID string) ([]*Permission, error)
	FindPoliciesByResourceAction(ctx context.Context, tenantID, resource, action string) ([]*Policy, error)
}

// PrincipalFinder is implemented by stores that can supply principal
// attributes for ABAC. A nil principal with a nil error means not found.
type PrincipalFinder interface {
	FindPrincipal(ctx context.Context, tenantID, principalID string) (*Principal, error)
}

// fetchThrough reads key from the cache, calling fetch under the store
// timeout on a miss. When the fetch fails a value still inside the cache
// grace window is served instead.
func fetchThrough(ctx context.Context, c *Cache, key CacheKey, ttl, timeout time.Duration, log logger.Logger, fetch func(context.Context) (any, error)) (any, error) {
	v, err := c.Load(ctx, key, ttl, func(ctx context.Context) (any, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return fetch(ctx)
	})
	if err == nil {
		return v, nil
	}
	if stale, ok := c.GetStale(key); ok {
		log.Warn("serving stale cache entry", "tenant", key.TenantID, "kind", key.Kind.String(), "id", key.ID, "error", err.Error())
		return stale, nil
	}
	return nil, storeError("fetch "+key.Kind.String(), err)
}
