package authz

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/aixone/authz/logger"
)

// ============================================================================
// RBAC EVALUATOR
// ============================================================================

// RBACChecker decides role-based grants. It returns the id of the granting
// role.
type RBACChecker interface {
	HasPermission(ctx context.Context, principal *Principal, permission, resource string) (bool, string, error)
}

// RBACEvaluator resolves principal -> roles -> permissions, one hop. Roles
// never inherit other roles.
type RBACEvaluator struct {
	store   AttributeStore
	cache   *Cache
	ttl     time.Duration
	timeout time.Duration
	logger  logger.Logger
}

func NewRBACEvaluator(store AttributeStore, cache *Cache, log logger.Logger) *RBACEvaluator {
	if log == nil {
		log = logger.NewNull()
	}
	return &RBACEvaluator{store: store, cache: cache, timeout: DefaultStoreTimeout, logger: log}
}

// HasPermission reports whether any of the principal's roles carries the
// permission, matched by exact id or by resource:action. When resource is set
// the permission's action is also checked against that resource.
func (r *RBACEvaluator) HasPermission(ctx context.Context, principal *Principal, permission, resource string) (bool, string, error) {
	if principal == nil || principal.ID == "" || principal.TenantID == "" || permission == "" {
		return false, "", nil
	}
	alt := ""
	if resource != "" {
		if _, action, ok := SplitPermission(permission); ok {
			alt = resource + ":" + action
		}
	}
	roleIDs, err := r.roleIDs(ctx, principal)
	if err != nil {
		return false, "", err
	}
	for _, roleID := range roleIDs {
		perms, err := r.rolePermissions(ctx, principal.TenantID, roleID)
		if err != nil {
			return false, "", err
		}
		for _, p := range perms {
			if p.TenantID != principal.TenantID {
				continue
			}
			if p.Grants(permission) || (alt != "" && p.Grants(alt)) {
				return true, roleID, nil
			}
		}
	}
	return false, "", nil
}

// EffectivePermissions returns the sorted, de-duplicated identifiers granted
// through the principal's roles
func (r *RBACEvaluator) EffectivePermissions(ctx context.Context, principal *Principal) ([]string, error) {
	if principal == nil || principal.ID == "" || principal.TenantID == "" {
		return nil, nil
	}
	roleIDs, err := r.roleIDs(ctx, principal)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, roleID := range roleIDs {
		perms, err := r.rolePermissions(ctx, principal.TenantID, roleID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			if p.TenantID != principal.TenantID {
				continue
			}
			id := p.ID
			if p.Resource != "" && p.Action != "" {
				id = p.Identifier()
			}
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// roleIDs unions roles from the store with the ids carried on the principal
func (r *RBACEvaluator) roleIDs(ctx context.Context, principal *Principal) ([]string, error) {
	key := CacheKey{TenantID: principal.TenantID, Kind: KindPrincipalRoles, ID: principal.ID}
	v, err := r.load(ctx, key, func(ctx context.Context) (any, error) {
		roles, err := r.store.FindRolesByPrincipal(ctx, principal.TenantID, principal.ID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(roles))
		for _, role := range roles {
			if role == nil || role.TenantID != principal.TenantID {
				continue
			}
			ids = append(ids, role.ID)
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	ids := v.([]string)
	if len(principal.RoleIDs) == 0 {
		return ids, nil
	}
	out := slices.Clone(ids)
	for _, id := range principal.RoleIDs {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *RBACEvaluator) rolePermissions(ctx context.Context, tenantID, roleID string) ([]*Permission, error) {
	key := CacheKey{TenantID: tenantID, Kind: KindRolePermissions, ID: roleID}
	v, err := r.load(ctx, key, func(ctx context.Context) (any, error) {
		return r.store.FindPermissionsByRole(ctx, tenantID, roleID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Permission), nil
}

func (r *RBACEvaluator) load(ctx context.Context, key CacheKey, fetch func(context.Context) (any, error)) (any, error) {
	return fetchThrough(ctx, r.cache, key, r.ttl, r.timeout, r.logger, fetch)
}
