package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/aixone/authz"
)

// RedisRoleStore keeps roles and principal->role memberships in Redis and
// delegates rules, policies, principals and permission records to a base
// store.
//
//	authz:{tenant}:role:{roleID}              role JSON
//	authz:{tenant}:principal:{id}:roles       set of role ids
type RedisRoleStore struct {
	authz.AttributeStore
	client *redis.Client
	prefix string
}

// NewRedisRoleStore wraps base. base may be nil when only RBAC data is served.
func NewRedisRoleStore(client *redis.Client, base authz.AttributeStore) *RedisRoleStore {
	return &RedisRoleStore{AttributeStore: base, client: client, prefix: "authz"}
}

func (r *RedisRoleStore) roleKey(tenantID, roleID string) string {
	return fmt.Sprintf("%s:%s:role:%s", r.prefix, tenantID, roleID)
}

func (r *RedisRoleStore) memberKey(tenantID, principalID string) string {
	return fmt.Sprintf("%s:%s:principal:%s:roles", r.prefix, tenantID, principalID)
}

func (r *RedisRoleStore) PutRole(ctx context.Context, role *authz.Role) error {
	if err := requireTenant(role.TenantID, role.ID); err != nil {
		return err
	}
	b, err := json.Marshal(role)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.roleKey(role.TenantID, role.ID), b, 0).Err()
}

func (r *RedisRoleStore) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	return r.client.Del(ctx, r.roleKey(tenantID, roleID)).Err()
}

func (r *RedisRoleStore) AssignRole(ctx context.Context, tenantID, principalID, roleID string) error {
	if err := requireTenant(tenantID, principalID); err != nil {
		return err
	}
	return r.client.SAdd(ctx, r.memberKey(tenantID, principalID), roleID).Err()
}

func (r *RedisRoleStore) RevokeRole(ctx context.Context, tenantID, principalID, roleID string) error {
	return r.client.SRem(ctx, r.memberKey(tenantID, principalID), roleID).Err()
}

// ListRoles returns the principal's role ids, sorted
func (r *RedisRoleStore) ListRoles(ctx context.Context, tenantID, principalID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.memberKey(tenantID, principalID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *RedisRoleStore) FindRolesByPrincipal(ctx context.Context, tenantID, principalID string) ([]*authz.Role, error) {
	ids, err := r.ListRoles(ctx, tenantID, principalID)
	if err != nil {
		return nil, err
	}
	out := make([]*authz.Role, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.roleKey(tenantID, id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// membership points at a deleted role
			continue
		}
		role := &authz.Role{}
		if err := json.Unmarshal([]byte(s), role); err != nil {
			return nil, fmt.Errorf("role %s: %w", ids[i], err)
		}
		if role.TenantID == tenantID {
			out = append(out, role)
		}
	}
	return out, nil
}

func (r *RedisRoleStore) FindPermissionsByRole(ctx context.Context, tenantID, roleID string) ([]*authz.Permission, error) {
	out := make([]*authz.Permission, 0)
	b, err := r.client.Get(ctx, r.roleKey(tenantID, roleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	role := &authz.Role{}
	if err := json.Unmarshal(b, role); err != nil {
		return nil, fmt.Errorf("role %s: %w", roleID, err)
	}
	if role.TenantID != tenantID {
		return out, nil
	}
	var known map[string]*authz.Permission
	if f, ok := r.AttributeStore.(PermissionFinder); ok && len(role.PermissionIDs) > 0 {
		if known, err = f.FindPermissions(ctx, tenantID, role.PermissionIDs); err != nil {
			return nil, err
		}
	}
	for _, id := range role.PermissionIDs {
		if p, ok := known[id]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, permissionFromID(tenantID, id))
	}
	return out, nil
}

func (r *RedisRoleStore) FindRulesByPathAndMethod(ctx context.Context, tenantID, path, method string) ([]*authz.PermissionRule, error) {
	if r.AttributeStore == nil {
		return []*authz.PermissionRule{}, nil
	}
	return r.AttributeStore.FindRulesByPathAndMethod(ctx, tenantID, path, method)
}

func (r *RedisRoleStore) FindPoliciesByResourceAction(ctx context.Context, tenantID, resource, action string) ([]*authz.Policy, error) {
	if r.AttributeStore == nil {
		return []*authz.Policy{}, nil
	}
	return r.AttributeStore.FindPoliciesByResourceAction(ctx, tenantID, resource, action)
}

func (r *RedisRoleStore) FindPrincipal(ctx context.Context, tenantID, principalID string) (*authz.Principal, error) {
	if f, ok := r.AttributeStore.(authz.PrincipalFinder); ok {
		return f.FindPrincipal(ctx, tenantID, principalID)
	}
	return nil, nil
}

var (
	_ authz.AttributeStore  = (*RedisRoleStore)(nil)
	_ authz.PrincipalFinder = (*RedisRoleStore)(nil)
)
