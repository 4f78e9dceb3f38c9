package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/aixone/authz"
	"github.com/aixone/authz/utils"
)

// SQLStore persists authorization records in SQL (squealx). Rules and
// policies are returned in insertion order within equal priority.
type SQLStore struct {
	db *squealx.DB
}

func NewSQLStore(db *squealx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) PutPermission(ctx context.Context, p *authz.Permission) error {
	if err := requireTenant(p.TenantID, p.ID); err != nil {
		return err
	}
	q := `INSERT INTO permissions(tenant_id, id, resource, action, name, updated_at) VALUES(:tenant_id, :id, :resource, :action, :name, :updated_at)
	ON CONFLICT(tenant_id, id) DO UPDATE SET resource=excluded.resource, action=excluded.action, name=excluded.name, updated_at=excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": p.TenantID, "id": p.ID, "resource": p.Resource, "action": p.Action, "name": p.Name, "updated_at": now()})
	return err
}

func (s *SQLStore) PutRole(ctx context.Context, r *authz.Role) error {
	if err := requireTenant(r.TenantID, r.ID); err != nil {
		return err
	}
	perms, err := marshalJSON(r.PermissionIDs)
	if err != nil {
		return err
	}
	q := `INSERT INTO roles(tenant_id, id, name, permission_ids_json, updated_at) VALUES(:tenant_id, :id, :name, :permission_ids_json, :updated_at)
	ON CONFLICT(tenant_id, id) DO UPDATE SET name=excluded.name, permission_ids_json=excluded.permission_ids_json, updated_at=excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": r.TenantID, "id": r.ID, "name": r.Name, "permission_ids_json": perms, "updated_at": now()})
	return err
}

func (s *SQLStore) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	args := map[string]any{"tenant_id": tenantID, "id": roleID}
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM role_members WHERE tenant_id = :tenant_id AND role_id = :id`, args); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM roles WHERE tenant_id = :tenant_id AND id = :id`, args)
	return err
}

func (s *SQLStore) AssignRole(ctx context.Context, tenantID, principalID, roleID string) error {
	if err := requireTenant(tenantID, principalID); err != nil {
		return err
	}
	q := `INSERT OR IGNORE INTO role_members(tenant_id, principal_id, role_id, updated_at) VALUES(:tenant_id, :principal_id, :role_id, :updated_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": tenantID, "principal_id": principalID, "role_id": roleID, "updated_at": now()})
	return err
}

func (s *SQLStore) RevokeRole(ctx context.Context, tenantID, principalID, roleID string) error {
	q := `DELETE FROM role_members WHERE tenant_id = :tenant_id AND principal_id = :principal_id AND role_id = :role_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": tenantID, "principal_id": principalID, "role_id": roleID})
	return err
}

func (s *SQLStore) PutPrincipal(ctx context.Context, p *authz.Principal) error {
	if err := requireTenant(p.TenantID, p.ID); err != nil {
		return err
	}
	roles, err := marshalJSON(p.RoleIDs)
	if err != nil {
		return err
	}
	attrs, err := marshalJSON(p.Attributes)
	if err != nil {
		return err
	}
	q := `INSERT INTO principals(tenant_id, id, role_ids_json, attributes_json, updated_at) VALUES(:tenant_id, :id, :role_ids_json, :attributes_json, :updated_at)
	ON CONFLICT(tenant_id, id) DO UPDATE SET role_ids_json=excluded.role_ids_json, attributes_json=excluded.attributes_json, updated_at=excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": p.TenantID, "id": p.ID, "role_ids_json": roles, "attributes_json": attrs, "updated_at": now()})
	return err
}

// AddRule inserts a rule; an existing rule with the same id keeps its
// registration position
func (s *SQLStore) AddRule(ctx context.Context, r *authz.PermissionRule) error {
	if err := requireTenant(r.TenantID, r.ID); err != nil {
		return err
	}
	q := `INSERT INTO permission_rules(tenant_id, id, path_pattern, method, permission_id, priority, enabled, updated_at)
	VALUES(:tenant_id, :id, :path_pattern, :method, :permission_id, :priority, :enabled, :updated_at)
	ON CONFLICT(tenant_id, id) DO UPDATE SET path_pattern=excluded.path_pattern, method=excluded.method, permission_id=excluded.permission_id,
	priority=excluded.priority, enabled=excluded.enabled, updated_at=excluded.updated_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":     r.TenantID,
		"id":            r.ID,
		"path_pattern":  r.PathPattern,
		"method":        r.Method,
		"permission_id": r.PermissionID,
		"priority":      r.Priority,
		"enabled":       boolToInt(r.Enabled),
		"updated_at":    now(),
	})
	return err
}

func (s *SQLStore) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM permission_rules WHERE tenant_id = :tenant_id AND id = :id`, map[string]any{"tenant_id": tenantID, "id": ruleID})
	return err
}

func (s *SQLStore) AddPolicy(ctx context.Context, p *authz.Policy) error {
	if err := requireTenant(p.TenantID, p.ID); err != nil {
		return err
	}
	attrs, err := marshalJSON(p.Attributes)
	if err != nil {
		return err
	}
	q := `INSERT INTO policies(tenant_id, id, resource, action, condition_expr, attributes_json, updated_at)
	VALUES(:tenant_id, :id, :resource, :action, :condition_expr, :attributes_json, :updated_at)
	ON CONFLICT(tenant_id, id) DO UPDATE SET resource=excluded.resource, action=excluded.action, condition_expr=excluded.condition_expr,
	attributes_json=excluded.attributes_json, updated_at=excluded.updated_at`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":       p.TenantID,
		"id":              p.ID,
		"resource":        p.Resource,
		"action":          p.Action,
		"condition_expr":  p.ConditionExpr,
		"attributes_json": attrs,
		"updated_at":      now(),
	})
	return err
}

func (s *SQLStore) DeletePolicy(ctx context.Context, tenantID, policyID string) error {
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM policies WHERE tenant_id = :tenant_id AND id = :id`, map[string]any{"tenant_id": tenantID, "id": policyID})
	return err
}

// FindRulesByPathAndMethod loads the tenant's rules in priority then
// insertion order and keeps those whose method and pattern match
func (s *SQLStore) FindRulesByPathAndMethod(ctx context.Context, tenantID, path, method string) ([]*authz.PermissionRule, error) {
	q := `SELECT id, path_pattern, method, permission_id, priority, enabled FROM permission_rules WHERE tenant_id = :tenant_id ORDER BY priority, seq`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.PermissionRule, 0)
	err = eachRow(r, func() error {
		rule := &authz.PermissionRule{TenantID: tenantID}
		var enabled int
		if err := r.Scan(&rule.ID, &rule.PathPattern, &rule.Method, &rule.PermissionID, &rule.Priority, &enabled); err != nil {
			return err
		}
		rule.Enabled = enabled != 0
		if utils.MatchMethod(rule.Method, method) && utils.MatchPath(rule.PathPattern, path) {
			out = append(out, rule)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) FindRolesByPrincipal(ctx context.Context, tenantID, principalID string) ([]*authz.Role, error) {
	q := `SELECT r.id, r.name, r.permission_ids_json FROM role_members m
	JOIN roles r ON r.tenant_id = m.tenant_id AND r.id = m.role_id
	WHERE m.tenant_id = :tenant_id AND m.principal_id = :principal_id ORDER BY m.seq`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "principal_id": principalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Role, 0)
	err = eachRow(r, func() error {
		role := &authz.Role{TenantID: tenantID}
		var permsJSON string
		if err := r.Scan(&role.ID, &role.Name, &permsJSON); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(permsJSON), &role.PermissionIDs); err != nil {
			return fmt.Errorf("role %s: decode permissions: %w", role.ID, err)
		}
		out = append(out, role)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) FindPermissionsByRole(ctx context.Context, tenantID, roleID string) ([]*authz.Permission, error) {
	q := `SELECT permission_ids_json FROM roles WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": roleID})
	if err != nil {
		return nil, err
	}
	var permsJSON string
	found := r.Next()
	if found {
		err = r.Scan(&permsJSON)
	} else {
		err = r.Err()
	}
	r.Close()
	if err != nil {
		return nil, err
	}
	out := make([]*authz.Permission, 0)
	if !found {
		return out, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(permsJSON), &ids); err != nil {
		return nil, fmt.Errorf("role %s: decode permissions: %w", roleID, err)
	}
	known, err := s.permissionsByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if p, ok := known[id]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, permissionFromID(tenantID, id))
	}
	return out, nil
}

// FindPermissions returns the stored permission records among ids
func (s *SQLStore) FindPermissions(ctx context.Context, tenantID string, ids []string) (map[string]*authz.Permission, error) {
	known, err := s.permissionsByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*authz.Permission, len(ids))
	for _, id := range ids {
		if p, ok := known[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *SQLStore) permissionsByID(ctx context.Context, tenantID string) (map[string]*authz.Permission, error) {
	q := `SELECT id, resource, action, name FROM permissions WHERE tenant_id = :tenant_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make(map[string]*authz.Permission)
	err = eachRow(r, func() error {
		p := &authz.Permission{TenantID: tenantID}
		if err := r.Scan(&p.ID, &p.Resource, &p.Action, &p.Name); err != nil {
			return err
		}
		out[p.ID] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) FindPoliciesByResourceAction(ctx context.Context, tenantID, resource, action string) ([]*authz.Policy, error) {
	q := `SELECT id, condition_expr, attributes_json FROM policies WHERE tenant_id = :tenant_id AND resource = :resource AND action = :action ORDER BY seq`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "resource": resource, "action": action})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*authz.Policy, 0)
	err = eachRow(r, func() error {
		p := &authz.Policy{TenantID: tenantID, Resource: resource, Action: action}
		var attrsJSON string
		if err := r.Scan(&p.ID, &p.ConditionExpr, &attrsJSON); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(attrsJSON), &p.Attributes); err != nil {
			return fmt.Errorf("policy %s: decode attributes: %w", p.ID, err)
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) FindPrincipal(ctx context.Context, tenantID, principalID string) (*authz.Principal, error) {
	q := `SELECT role_ids_json, attributes_json FROM principals WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": principalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, r.Err()
	}
	var rolesJSON, attrsJSON string
	if err := r.Scan(&rolesJSON, &attrsJSON); err != nil {
		return nil, err
	}
	p := &authz.Principal{ID: principalID, TenantID: tenantID}
	if err := json.Unmarshal([]byte(rolesJSON), &p.RoleIDs); err != nil {
		return nil, fmt.Errorf("principal %s: decode roles: %w", principalID, err)
	}
	if err := json.Unmarshal([]byte(attrsJSON), &p.Attributes); err != nil {
		return nil, fmt.Errorf("principal %s: decode attributes: %w", principalID, err)
	}
	return p, nil
}

// LastModified returns the newest write time across the tenant's records.
// The zero time means the tenant has no records.
func (s *SQLStore) LastModified(ctx context.Context, tenantID string) (time.Time, error) {
	q := `SELECT MAX(updated_at) FROM (
		SELECT updated_at FROM permissions WHERE tenant_id = :tenant_id
		UNION ALL SELECT updated_at FROM roles WHERE tenant_id = :tenant_id
		UNION ALL SELECT updated_at FROM role_members WHERE tenant_id = :tenant_id
		UNION ALL SELECT updated_at FROM principals WHERE tenant_id = :tenant_id
		UNION ALL SELECT updated_at FROM permission_rules WHERE tenant_id = :tenant_id
		UNION ALL SELECT updated_at FROM policies WHERE tenant_id = :tenant_id
	)`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return time.Time{}, err
	}
	defer r.Close()
	if !r.Next() {
		return time.Time{}, r.Err()
	}
	var raw any
	if err := r.Scan(&raw); err != nil {
		return time.Time{}, err
	}
	t, _ := scanTime(raw)
	return t, nil
}

var (
	_ authz.AttributeStore  = (*SQLStore)(nil)
	_ authz.PrincipalFinder = (*SQLStore)(nil)
	_ authz.SeedWriter      = (*SQLStore)(nil)
	_ PermissionFinder      = (*SQLStore)(nil)
)
