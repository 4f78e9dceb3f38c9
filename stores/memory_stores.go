package stores

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/aixone/authz"
	"github.com/aixone/authz/utils"
)

type tenantKey struct {
	tenant string
	id     string
}

// MemoryStore keeps every record in memory. Rules and policies keep their
// registration order, which decides priority ties. Safe for concurrent use.
type MemoryStore struct {
	mu          sync.RWMutex
	permissions map[tenantKey]*authz.Permission
	roles       map[tenantKey]*authz.Role
	members     map[tenantKey][]string
	principals  map[tenantKey]*authz.Principal
	rules       []*authz.PermissionRule
	policies    []*authz.Policy

	// number of Find* calls served
	fetches atomic.Int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		permissions: make(map[tenantKey]*authz.Permission),
		roles:       make(map[tenantKey]*authz.Role),
		members:     make(map[tenantKey][]string),
		principals:  make(map[tenantKey]*authz.Principal),
	}
}

// Fetches returns how many lookups reached the store
func (s *MemoryStore) Fetches() int64 { return s.fetches.Load() }

func (s *MemoryStore) PutPermission(_ context.Context, p *authz.Permission) error {
	if err := requireTenant(p.TenantID, p.ID); err != nil {
		return err
	}
	dup := *p
	s.mu.Lock()
	s.permissions[tenantKey{p.TenantID, p.ID}] = &dup
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PutRole(_ context.Context, r *authz.Role) error {
	if err := requireTenant(r.TenantID, r.ID); err != nil {
		return err
	}
	s.mu.Lock()
	s.roles[tenantKey{r.TenantID, r.ID}] = cloneRole(r)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteRole(_ context.Context, tenantID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, tenantKey{tenantID, roleID})
	for k, ids := range s.members {
		if k.tenant == tenantID {
			s.members[k] = slices.DeleteFunc(ids, func(id string) bool { return id == roleID })
		}
	}
	return nil
}

func (s *MemoryStore) AssignRole(_ context.Context, tenantID, principalID, roleID string) error {
	if err := requireTenant(tenantID, principalID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantKey{tenantID, principalID}
	if !slices.Contains(s.members[k], roleID) {
		s.members[k] = append(s.members[k], roleID)
	}
	return nil
}

func (s *MemoryStore) RevokeRole(_ context.Context, tenantID, principalID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := tenantKey{tenantID, principalID}
	s.members[k] = slices.DeleteFunc(s.members[k], func(id string) bool { return id == roleID })
	return nil
}

func (s *MemoryStore) PutPrincipal(_ context.Context, p *authz.Principal) error {
	if err := requireTenant(p.TenantID, p.ID); err != nil {
		return err
	}
	s.mu.Lock()
	s.principals[tenantKey{p.TenantID, p.ID}] = clonePrincipal(p)
	s.mu.Unlock()
	return nil
}

// AddRule appends a rule, or replaces a rule with the same tenant and id in
// place so it keeps its registration position
func (s *MemoryStore) AddRule(_ context.Context, r *authz.PermissionRule) error {
	if err := requireTenant(r.TenantID, r.ID); err != nil {
		return err
	}
	dup := *r
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.rules {
		if cur.TenantID == r.TenantID && cur.ID == r.ID {
			s.rules[i] = &dup
			return nil
		}
	}
	s.rules = append(s.rules, &dup)
	return nil
}

func (s *MemoryStore) DeleteRule(_ context.Context, tenantID, ruleID string) error {
	s.mu.Lock()
	s.rules = slices.DeleteFunc(s.rules, func(r *authz.PermissionRule) bool {
		return r.TenantID == tenantID && r.ID == ruleID
	})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddPolicy(_ context.Context, p *authz.Policy) error {
	if err := requireTenant(p.TenantID, p.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.policies {
		if cur.TenantID == p.TenantID && cur.ID == p.ID {
			s.policies[i] = clonePolicy(p)
			return nil
		}
	}
	s.policies = append(s.policies, clonePolicy(p))
	return nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, tenantID, policyID string) error {
	s.mu.Lock()
	s.policies = slices.DeleteFunc(s.policies, func(p *authz.Policy) bool {
		return p.TenantID == tenantID && p.ID == policyID
	})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) FindRulesByPathAndMethod(_ context.Context, tenantID, path, method string) ([]*authz.PermissionRule, error) {
	s.fetches.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*authz.PermissionRule, 0)
	for _, r := range s.rules {
		if r.TenantID != tenantID || !utils.MatchMethod(r.Method, method) || !utils.MatchPath(r.PathPattern, path) {
			continue
		}
		dup := *r
		out = append(out, &dup)
	}
	return out, nil
}

func (s *MemoryStore) FindRolesByPrincipal(_ context.Context, tenantID, principalID string) ([]*authz.Role, error) {
	s.fetches.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*authz.Role, 0)
	for _, id := range s.members[tenantKey{tenantID, principalID}] {
		if r, ok := s.roles[tenantKey{tenantID, id}]; ok {
			out = append(out, cloneRole(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindPermissionsByRole(_ context.Context, tenantID, roleID string) ([]*authz.Permission, error) {
	s.fetches.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*authz.Permission, 0)
	r, ok := s.roles[tenantKey{tenantID, roleID}]
	if !ok {
		return out, nil
	}
	for _, pid := range r.PermissionIDs {
		if p, ok := s.permissions[tenantKey{tenantID, pid}]; ok {
			dup := *p
			out = append(out, &dup)
			continue
		}
		out = append(out, permissionFromID(tenantID, pid))
	}
	return out, nil
}

// FindPermissions returns the stored permission records among ids
func (s *MemoryStore) FindPermissions(_ context.Context, tenantID string, ids []string) (map[string]*authz.Permission, error) {
	s.fetches.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*authz.Permission, len(ids))
	for _, id := range ids {
		if p, ok := s.permissions[tenantKey{tenantID, id}]; ok {
			dup := *p
			out[id] = &dup
		}
	}
	return out, nil
}

func (s *MemoryStore) FindPoliciesByResourceAction(_ context.Context, tenantID, resource, action string) ([]*authz.Policy, error) {
	s.fetches.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*authz.Policy, 0)
	for _, p := range s.policies {
		if p.TenantID == tenantID && p.Resource == resource && p.Action == action {
			out = append(out, clonePolicy(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) FindPrincipal(_ context.Context, tenantID, principalID string) (*authz.Principal, error) {
	s.fetches.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[tenantKey{tenantID, principalID}]
	if !ok {
		return nil, nil
	}
	return clonePrincipal(p), nil
}

var (
	_ authz.AttributeStore  = (*MemoryStore)(nil)
	_ authz.PrincipalFinder = (*MemoryStore)(nil)
	_ authz.SeedWriter      = (*MemoryStore)(nil)
	_ PermissionFinder      = (*MemoryStore)(nil)
)
