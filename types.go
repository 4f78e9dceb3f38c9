package authz

import (
	"strings"
	"time"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Principal is the authenticated identity being evaluated
type Principal struct {
	ID         string         `json:"id" yaml:"id"`
	TenantID   string         `json:"tenant_id" yaml:"tenant_id"`
	RoleIDs    []string       `json:"role_ids,omitempty" yaml:"role_ids,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Role is a named set of permission identifiers. Roles are flat: a role never
// inherits another role.
type Role struct {
	ID            string   `json:"id" yaml:"id"`
	TenantID      string   `json:"tenant_id" yaml:"tenant_id"`
	Name          string   `json:"name" yaml:"name"`
	PermissionIDs []string `json:"permission_ids" yaml:"permission_ids"`
}

// Permission is an action on a resource. Its identifier is conventionally
// "resource:action".
type Permission struct {
	ID       string `json:"id" yaml:"id"`
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	Resource string `json:"resource" yaml:"resource"`
	Action   string `json:"action" yaml:"action"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Identifier returns "resource:action"
func (p *Permission) Identifier() string {
	return p.Resource + ":" + p.Action
}

// Grants reports whether p satisfies the requested permission identifier,
// either by exact ID or by its resource:action pair.
func (p *Permission) Grants(identifier string) bool {
	if p == nil || identifier == "" {
		return false
	}
	if p.ID == identifier {
		return true
	}
	return p.Resource != "" && p.Action != "" && p.Identifier() == identifier
}

// PermissionRule maps an admin path pattern and HTTP method to the permission
// a caller must hold. The lowest Priority value wins.
type PermissionRule struct {
	ID           string `json:"id" yaml:"id"`
	TenantID     string `json:"tenant_id" yaml:"tenant_id"`
	PathPattern  string `json:"path_pattern" yaml:"path_pattern"`
	Method       string `json:"method" yaml:"method"` // "" or "*" = any method
	PermissionID string `json:"permission_id" yaml:"permission_id"`
	Priority     int    `json:"priority" yaml:"priority"`
	Enabled      bool   `json:"enabled" yaml:"enabled"`
}

// Policy is an additive ABAC grant for a (resource, action) pair
type Policy struct {
	ID            string         `json:"id" yaml:"id"`
	TenantID      string         `json:"tenant_id" yaml:"tenant_id"`
	Resource      string         `json:"resource" yaml:"resource"`
	Action        string         `json:"action" yaml:"action"`
	ConditionExpr string         `json:"condition" yaml:"condition"`
	Attributes    map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Reason is the closed set of decision outcomes
type Reason string

const (
	ReasonNoRuleAllow      Reason = "NO_RULE_ALLOW"
	ReasonRBACAllow        Reason = "RBAC_ALLOW"
	ReasonABACAllow        Reason = "ABAC_ALLOW"
	ReasonDeny             Reason = "DENY"
	ReasonMissingTenant    Reason = "MISSING_TENANT"
	ReasonMissingPrincipal Reason = "MISSING_PRINCIPAL"
	ReasonStoreUnavailable Reason = "STORE_UNAVAILABLE"
	ReasonInternalError    Reason = "INTERNAL_ERROR"
)

// Unauthenticated reports whether the reason stems from missing identity
// rather than a policy outcome. Callers map these to 401.
func (r Reason) Unauthenticated() bool {
	return r == ReasonMissingTenant || r == ReasonMissingPrincipal
}

// Decision is the engine verdict
type Decision struct {
	Allowed    bool      `json:"allowed"`
	Reason     Reason    `json:"reason"`
	Permission string    `json:"permission,omitempty"` // normalized identifier that was evaluated
	MatchedBy  string    `json:"matched_by,omitempty"` // rule, role or policy id
	Trace      []string  `json:"trace,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Scope selects what Engine.Invalidate drops
type Scope string

const (
	ScopeRole      Scope = "ROLE"
	ScopePolicy    Scope = "POLICY"
	ScopeRule      Scope = "RULE"
	ScopePrincipal Scope = "PRINCIPAL"
)

const adminPrefix = "admin:"

// NormalizePermission strips a single leading "admin:" from a rule permission
func NormalizePermission(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), adminPrefix)
}

// SplitPermission splits "resource:action" at the first colon
func SplitPermission(identifier string) (resource, action string, ok bool) {
	resource, action, ok = strings.Cut(identifier, ":")
	if !ok || resource == "" || action == "" {
		return "", "", false
	}
	return resource, action, true
}
