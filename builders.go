package authz

// Builders provide a fluent API for creating roles, rules and policies

// RoleBuilder builds a Role
type RoleBuilder struct {
	r *Role
}

func NewRoleBuilder() *RoleBuilder {
	return &RoleBuilder{r: &Role{PermissionIDs: []string{}}}
}
func (b *RoleBuilder) ID(id string) *RoleBuilder    { b.r.ID = id; return b }
func (b *RoleBuilder) Tenant(t string) *RoleBuilder { b.r.TenantID = t; return b }
func (b *RoleBuilder) Name(n string) *RoleBuilder   { b.r.Name = n; return b }

// Permission adds permission identifiers such as "user:read"
func (b *RoleBuilder) Permission(ids ...string) *RoleBuilder {
	b.r.PermissionIDs = append(b.r.PermissionIDs, ids...)
	return b
}
func (b *RoleBuilder) Build() *Role { return b.r }

// RuleBuilder builds a PermissionRule. Rules start enabled.
type RuleBuilder struct {
	r *PermissionRule
}

func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{r: &PermissionRule{Enabled: true}}
}
func (b *RuleBuilder) ID(id string) *RuleBuilder         { b.r.ID = id; return b }
func (b *RuleBuilder) Tenant(t string) *RuleBuilder      { b.r.TenantID = t; return b }
func (b *RuleBuilder) Path(pattern string) *RuleBuilder  { b.r.PathPattern = pattern; return b }
func (b *RuleBuilder) Method(m string) *RuleBuilder      { b.r.Method = m; return b }
func (b *RuleBuilder) Permission(id string) *RuleBuilder { b.r.PermissionID = id; return b }
func (b *RuleBuilder) Priority(p int) *RuleBuilder       { b.r.Priority = p; return b }
func (b *RuleBuilder) Enabled(enabled bool) *RuleBuilder { b.r.Enabled = enabled; return b }
func (b *RuleBuilder) Build() *PermissionRule            { return b.r }

// PolicyBuilder builds a Policy
type PolicyBuilder struct {
	p *Policy
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &Policy{}}
}
func (b *PolicyBuilder) ID(id string) *PolicyBuilder      { b.p.ID = id; return b }
func (b *PolicyBuilder) Tenant(t string) *PolicyBuilder   { b.p.TenantID = t; return b }
func (b *PolicyBuilder) Resource(r string) *PolicyBuilder { b.p.Resource = r; return b }
func (b *PolicyBuilder) Action(a string) *PolicyBuilder   { b.p.Action = a; return b }

// Permission sets resource and action from "resource:action"
func (b *PolicyBuilder) Permission(identifier string) *PolicyBuilder {
	if res, act, ok := SplitPermission(identifier); ok {
		b.p.Resource, b.p.Action = res, act
	}
	return b
}

// Condition stores expr in its source form
func (b *PolicyBuilder) Condition(expr Expr) *PolicyBuilder {
	b.p.ConditionExpr = expr.String()
	return b
}

// ConditionText stores raw condition source, e.g. a `bexpr:` expression
func (b *PolicyBuilder) ConditionText(src string) *PolicyBuilder {
	b.p.ConditionExpr = src
	return b
}

func (b *PolicyBuilder) Attr(key string, value any) *PolicyBuilder {
	if b.p.Attributes == nil {
		b.p.Attributes = make(map[string]any)
	}
	b.p.Attributes[key] = value
	return b
}
func (b *PolicyBuilder) Build() *Policy { return b.p }
