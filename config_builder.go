package authz

// ConfigBuilder assembles a Config in code, typically for tests and the CLI
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: &Config{Version: 1}}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddPermission(p *Permission) *ConfigBuilder {
	b.cfg.Permissions = append(b.cfg.Permissions, p)
	return b
}

func (b *ConfigBuilder) AddRole(r *Role) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r)
	return b
}

func (b *ConfigBuilder) AddMembership(tenantID, principalID, roleID string) *ConfigBuilder {
	b.cfg.Memberships = append(b.cfg.Memberships, Membership{TenantID: tenantID, PrincipalID: principalID, RoleID: roleID})
	return b
}

func (b *ConfigBuilder) AddPrincipal(p *Principal) *ConfigBuilder {
	b.cfg.Principals = append(b.cfg.Principals, p)
	return b
}

func (b *ConfigBuilder) AddRule(r *PermissionRule) *ConfigBuilder {
	b.cfg.Rules = append(b.cfg.Rules, RuleConfig{
		ID:           r.ID,
		TenantID:     r.TenantID,
		PathPattern:  r.PathPattern,
		Method:       r.Method,
		PermissionID: r.PermissionID,
		Priority:     r.Priority,
		Disabled:     !r.Enabled,
	})
	return b
}

func (b *ConfigBuilder) AddPolicy(p *Policy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p)
	return b
}

func (b *ConfigBuilder) AddRequest(r DecideRequest) *ConfigBuilder {
	b.cfg.Requests = append(b.cfg.Requests, r)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
