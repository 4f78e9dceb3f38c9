package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is an engine configuration plus seed data for a store
type Config struct {
	Version     uint16          `json:"version" yaml:"version"`
	Engine      EngineConfig    `json:"engine" yaml:"engine"`
	Permissions []*Permission   `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Roles       []*Role         `json:"roles,omitempty" yaml:"roles,omitempty"`
	Memberships []Membership    `json:"memberships,omitempty" yaml:"memberships,omitempty"`
	Principals  []*Principal    `json:"principals,omitempty" yaml:"principals,omitempty"`
	Rules       []RuleConfig    `json:"rules,omitempty" yaml:"rules,omitempty"`
	Policies    []*Policy       `json:"policies,omitempty" yaml:"policies,omitempty"`
	Requests    []DecideRequest `json:"requests,omitempty" yaml:"requests,omitempty"`
}

// Membership assigns a role to a principal within a tenant
type Membership struct {
	TenantID    string `json:"tenant_id" yaml:"tenant_id"`
	PrincipalID string `json:"principal_id" yaml:"principal_id"`
	RoleID      string `json:"role_id" yaml:"role_id"`
}

// RuleConfig is a PermissionRule as written in config files. Rules are
// enabled unless marked disabled.
type RuleConfig struct {
	ID           string `json:"id" yaml:"id"`
	TenantID     string `json:"tenant_id" yaml:"tenant_id"`
	PathPattern  string `json:"path_pattern" yaml:"path_pattern"`
	Method       string `json:"method,omitempty" yaml:"method,omitempty"`
	PermissionID string `json:"permission_id" yaml:"permission_id"`
	Priority     int    `json:"priority" yaml:"priority"`
	Disabled     bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

func (r RuleConfig) Rule() *PermissionRule {
	return &PermissionRule{
		ID:           r.ID,
		TenantID:     r.TenantID,
		PathPattern:  r.PathPattern,
		Method:       r.Method,
		PermissionID: r.PermissionID,
		Priority:     r.Priority,
		Enabled:      !r.Disabled,
	}
}

// EngineConfig holds tunables. Zero values keep the engine defaults.
type EngineConfig struct {
	CacheTTL               int64    `json:"cache_ttl_ms" yaml:"cache_ttl_ms"`
	CacheShards            int      `json:"cache_shards" yaml:"cache_shards"`
	CacheGrace             int64    `json:"cache_grace_ms" yaml:"cache_grace_ms"`
	SweepInterval          int64    `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	StoreTimeout           int64    `json:"store_timeout_ms" yaml:"store_timeout_ms"`
	ProtectedPrefixes      []string `json:"protected_prefixes" yaml:"protected_prefixes"`
	ConditionCacheCounters int64    `json:"condition_cache_counters" yaml:"condition_cache_counters"`
	ConditionCacheMaxCost  int64    `json:"condition_cache_max_cost" yaml:"condition_cache_max_cost"`
}

// SeedWriter is implemented by stores that can be populated from a Config
type SeedWriter interface {
	PutPermission(ctx context.Context, p *Permission) error
	PutRole(ctx context.Context, r *Role) error
	AssignRole(ctx context.Context, tenantID, principalID, roleID string) error
	PutPrincipal(ctx context.Context, p *Principal) error
	AddRule(ctx context.Context, r *PermissionRule) error
	AddPolicy(ctx context.Context, p *Policy) error
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadDSL(data []byte) (*Config, error) {
	return NewDSLParser().Parse(data)
}

// LoadFile picks the decoder from the file extension; anything other than
// .json, .authz or .dsl is read as YAML
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return l.LoadJSON(data)
	case ".authz", ".dsl":
		return l.LoadDSL(data)
	default:
		return l.LoadYAML(data)
	}
}

func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

func (c *Config) ToDSL() ([]byte, error) {
	return NewDSLEncoder().Encode(c)
}

// Validate reports every problem it finds: missing tenant or id, duplicate
// ids and policy conditions that do not compile
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	check := func(kind, tenantID, id string) {
		if tenantID == "" {
			errs = append(errs, fmt.Errorf("%s %q: tenant_id is required", kind, id))
		}
		if id == "" {
			errs = append(errs, fmt.Errorf("%s in tenant %q: id is required", kind, tenantID))
			return
		}
		k := kind + "|" + tenantID + "|" + id
		if seen[k] {
			errs = append(errs, fmt.Errorf("%s %q: duplicate id in tenant %q", kind, id, tenantID))
		}
		seen[k] = true
	}
	for _, p := range c.Permissions {
		check("permission", p.TenantID, p.ID)
	}
	for _, r := range c.Roles {
		check("role", r.TenantID, r.ID)
	}
	for _, m := range c.Memberships {
		if m.TenantID == "" || m.PrincipalID == "" || m.RoleID == "" {
			errs = append(errs, fmt.Errorf("membership %+v: tenant_id, principal_id and role_id are required", m))
		}
	}
	for _, p := range c.Principals {
		check("principal", p.TenantID, p.ID)
	}
	for _, r := range c.Rules {
		check("rule", r.TenantID, r.ID)
		if r.PathPattern == "" || r.PermissionID == "" {
			errs = append(errs, fmt.Errorf("rule %q: path_pattern and permission_id are required", r.ID))
		}
	}
	for _, p := range c.Policies {
		check("policy", p.TenantID, p.ID)
		if p.Resource == "" || p.Action == "" {
			errs = append(errs, fmt.Errorf("policy %q: resource and action are required", p.ID))
		}
		if _, err := CompileCondition(p.ConditionExpr); err != nil {
			errs = append(errs, &ConfigurationError{PolicyID: p.ID, Condition: p.ConditionExpr, Err: err})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// Options converts the engine section into EngineOptions
func (c *Config) Options() []EngineOption {
	ec := c.Engine
	ms := func(v int64) time.Duration { return time.Duration(v) * time.Millisecond }
	var opts []EngineOption
	if ec.CacheTTL > 0 {
		opts = append(opts, WithCacheTTL(ms(ec.CacheTTL)))
	}
	if ec.CacheShards > 0 {
		opts = append(opts, WithCacheShards(ec.CacheShards))
	}
	if ec.CacheGrace > 0 {
		opts = append(opts, WithCacheGrace(ms(ec.CacheGrace)))
	}
	if ec.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(ms(ec.SweepInterval)))
	}
	if ec.StoreTimeout > 0 {
		opts = append(opts, WithStoreTimeout(ms(ec.StoreTimeout)))
	}
	if len(ec.ProtectedPrefixes) > 0 {
		opts = append(opts, WithProtectedPrefixes(ec.ProtectedPrefixes...))
	}
	if ec.ConditionCacheCounters > 0 || ec.ConditionCacheMaxCost > 0 {
		opts = append(opts, func(e *Engine) error {
			cc, err := NewConditionCompiler(ec.ConditionCacheCounters, ec.ConditionCacheMaxCost)
			if err != nil {
				return fmt.Errorf("%w: condition cache: %w", ErrConfiguration, err)
			}
			e.compiler = cc
			e.ownsCompiler = true
			return nil
		})
	}
	return opts
}

// Seed writes the config records into w in dependency order
func (c *Config) Seed(ctx context.Context, w SeedWriter) error {
	for _, p := range c.Permissions {
		if err := w.PutPermission(ctx, p); err != nil {
			return fmt.Errorf("seed permission %s: %w", p.ID, err)
		}
	}
	for _, r := range c.Roles {
		if err := w.PutRole(ctx, r); err != nil {
			return fmt.Errorf("seed role %s: %w", r.ID, err)
		}
	}
	for _, p := range c.Principals {
		if err := w.PutPrincipal(ctx, p); err != nil {
			return fmt.Errorf("seed principal %s: %w", p.ID, err)
		}
	}
	for _, m := range c.Memberships {
		if err := w.AssignRole(ctx, m.TenantID, m.PrincipalID, m.RoleID); err != nil {
			return fmt.Errorf("seed membership %s/%s: %w", m.PrincipalID, m.RoleID, err)
		}
	}
	for _, r := range c.Rules {
		if err := w.AddRule(ctx, r.Rule()); err != nil {
			return fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
	}
	for _, p := range c.Policies {
		if err := w.AddPolicy(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}
