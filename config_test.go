package authz_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	authz "github.com/aixone/authz"
	"github.com/aixone/authz/stores"
)

const sampleYAML = `
version: 1
engine:
  cache_ttl_ms: 60000
  cache_grace_ms: 5000
  cache_shards: 8
  store_timeout_ms: 500
permissions:
  - id: perm-read
    tenant_id: tenant-1
    resource: test
    action: read
roles:
  - id: reader
    tenant_id: tenant-1
    name: Reader
    permission_ids: [perm-read]
memberships:
  - tenant_id: tenant-1
    principal_id: alice
    role_id: reader
principals:
  - id: carol
    tenant_id: tenant-1
    attributes:
      department: finance
rules:
  - id: r-read
    tenant_id: tenant-1
    path_pattern: /admin/test
    method: GET
    permission_id: admin:test:read
    priority: 1
  - id: r-docs
    tenant_id: tenant-1
    path_pattern: /admin/docs/**
    permission_id: doc:read
    priority: 1
  - id: r-off
    tenant_id: tenant-1
    path_pattern: /admin/**
    permission_id: never:granted
    priority: 0
    disabled: true
policies:
  - id: finance-docs
    tenant_id: tenant-1
    resource: doc
    action: read
    condition: eq(attr.department, "finance")
requests:
  - tenant_id: tenant-1
    principal_id: alice
    path: /admin/test
    method: GET
  - tenant_id: tenant-1
    principal_id: carol
    path: /admin/docs/1
    method: GET
`

func TestConfigLoadSeedAndDecide(t *testing.T) {
	cfg, err := authz.NewConfigLoader().LoadYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Rules) != 3 || !cfg.Rules[2].Disabled || cfg.Rules[2].Rule().Enabled {
		t.Fatalf("unexpected rules %+v", cfg.Rules)
	}
	if len(cfg.Options()) != 4 {
		t.Fatalf("expected 4 engine options, got %d", len(cfg.Options()))
	}

	ctx := context.Background()
	s := stores.NewMemoryStore()
	if err := cfg.Seed(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := newTestEngine(t, s, cfg.Options()...)
	out := e.BatchDecide(ctx, cfg.Requests)
	expect(t, out[0], true, authz.ReasonRBACAllow)
	expect(t, out[1], true, authz.ReasonABACAllow)
}

func TestConfigValidateCollectsErrors(t *testing.T) {
	cfg := authz.NewConfigBuilder().
		AddRole(&authz.Role{ID: "r1"}).
		AddRole(&authz.Role{ID: "r2", TenantID: "t"}).
		AddRole(&authz.Role{ID: "r2", TenantID: "t"}).
		AddMembership("t", "", "r1").
		AddRule(authz.NewRuleBuilder().ID("rule").Tenant("t").Build()).
		AddPolicy(authz.NewPolicyBuilder().ID("p").Tenant("t").Permission("doc:read").ConditionText("eq(x").Build()).
		Build()
	err := cfg.Validate()
	if !errors.Is(err, authz.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	var cfgErr *authz.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.PolicyID != "p" {
		t.Fatalf("expected the policy ConfigurationError to be reachable, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"tenant_id is required", "duplicate id", "principal_id and role_id are required", "path_pattern and permission_id are required"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestConfigBuilderRoundTrip(t *testing.T) {
	b := authz.NewConfigBuilder().
		AddPermission(&authz.Permission{ID: "p1", TenantID: tenant, Resource: "test", Action: "read"}).
		AddRole(authz.NewRoleBuilder().ID("reader").Tenant(tenant).Permission("p1").Build()).
		AddMembership(tenant, "alice", "reader").
		AddRule(authz.NewRuleBuilder().ID("r").Tenant(tenant).Path("/admin/test").Method("GET").Permission("test:read").Build()).
		AddPolicy(authz.NewPolicyBuilder().ID("pol").Tenant(tenant).Permission("doc:read").Condition(authz.In("ctx.region", "eu")).Attr("owner", "ops").Build()).
		AddRequest(authz.DecideRequest{TenantID: tenant, PrincipalID: "alice", Path: "/admin/test", Method: "GET"}).
		EngineSettings(func(ec *authz.EngineConfig) { ec.ProtectedPrefixes = []string{"/admin/"} })

	loader := authz.NewConfigLoader()
	dir := t.TempDir()
	for _, name := range []string{"authz.yaml", "authz.json"} {
		var data []byte
		var err error
		if strings.HasSuffix(name, ".json") {
			data, err = b.ToJSON()
		} else {
			data, err = b.ToYAML()
		}
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		cfg, err := loader.LoadFile(path)
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: validate: %v", name, err)
		}
		if len(cfg.Rules) != 1 || cfg.Rules[0].Disabled {
			t.Fatalf("%s: rule lost its enabled state: %+v", name, cfg.Rules)
		}
		if cfg.Policies[0].ConditionExpr != `in(ctx.region, ["eu"])` || cfg.Policies[0].Attributes["owner"] != "ops" {
			t.Fatalf("%s: unexpected policy %+v", name, cfg.Policies[0])
		}
		if len(cfg.Engine.ProtectedPrefixes) != 1 || len(cfg.Requests) != 1 {
			t.Fatalf("%s: engine settings or requests lost", name)
		}
	}
	if _, err := loader.LoadYAML([]byte("version: [")); !errors.Is(err, authz.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for malformed yaml, got %v", err)
	}
}

func TestConfigOptionsApply(t *testing.T) {
	cfg := &authz.Config{Engine: authz.EngineConfig{
		CacheTTL:               10,
		SweepInterval:          5,
		ConditionCacheCounters: 1000,
		ConditionCacheMaxCost:  1 << 10,
	}}
	e := newTestEngine(t, stores.NewMemoryStore(), cfg.Options()...)
	ctx := context.Background()
	e.Cache().Put(authz.CacheKey{TenantID: tenant, Kind: authz.KindRules, ID: "x"}, 1, time.Millisecond)
	deadline := time.Now().Add(time.Second)
	for e.Cache().Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Cache().Len() != 0 {
		t.Fatalf("janitor did not sweep expired entries")
	}
	expect(t, e.Decide(ctx, tenant, "alice", "/admin/x", "GET", nil), true, authz.ReasonNoRuleAllow)
}
