package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aixone/authz/logger"
)

// DefaultStoreTimeout bounds a single backing-store call
const DefaultStoreTimeout = 2 * time.Second

// Engine is the decision service. It is safe for concurrent use; the cache
// is its only shared mutable state.
type Engine struct {
	store    AttributeStore
	cache    *Cache
	compiler *ConditionCompiler
	rules    *RuleMatcher
	rbacEval *RBACEvaluator
	rbac     RBACChecker
	abac     ABACChecker

	logger      logger.Logger
	traceIDFunc logger.TraceIDFunc
	now         func() time.Time

	cacheTTL      time.Duration
	cacheGrace    time.Duration
	cacheShards   int
	sweepInterval time.Duration
	storeTimeout  time.Duration
	prefixes      []string

	ownsCompiler bool
	stopJanitor  context.CancelFunc
	closeOnce    sync.Once
}

// NewEngine wires the rule matcher, RBAC and ABAC evaluators around store.
func NewEngine(store AttributeStore, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil attribute store", ErrConfiguration)
	}
	e := &Engine{
		store:        store,
		logger:       logger.NewNull(),
		now:          time.Now,
		cacheTTL:     DefaultCacheTTL,
		storeTimeout: DefaultStoreTimeout,
		prefixes:     DefaultProtectedPrefixes,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		copts := []CacheOption{WithDefaultTTL(e.cacheTTL), WithGrace(e.cacheGrace)}
		if e.cacheShards > 0 {
			copts = append(copts, WithShards(e.cacheShards))
		}
		e.cache = NewCache(copts...)
		if e.sweepInterval > 0 {
			ctx, cancel := context.WithCancel(context.Background())
			e.stopJanitor = cancel
			go e.cache.Run(ctx, e.sweepInterval)
		}
	}
	if e.compiler == nil {
		cc, err := NewConditionCompiler(0, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: condition cache: %w", ErrConfiguration, err)
		}
		e.compiler = cc
		e.ownsCompiler = true
	}

	e.rules = NewRuleMatcher(store, e.cache, e.logger)
	e.rules.prefixes = e.prefixes
	e.rules.ttl, e.rules.timeout = e.cacheTTL, e.storeTimeout

	e.rbacEval = NewRBACEvaluator(store, e.cache, e.logger)
	e.rbacEval.ttl, e.rbacEval.timeout = e.cacheTTL, e.storeTimeout
	if e.rbac == nil {
		e.rbac = e.rbacEval
	}
	if e.abac == nil {
		ae := NewABACEvaluator(store, e.cache, e.compiler, e.logger)
		ae.ttl, ae.timeout = e.cacheTTL, e.storeTimeout
		e.abac = ae
	}
	return e, nil
}

// Close stops the janitor and releases the condition cache
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		if e.stopJanitor != nil {
			e.stopJanitor()
		}
		if e.ownsCompiler {
			e.compiler.Close()
		}
	})
	return nil
}

// Cache exposes the engine cache (write paths that share it)
func (e *Engine) Cache() *Cache { return e.cache }

// CacheStats returns the cache counters
func (e *Engine) CacheStats() map[string]int { return e.cache.Stats() }

// Invalidate drops cached state after a write. An empty entityID drops the
// whole scope for the tenant.
//
//	ROLE       role permissions, plus principal->role lists that may reference it
//	POLICY     policies (cached per resource:action, so always the whole scope)
//	RULE       rule lookups (cached per method and path, so always the whole scope)
//	PRINCIPAL  principal attributes and role memberships
func (e *Engine) Invalidate(tenantID string, scope Scope, entityID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidInput)
	}
	switch scope {
	case ScopeRole:
		if entityID == "" {
			e.cache.InvalidateKind(tenantID, KindRolePermissions)
		} else {
			e.cache.Invalidate(CacheKey{TenantID: tenantID, Kind: KindRolePermissions, ID: entityID})
		}
		e.cache.InvalidateKind(tenantID, KindPrincipalRoles)
	case ScopePolicy:
		e.cache.InvalidateKind(tenantID, KindPolicies)
	case ScopeRule:
		e.cache.InvalidateKind(tenantID, KindRules)
	case ScopePrincipal:
		if entityID == "" {
			e.cache.InvalidateKind(tenantID, KindPrincipal)
			e.cache.InvalidateKind(tenantID, KindPrincipalRoles)
		} else {
			e.cache.Invalidate(CacheKey{TenantID: tenantID, Kind: KindPrincipal, ID: entityID})
			e.cache.Invalidate(CacheKey{TenantID: tenantID, Kind: KindPrincipalRoles, ID: entityID})
		}
	default:
		return fmt.Errorf("%w: unknown invalidation scope %q", ErrInvalidInput, scope)
	}
	e.logger.Debug("cache invalidated", "tenant", tenantID, "scope", string(scope), "id", entityID)
	return nil
}

// InvalidateTenant drops every cached entry of the tenant
func (e *Engine) InvalidateTenant(tenantID string) {
	e.cache.InvalidateTenant(tenantID)
	e.logger.Debug("tenant cache invalidated", "tenant", tenantID)
}

// EffectivePermissions lists the permission identifiers the principal holds
// through roles. ABAC grants are conditional and not included.
func (e *Engine) EffectivePermissions(ctx context.Context, tenantID, principalID string) ([]string, error) {
	if tenantID == "" || principalID == "" {
		return nil, fmt.Errorf("%w: tenant and principal are required", ErrInvalidInput)
	}
	p, err := e.principal(ctx, tenantID, principalID)
	if err != nil {
		return nil, err
	}
	return e.rbacEval.EffectivePermissions(ctx, p)
}

// principal resolves attributes through the store when it supports it. An
// unknown principal still evaluates, with no attributes.
func (e *Engine) principal(ctx context.Context, tenantID, principalID string) (*Principal, error) {
	bare := &Principal{ID: principalID, TenantID: tenantID}
	finder, ok := e.store.(PrincipalFinder)
	if !ok {
		return bare, nil
	}
	key := CacheKey{TenantID: tenantID, Kind: KindPrincipal, ID: principalID}
	v, err := fetchThrough(ctx, e.cache, key, e.cacheTTL, e.storeTimeout, e.logger, func(ctx context.Context) (any, error) {
		return finder.FindPrincipal(ctx, tenantID, principalID)
	})
	if err != nil {
		return nil, err
	}
	p, _ := v.(*Principal)
	if p == nil || p.TenantID != tenantID {
		return bare, nil
	}
	return p, nil
}
