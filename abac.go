package authz

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/aixone/authz/logger"
)

// ============================================================================
// CONDITION COMPILER
// ============================================================================

const (
	defaultConditionCounters = 1e5
	defaultConditionMaxCost  = 1 << 20
)

// ConditionCompiler turns condition source into an Expr and memoizes the
// result by source text. Failed compiles are memoized too, so a broken policy
// is parsed and logged once.
type ConditionCompiler struct {
	cache *ristretto.Cache
}

type compiled struct {
	expr Expr
	err  error
}

// NewConditionCompiler creates a compiler backed by a ristretto cache.
// Zero arguments fall back to defaults.
func NewConditionCompiler(numCounters, maxCost int64) (*ConditionCompiler, error) {
	if numCounters <= 0 {
		numCounters = defaultConditionCounters
	}
	if maxCost <= 0 {
		maxCost = defaultConditionMaxCost
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ConditionCompiler{cache: c}, nil
}

// Compile returns the memoized expression for src
func (cc *ConditionCompiler) Compile(src string) (Expr, error) {
	if v, ok := cc.cache.Get(src); ok {
		c := v.(*compiled)
		return c.expr, c.err
	}
	expr, err := CompileCondition(src)
	cc.cache.Set(src, &compiled{expr: expr, err: err}, int64(len(src)+1))
	return expr, err
}

// CompileCondition compiles src without caching. A `bexpr:` prefix selects
// the go-bexpr dialect; anything else uses ParseCondition.
func CompileCondition(src string) (Expr, error) {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(src), bexprPrefix); ok {
		be, err := compileBexpr(rest)
		if err != nil {
			return nil, err
		}
		return be, nil
	}
	return ParseCondition(src)
}

// CompilePolicy compiles p's condition, wrapping failures in ConfigurationError
func (cc *ConditionCompiler) CompilePolicy(p *Policy) (Expr, error) {
	expr, err := cc.Compile(p.ConditionExpr)
	if err != nil {
		return nil, &ConfigurationError{PolicyID: p.ID, Condition: p.ConditionExpr, Err: err}
	}
	return expr, nil
}

// Wait blocks until buffered writes are applied (tests)
func (cc *ConditionCompiler) Wait() { cc.cache.Wait() }

func (cc *ConditionCompiler) Clear() { cc.cache.Clear() }

func (cc *ConditionCompiler) Close() { cc.cache.Close() }

// ============================================================================
// ABAC EVALUATOR
// ============================================================================

// ABACChecker decides attribute-based grants. It returns the id of the
// granting policy.
type ABACChecker interface {
	HasPermission(ctx context.Context, principal *Principal, permission, resource string, request map[string]any) (bool, string, error)
}

// ABACEvaluator grants when any policy for (tenant, resource, action) has a
// condition that holds. Policies are additive: there is no deny policy.
type ABACEvaluator struct {
	store    AttributeStore
	cache    *Cache
	compiler *ConditionCompiler
	ttl      time.Duration
	timeout  time.Duration
	logger   logger.Logger

	// remembers which broken policies were already reported
	reported sync.Map
}

func NewABACEvaluator(store AttributeStore, cache *Cache, compiler *ConditionCompiler, log logger.Logger) *ABACEvaluator {
	if log == nil {
		log = logger.NewNull()
	}
	return &ABACEvaluator{store: store, cache: cache, compiler: compiler, timeout: DefaultStoreTimeout, logger: log}
}

// HasPermission evaluates the policies for the requested permission. The
// resource argument overrides the resource half of the identifier when set.
func (a *ABACEvaluator) HasPermission(ctx context.Context, principal *Principal, permission, resource string, request map[string]any) (bool, string, error) {
	if principal == nil || principal.TenantID == "" {
		return false, "", nil
	}
	res, action, ok := SplitPermission(permission)
	if !ok {
		return false, "", nil
	}
	if resource != "" {
		res = resource
	}
	policies, err := a.policies(ctx, principal.TenantID, res, action)
	if err != nil {
		return false, "", err
	}
	for _, p := range policies {
		if p.TenantID != principal.TenantID {
			continue
		}
		expr, err := a.compiler.CompilePolicy(p)
		if err != nil {
			a.report(p, err)
			continue
		}
		ec := NewEvalContext(principal.Attributes, request, p.Attributes)
		if expr.Evaluate(ec) {
			return true, p.ID, nil
		}
	}
	return false, "", nil
}

func (a *ABACEvaluator) report(p *Policy, err error) {
	key := p.TenantID + "/" + p.ID + "/" + p.ConditionExpr
	if _, seen := a.reported.LoadOrStore(key, struct{}{}); seen {
		return
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		a.logger.Warn("skipping policy with invalid condition", "tenant", p.TenantID, "policy", p.ID, "condition", p.ConditionExpr, "error", cfgErr.Err.Error())
		return
	}
	a.logger.Warn("skipping policy", "tenant", p.TenantID, "policy", p.ID, "error", err.Error())
}

func (a *ABACEvaluator) policies(ctx context.Context, tenantID, resource, action string) ([]*Policy, error) {
	key := CacheKey{TenantID: tenantID, Kind: KindPolicies, ID: resource + ":" + action}
	v, err := fetchThrough(ctx, a.cache, key, a.ttl, a.timeout, a.logger, func(ctx context.Context) (any, error) {
		return a.store.FindPoliciesByResourceAction(ctx, tenantID, resource, action)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Policy), nil
}
