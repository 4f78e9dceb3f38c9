package authz

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/aixone/authz/logger"
	"github.com/aixone/authz/utils"
)

// DefaultProtectedPrefixes are the path namespaces subject to rule checks
var DefaultProtectedPrefixes = []string{"/api/v1/admin/", "/admin/"}

// RuleMatcher finds the permission rule guarding a path and method
type RuleMatcher struct {
	store    AttributeStore
	cache    *Cache
	prefixes []string
	ttl      time.Duration
	timeout  time.Duration
	logger   logger.Logger
}

func NewRuleMatcher(store AttributeStore, cache *Cache, log logger.Logger) *RuleMatcher {
	if log == nil {
		log = logger.NewNull()
	}
	return &RuleMatcher{
		store:    store,
		cache:    cache,
		prefixes: DefaultProtectedPrefixes,
		timeout:  DefaultStoreTimeout,
		logger:   log,
	}
}

// Protected reports whether path lies in a namespace that requires a rule
// check. Everything else bypasses authorization. The path is cleaned first, so
// "//admin/x" and "/public/../admin/x" are both protected.
func (m *RuleMatcher) Protected(path string) bool {
	path = utils.CleanPath(path)
	for _, p := range m.prefixes {
		if utils.HasPathPrefix(path, p) {
			return true
		}
	}
	return false
}

// Match returns the winning rule for (tenant, path, method) with its
// permission already normalized. The lowest priority wins; on a tie the rule
// that came first from the store wins. ok is false when no enabled rule
// matches.
func (m *RuleMatcher) Match(ctx context.Context, tenantID, path, method string) (*PermissionRule, bool, error) {
	method = strings.ToUpper(method)
	path = utils.CleanPath(path)
	key := CacheKey{TenantID: tenantID, Kind: KindRules, ID: method + " " + path}
	v, err := fetchThrough(ctx, m.cache, key, m.ttl, m.timeout, m.logger, func(ctx context.Context) (any, error) {
		return m.store.FindRulesByPathAndMethod(ctx, tenantID, path, method)
	})
	if err != nil {
		return nil, false, err
	}
	rules := v.([]*PermissionRule)
	candidates := make([]*PermissionRule, 0, len(rules))
	for _, r := range rules {
		if r == nil || r.TenantID != tenantID || !r.Enabled {
			continue
		}
		if !utils.MatchMethod(r.Method, method) || !utils.MatchPath(r.PathPattern, path) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	winner := *candidates[0]
	winner.PermissionID = NormalizePermission(winner.PermissionID)
	return &winner, true, nil
}
