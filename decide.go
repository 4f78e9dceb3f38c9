package authz

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/aixone/authz/utils"
)

// DecideRequest is one inbound request for BatchDecide
type DecideRequest struct {
	TenantID    string         `json:"tenant_id" yaml:"tenant_id"`
	PrincipalID string         `json:"principal_id" yaml:"principal_id"`
	Path        string         `json:"path" yaml:"path"`
	Method      string         `json:"method" yaml:"method"`
	Context     map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// Decide runs rule lookup, then RBAC, then ABAC. It never returns nil and
// never panics: store failures deny with STORE_UNAVAILABLE and unexpected
// failures deny with INTERNAL_ERROR.
func (e *Engine) Decide(ctx context.Context, tenantID, principalID, path, method string, attrs map[string]any) *Decision {
	return e.decide(ctx, DecideRequest{TenantID: tenantID, PrincipalID: principalID, Path: path, Method: method, Context: attrs}, false)
}

// Explain is Decide with a populated Trace
func (e *Engine) Explain(ctx context.Context, tenantID, principalID, path, method string, attrs map[string]any) *Decision {
	return e.decide(ctx, DecideRequest{TenantID: tenantID, PrincipalID: principalID, Path: path, Method: method, Context: attrs}, true)
}

// BatchDecide evaluates requests concurrently; result i belongs to request i
func (e *Engine) BatchDecide(ctx context.Context, reqs []DecideRequest) []*Decision {
	out := make([]*Decision, len(reqs))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range reqs {
		g.Go(func() error {
			out[i] = e.decide(ctx, reqs[i], false)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// CheckPermission evaluates a permission identifier directly, skipping rule
// lookup. A leading "admin:" is ignored.
func (e *Engine) CheckPermission(ctx context.Context, tenantID, principalID, permission string, attrs map[string]any) (d *Decision) {
	t := e.newTracer(false)
	d = &Decision{Timestamp: e.now()}
	defer e.recoverDecision(d, t)
	switch {
	case tenantID == "":
		return e.finish(d, t, ReasonMissingTenant, "")
	case principalID == "":
		return e.finish(d, t, ReasonMissingPrincipal, "")
	}
	d.Permission = NormalizePermission(permission)
	e.evaluate(ctx, d, t, tenantID, principalID, attrs)
	return d
}

// CheckPermissions evaluates several identifiers for one principal
func (e *Engine) CheckPermissions(ctx context.Context, tenantID, principalID string, permissions []string, attrs map[string]any) map[string]*Decision {
	out := make(map[string]*Decision, len(permissions))
	for _, p := range permissions {
		out[p] = e.CheckPermission(ctx, tenantID, principalID, p, attrs)
	}
	return out
}

func (e *Engine) decide(ctx context.Context, req DecideRequest, explain bool) (d *Decision) {
	t := e.newTracer(explain)
	d = &Decision{Timestamp: e.now()}
	defer e.recoverDecision(d, t)

	method := strings.ToUpper(req.Method)
	path := utils.CleanPath(req.Path)
	t.add("request %s %s tenant=%q principal=%q", method, path, req.TenantID, req.PrincipalID)
	if !e.rules.Protected(path) {
		t.add("path outside protected namespaces")
		return e.finish(d, t, ReasonNoRuleAllow, "")
	}
	if req.TenantID == "" {
		return e.finish(d, t, ReasonMissingTenant, "")
	}
	if req.PrincipalID == "" {
		return e.finish(d, t, ReasonMissingPrincipal, "")
	}

	rule, ok, err := e.rules.Match(ctx, req.TenantID, path, method)
	if err != nil {
		return e.failed(d, t, "rule lookup", err)
	}
	if !ok {
		t.add("no rule matched")
		return e.finish(d, t, ReasonNoRuleAllow, "")
	}
	t.add("rule %s matched (priority %d) requires %s", rule.ID, rule.Priority, rule.PermissionID)
	d.Permission = rule.PermissionID
	e.evaluate(ctx, d, t, req.TenantID, req.PrincipalID, req.Context)
	e.logger.Debug("authorization decision",
		"tenant", req.TenantID,
		"principal", req.PrincipalID,
		"method", method,
		"path", path,
		"rule", rule.ID,
		"allowed", d.Allowed,
		"reason", string(d.Reason),
		"matched_by", d.MatchedBy,
		"trace_id", t.id,
	)
	return d
}

// evaluate runs RBAC then ABAC for d.Permission and sets the outcome
func (e *Engine) evaluate(ctx context.Context, d *Decision, t *tracer, tenantID, principalID string, attrs map[string]any) {
	p, err := e.principal(ctx, tenantID, principalID)
	if err != nil {
		e.failed(d, t, "principal lookup", err)
		return
	}
	granted, roleID, err := e.rbac.HasPermission(ctx, p, d.Permission, "")
	if err != nil {
		e.failed(d, t, "rbac", err)
		return
	}
	if granted {
		t.add("rbac: role %s grants %s", roleID, d.Permission)
		e.finish(d, t, ReasonRBACAllow, roleID)
		return
	}
	t.add("rbac: no role grants %s", d.Permission)

	granted, policyID, err := e.abac.HasPermission(ctx, p, d.Permission, "", attrs)
	if err != nil {
		e.failed(d, t, "abac", err)
		return
	}
	if granted {
		t.add("abac: policy %s grants %s", policyID, d.Permission)
		e.finish(d, t, ReasonABACAllow, policyID)
		return
	}
	t.add("abac: no policy condition holds")
	e.finish(d, t, ReasonDeny, "")
}

func (e *Engine) finish(d *Decision, t *tracer, reason Reason, matchedBy string) *Decision {
	d.Reason = reason
	d.MatchedBy = matchedBy
	switch reason {
	case ReasonNoRuleAllow, ReasonRBACAllow, ReasonABACAllow:
		d.Allowed = true
	default:
		d.Allowed = false
	}
	t.add("decision %s", reason)
	d.Trace = t.lines
	return d
}

func (e *Engine) failed(d *Decision, t *tracer, stage string, err error) *Decision {
	reason := ReasonInternalError
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		reason = ReasonStoreUnavailable
	}
	e.logger.Warn("authorization failed closed", "stage", stage, "reason", string(reason), "error", err.Error(), "trace_id", t.id)
	t.add("%s failed: %v", stage, err)
	return e.finish(d, t, reason, "")
}

func (e *Engine) recoverDecision(d *Decision, t *tracer) {
	if r := recover(); r != nil {
		e.logger.Error("panic during authorization", "panic", fmt.Sprint(r), "trace_id", t.id)
		t.add("panic: %v", r)
		e.finish(d, t, ReasonInternalError, "")
	}
}

// tracer collects Explain lines; it is a no-op for plain decisions
type tracer struct {
	enabled bool
	id      string
	lines   []string
}

func (e *Engine) newTracer(enabled bool) *tracer {
	t := &tracer{enabled: enabled}
	if e.traceIDFunc != nil {
		t.id = e.traceIDFunc()
	}
	if enabled && t.id != "" {
		t.lines = append(t.lines, "trace "+t.id)
	}
	return t
}

func (t *tracer) add(format string, args ...any) {
	if !t.enabled {
		return
	}
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}
