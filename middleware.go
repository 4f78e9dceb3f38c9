package authz

import (
	"context"
	"net/http"
)

type decisionCtxKey struct{}

// ContextWithDecision attaches d to ctx
func ContextWithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionCtxKey{}, d)
}

// DecisionFromContext returns the decision the middleware attached, if any
func DecisionFromContext(ctx context.Context) (*Decision, bool) {
	d, ok := ctx.Value(decisionCtxKey{}).(*Decision)
	return d, ok
}

// HTTPStatus maps a denied decision to a response status
func HTTPStatus(r Reason) int {
	switch r {
	case ReasonNoRuleAllow, ReasonRBACAllow, ReasonABACAllow:
		return http.StatusOK
	case ReasonMissingTenant, ReasonMissingPrincipal:
		return http.StatusUnauthorized
	case ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	case ReasonInternalError:
		return http.StatusInternalServerError
	}
	return http.StatusForbidden
}

// HTTPAuthOptions configures the net/http authorization middleware. Tenant
// and Principal extract identity from the request; Context supplies request
// attributes for ABAC conditions.
type HTTPAuthOptions struct {
	Engine    *Engine
	Tenant    func(r *http.Request) string
	Principal func(r *http.Request) string
	Context   func(r *http.Request) map[string]any
	OnDenied  func(w http.ResponseWriter, r *http.Request, d *Decision)
}

// DefaultHTTPAuthOptions reads X-Tenant-ID and X-User-ID and answers denials
// with a JSON body
func DefaultHTTPAuthOptions(e *Engine) *HTTPAuthOptions {
	return &HTTPAuthOptions{
		Engine:    e,
		Tenant:    func(r *http.Request) string { return r.Header.Get("X-Tenant-ID") },
		Principal: func(r *http.Request) string { return r.Header.Get("X-User-ID") },
		Context: func(r *http.Request) map[string]any {
			return map[string]any{"method": r.Method, "path": r.URL.Path, "remote_addr": r.RemoteAddr}
		},
		OnDenied: writeDenied,
	}
}

func writeDenied(w http.ResponseWriter, _ *http.Request, d *Decision) {
	writeJSON(w, HTTPStatus(d.Reason), map[string]any{"allowed": false, "reason": d.Reason})
}

// NewHTTPAuthMiddleware returns a handler wrapper that calls Engine.Decide
// for every request and attaches the decision to the request context
func NewHTTPAuthMiddleware(opts *HTTPAuthOptions) func(next http.Handler) http.Handler {
	if opts == nil || opts.Engine == nil {
		panic("authz: middleware requires an engine")
	}
	defaults := DefaultHTTPAuthOptions(opts.Engine)
	if opts.Tenant == nil {
		opts.Tenant = defaults.Tenant
	}
	if opts.Principal == nil {
		opts.Principal = defaults.Principal
	}
	if opts.OnDenied == nil {
		opts.OnDenied = writeDenied
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var attrs map[string]any
			if opts.Context != nil {
				attrs = opts.Context(r)
			}
			d := opts.Engine.Decide(r.Context(), opts.Tenant(r), opts.Principal(r), r.URL.Path, r.Method, attrs)
			r = r.WithContext(ContextWithDecision(r.Context(), d))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			opts.OnDenied(w, r, d)
		})
	}
}
