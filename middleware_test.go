package authz_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	authz "github.com/aixone/authz"
)

func newProtectedRouter(t *testing.T) http.Handler {
	t.Helper()
	s := newTestStore(t)
	grantRole(t, s, tenant, "alice", "reader", "test:read")
	e := newTestEngine(t, s)

	r := chi.NewRouter()
	r.Use(authz.NewHTTPAuthMiddleware(authz.DefaultHTTPAuthOptions(e)))
	handler := func(w http.ResponseWriter, r *http.Request) {
		d, ok := authz.DecisionFromContext(r.Context())
		if !ok {
			http.Error(w, "no decision", http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Authz-Reason", string(d.Reason))
		w.WriteHeader(http.StatusOK)
	}
	r.Get("/admin/test", handler)
	r.Get("/public", handler)
	return r
}

func TestHTTPMiddlewareStatuses(t *testing.T) {
	router := newProtectedRouter(t)
	cases := []struct {
		name      string
		path      string
		tenant    string
		principal string
		status    int
		reason    authz.Reason
	}{
		{"rbac allow", "/admin/test", tenant, "alice", http.StatusOK, authz.ReasonRBACAllow},
		{"deny", "/admin/test", tenant, "bob", http.StatusForbidden, authz.ReasonDeny},
		{"missing tenant", "/admin/test", "", "alice", http.StatusUnauthorized, authz.ReasonMissingTenant},
		{"missing principal", "/admin/test", tenant, "", http.StatusUnauthorized, authz.ReasonMissingPrincipal},
		{"public", "/public", "", "", http.StatusOK, authz.ReasonNoRuleAllow},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.tenant != "" {
			req.Header.Set("X-Tenant-ID", tc.tenant)
		}
		if tc.principal != "" {
			req.Header.Set("X-User-ID", tc.principal)
		}
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)
		if resp.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d (%s)", tc.name, tc.status, resp.Code, resp.Body.String())
		}
		if tc.status == http.StatusOK && resp.Header().Get("X-Authz-Reason") != string(tc.reason) {
			t.Fatalf("%s: expected reason %s, got %s", tc.name, tc.reason, resp.Header().Get("X-Authz-Reason"))
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[authz.Reason]int{
		authz.ReasonNoRuleAllow:      http.StatusOK,
		authz.ReasonABACAllow:        http.StatusOK,
		authz.ReasonDeny:             http.StatusForbidden,
		authz.ReasonMissingTenant:    http.StatusUnauthorized,
		authz.ReasonStoreUnavailable: http.StatusServiceUnavailable,
		authz.ReasonInternalError:    http.StatusInternalServerError,
	}
	for reason, want := range cases {
		if got := authz.HTTPStatus(reason); got != want {
			t.Fatalf("%s: expected %d, got %d", reason, want, got)
		}
	}
}

func TestHTTPMiddlewareCustomExtractors(t *testing.T) {
	s := newTestStore(t)
	grantRole(t, s, tenant, "alice", "reader", "test:read")
	e := newTestEngine(t, s)
	var denied *authz.Decision
	mw := authz.NewHTTPAuthMiddleware(&authz.HTTPAuthOptions{
		Engine:    e,
		Tenant:    func(r *http.Request) string { return r.URL.Query().Get("tenant") },
		Principal: func(r *http.Request) string { return r.URL.Query().Get("user") },
		OnDenied: func(w http.ResponseWriter, _ *http.Request, d *authz.Decision) {
			denied = d
			w.WriteHeader(http.StatusTeapot)
		},
	})
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }))

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/admin/test?tenant=tenant-1&user=alice", nil))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected pass-through, got %d", resp.Code)
	}
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/admin/test?tenant=tenant-1&user=mallory", nil))
	if resp.Code != http.StatusTeapot || denied == nil || denied.Reason != authz.ReasonDeny {
		t.Fatalf("expected custom denial, got %d %+v", resp.Code, denied)
	}
}
