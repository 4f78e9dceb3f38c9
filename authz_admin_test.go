package authz_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	authz "github.com/aixone/authz"
)

func newAdminServer(t *testing.T) (*authz.AdminHTTPServer, *authz.Engine) {
	t.Helper()
	s := newTestStore(t)
	grantRole(t, s, tenant, "alice", "reader", "test:read")
	e := newTestEngine(t, s)
	return authz.NewAdminHTTPServer(e), e
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestAdminHTTPServerExplainEndpoint(t *testing.T) {
	server, _ := newAdminServer(t)
	resp := serve(server, http.MethodPost, "/tenants/tenant-1/explain", `{"principal_id":"alice","path":"/admin/test","method":"get"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var d authz.Decision
	if err := json.Unmarshal(resp.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !d.Allowed || d.Reason != authz.ReasonRBACAllow || len(d.Trace) == 0 {
		t.Fatalf("unexpected decision %+v", d)
	}

	resp = serve(server, http.MethodPost, "/tenants/tenant-1/decide", `{"principal_id":"bob","path":"/admin/test"}`)
	if err := json.Unmarshal(resp.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Allowed || d.Reason != authz.ReasonDeny || len(d.Trace) != 0 {
		t.Fatalf("unexpected decision %+v", d)
	}

	resp = serve(server, http.MethodPost, "/tenants/tenant-1/decide", `{`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.Code)
	}
}

func TestAdminHTTPServerBatchAndPermissions(t *testing.T) {
	server, _ := newAdminServer(t)
	resp := serve(server, http.MethodPost, "/tenants/tenant-1/batch",
		`[{"principal_id":"alice","path":"/admin/test","method":"GET"},{"tenant_id":"other","principal_id":"bob","path":"/admin/test","method":"GET"}]`)
	var out []authz.Decision
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].Reason != authz.ReasonRBACAllow || out[1].Reason != authz.ReasonDeny {
		t.Fatalf("unexpected batch result %+v", out)
	}

	resp = serve(server, http.MethodGet, "/tenants/tenant-1/principals/alice/permissions", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"test:read"`) {
		t.Fatalf("unexpected permissions response %d %s", resp.Code, resp.Body.String())
	}
}

func TestAdminHTTPServerInvalidate(t *testing.T) {
	server, e := newAdminServer(t)
	serve(server, http.MethodPost, "/tenants/tenant-1/decide", `{"principal_id":"alice","path":"/admin/test","method":"GET"}`)
	if e.CacheStats()["entries"] == 0 {
		t.Fatalf("expected cached entries after a decision")
	}
	resp := serve(server, http.MethodPost, "/tenants/tenant-1/invalidate", `{"scope":"role","id":"reader"}`)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	resp = serve(server, http.MethodPost, "/tenants/tenant-1/invalidate", `{"scope":"GROUP"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown scope, got %d", resp.Code)
	}
	resp = serve(server, http.MethodPost, "/tenants/tenant-1/invalidate", `{}`)
	if resp.Code != http.StatusNoContent || e.CacheStats()["entries"] != 0 {
		t.Fatalf("tenant invalidation failed: %d, %d entries", resp.Code, e.CacheStats()["entries"])
	}
	resp = serve(server, http.MethodGet, "/stats", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"hits"`) {
		t.Fatalf("unexpected stats response %d %s", resp.Code, resp.Body.String())
	}
}
