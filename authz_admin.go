package authz

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ExplainRequest is the body of the admin decide and explain endpoints. The
// tenant comes from the URL.
type ExplainRequest struct {
	PrincipalID string         `json:"principal_id"`
	Path        string         `json:"path"`
	Method      string         `json:"method"`
	Context     map[string]any `json:"context,omitempty"`
}

// InvalidateRequest is the body of the invalidate endpoint. An empty scope
// drops the whole tenant.
type InvalidateRequest struct {
	Scope Scope  `json:"scope"`
	ID    string `json:"id,omitempty"`
}

// AdminHTTPServer exposes decisions and cache maintenance to operators and
// to the write path that owns invalidation.
//
//	POST /tenants/{tenant}/decide
//	POST /tenants/{tenant}/explain
//	POST /tenants/{tenant}/batch
//	POST /tenants/{tenant}/invalidate
//	GET  /tenants/{tenant}/principals/{principal}/permissions
//	GET  /stats
type AdminHTTPServer struct {
	engine *Engine
	router chi.Router
}

func NewAdminHTTPServer(e *Engine) *AdminHTTPServer {
	s := &AdminHTTPServer{engine: e}
	r := chi.NewRouter()
	r.Get("/stats", s.stats)
	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Post("/decide", s.decide(false))
		r.Post("/explain", s.decide(true))
		r.Post("/batch", s.batch)
		r.Post("/invalidate", s.invalidate)
		r.Get("/principals/{principal}/permissions", s.permissions)
	})
	s.router = r
	return s
}

func (s *AdminHTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminHTTPServer) decide(explain bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExplainRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		tenantID := chi.URLParam(r, "tenant")
		method := strings.ToUpper(req.Method)
		if method == "" {
			method = http.MethodGet
		}
		var d *Decision
		if explain {
			d = s.engine.Explain(r.Context(), tenantID, req.PrincipalID, req.Path, method, req.Context)
		} else {
			d = s.engine.Decide(r.Context(), tenantID, req.PrincipalID, req.Path, method, req.Context)
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *AdminHTTPServer) batch(w http.ResponseWriter, r *http.Request) {
	var reqs []DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tenantID := chi.URLParam(r, "tenant")
	for i := range reqs {
		reqs[i].TenantID = tenantID
	}
	writeJSON(w, http.StatusOK, s.engine.BatchDecide(r.Context(), reqs))
}

func (s *AdminHTTPServer) invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tenantID := chi.URLParam(r, "tenant")
	if req.Scope == "" {
		s.engine.InvalidateTenant(tenantID)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.engine.Invalidate(tenantID, Scope(strings.ToUpper(string(req.Scope))), req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminHTTPServer) permissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.engine.EffectivePermissions(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "principal"))
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	}
}

func (s *AdminHTTPServer) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CacheStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
