package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/aixone/authz"
	"github.com/oarkflow/date"
)

const timeLayout = "2006-01-02 15:04:05"

func parseFlexibleTime(s string) (time.Time, error) {
	return date.Parse(s)
}

// scanTime accepts whatever the driver hands back for a timestamp column
func scanTime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t, true
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func now() string { return time.Now().UTC().Format(timeLayout) }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireTenant(tenantID, id string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", authz.ErrInvalidInput)
	}
	if id == "" {
		return fmt.Errorf("%w: id is required", authz.ErrInvalidInput)
	}
	return nil
}

// PermissionFinder is implemented by stores that hold Permission records, so
// a store layered on top can resolve opaque permission ids
type PermissionFinder interface {
	FindPermissions(ctx context.Context, tenantID string, ids []string) (map[string]*authz.Permission, error)
}

// permissionFromID builds a Permission for a role entry that has no stored
// permission record. "user:read" splits into resource and action.
func permissionFromID(tenantID, id string) *authz.Permission {
	p := &authz.Permission{ID: id, TenantID: tenantID}
	if res, act, ok := authz.SplitPermission(id); ok {
		p.Resource, p.Action = res, act
	}
	return p
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func cloneRole(r *authz.Role) *authz.Role {
	dup := *r
	dup.PermissionIDs = slices.Clone(r.PermissionIDs)
	return &dup
}

func clonePolicy(p *authz.Policy) *authz.Policy {
	dup := *p
	dup.Attributes = maps.Clone(p.Attributes)
	return &dup
}

func clonePrincipal(p *authz.Principal) *authz.Principal {
	dup := *p
	dup.RoleIDs = slices.Clone(p.RoleIDs)
	dup.Attributes = maps.Clone(p.Attributes)
	return &dup
}

type rowIter interface {
	Next() bool
	Err() error
}

// eachRow calls fn per row and then reports the iteration error, so a query
// cut short by a timeout or dropped connection never reads as complete
func eachRow(r rowIter, fn func() error) error {
	for r.Next() {
		if err := fn(); err != nil {
			return err
		}
	}
	return r.Err()
}
