package authz

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DSL Syntax:
// permission <id> <tenant> <resource>:<action> [name]
// role <id> <tenant> <name> <permission-ids>
// member <tenant> <principal> <role>
// principal <id> <tenant> [roles:<ids>] [<key>=<value>...]
// rule <id> <tenant> <method|*> <path> <permission> [priority:<n>] [disabled]
// policy <id> <tenant> <resource>:<action> <condition...>
// request <tenant> <principal> <method> <path> [<key>=<value>...]
// engine <key>=<value>...
//
// The policy condition is the raw remainder of the line.

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{Version: 1}

	p.line = 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		p.line++
		line := strings.TrimSpace(string(data[start:i]))
		start = i + 1
		if line == "" || line[0] == '#' {
			continue
		}

		directive, rest, _ := strings.Cut(line, " ")
		var err error
		switch directive {
		case "permission":
			err = p.parsePermission(cfg, splitLine(rest))
		case "role":
			err = p.parseRole(cfg, splitLine(rest))
		case "member":
			err = p.parseMember(cfg, splitLine(rest))
		case "principal":
			err = p.parsePrincipal(cfg, splitLine(rest))
		case "rule":
			err = p.parseRule(cfg, splitLine(rest))
		case "policy":
			err = p.parsePolicy(cfg, rest)
		case "request":
			err = p.parseRequest(cfg, splitLine(rest))
		case "engine":
			err = p.parseEngine(cfg, splitLine(rest))
		default:
			err = fmt.Errorf("unknown directive: %s", directive)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrConfiguration, p.line, err)
		}
	}
	return cfg, nil
}

// splitLine splits on blanks. Double quotes group a token and may start
// mid-token, as in name="Finance Ops".
func splitLine(s string) []string {
	parts := make([]string, 0, 8)
	var cur []byte
	inQuote, inToken := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '"':
			inQuote = !inQuote
			inToken = true
		case (ch == ' ' || ch == '\t') && !inQuote:
			if inToken {
				parts = append(parts, string(cur))
				cur = cur[:0]
				inToken = false
			}
		default:
			cur = append(cur, ch)
			inToken = true
		}
	}
	if inToken {
		parts = append(parts, string(cur))
	}
	return parts
}

func (p *DSLParser) parsePermission(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("permission requires: <id> <tenant> <resource>:<action> [name]")
	}
	resource, action, ok := SplitPermission(parts[2])
	if !ok {
		return fmt.Errorf("permission %s: expected resource:action, got %q", parts[0], parts[2])
	}
	perm := &Permission{ID: parts[0], TenantID: parts[1], Resource: resource, Action: action}
	if len(parts) > 3 {
		perm.Name = strings.Join(parts[3:], " ")
	}
	cfg.Permissions = append(cfg.Permissions, perm)
	return nil
}

func (p *DSLParser) parseRole(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("role requires: <id> <tenant> <name> <permission-ids>")
	}
	role := &Role{ID: parts[0], TenantID: parts[1], Name: parts[2]}
	if len(parts) > 3 {
		role.PermissionIDs = parseList(parts[3])
	}
	cfg.Roles = append(cfg.Roles, role)
	return nil
}

func (p *DSLParser) parseMember(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("member requires: <tenant> <principal> <role>")
	}
	cfg.Memberships = append(cfg.Memberships, Membership{
		TenantID:    parts[0],
		PrincipalID: parts[1],
		RoleID:      parts[2],
	})
	return nil
}

func (p *DSLParser) parsePrincipal(cfg *Config, parts []string) error {
	if len(parts) < 2 {
		return fmt.Errorf("principal requires: <id> <tenant> [roles:<ids>] [<key>=<value>...]")
	}
	pr := &Principal{ID: parts[0], TenantID: parts[1]}
	for _, opt := range parts[2:] {
		if ids, ok := strings.CutPrefix(opt, "roles:"); ok {
			pr.RoleIDs = parseList(ids)
			continue
		}
		key, val, ok := strings.Cut(opt, "=")
		if !ok || key == "" {
			return fmt.Errorf("principal %s: expected key=value, got %q", pr.ID, opt)
		}
		if pr.Attributes == nil {
			pr.Attributes = make(map[string]any)
		}
		pr.Attributes[key] = parseScalar(val)
	}
	cfg.Principals = append(cfg.Principals, pr)
	return nil
}

func (p *DSLParser) parseRule(cfg *Config, parts []string) error {
	if len(parts) < 5 {
		return fmt.Errorf("rule requires: <id> <tenant> <method|*> <path> <permission> [priority:<n>] [disabled]")
	}
	r := RuleConfig{
		ID:           parts[0],
		TenantID:     parts[1],
		Method:       parts[2],
		PathPattern:  parts[3],
		PermissionID: parts[4],
	}
	if r.Method == "*" {
		r.Method = ""
	}
	for _, opt := range parts[5:] {
		switch {
		case opt == "disabled":
			r.Disabled = true
		case strings.HasPrefix(opt, "priority:"):
			n, err := strconv.Atoi(opt[len("priority:"):])
			if err != nil {
				return fmt.Errorf("rule %s: bad priority %q", r.ID, opt)
			}
			r.Priority = n
		default:
			return fmt.Errorf("rule %s: unknown option %q", r.ID, opt)
		}
	}
	cfg.Rules = append(cfg.Rules, r)
	return nil
}

func (p *DSLParser) parsePolicy(cfg *Config, rest string) error {
	head := splitLine(rest)
	if len(head) < 3 {
		return fmt.Errorf("policy requires: <id> <tenant> <resource>:<action> <condition...>")
	}
	resource, action, ok := SplitPermission(head[2])
	if !ok {
		return fmt.Errorf("policy %s: expected resource:action, got %q", head[0], head[2])
	}
	// the condition keeps its own quoting, so cut it from the raw line
	cond := rest
	for i := 0; i < 3; i++ {
		cond = strings.TrimLeft(cond, " \t")
		if j := strings.IndexAny(cond, " \t"); j >= 0 {
			cond = cond[j:]
		} else {
			cond = ""
		}
	}
	cfg.Policies = append(cfg.Policies, &Policy{
		ID:            head[0],
		TenantID:      head[1],
		Resource:      resource,
		Action:        action,
		ConditionExpr: strings.TrimSpace(cond),
	})
	return nil
}

func (p *DSLParser) parseRequest(cfg *Config, parts []string) error {
	if len(parts) < 4 {
		return fmt.Errorf("request requires: <tenant> <principal> <method> <path> [<key>=<value>...]")
	}
	req := DecideRequest{TenantID: parts[0], PrincipalID: parts[1], Method: parts[2], Path: parts[3]}
	for _, kv := range parts[4:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return fmt.Errorf("request: expected key=value, got %q", kv)
		}
		if req.Context == nil {
			req.Context = make(map[string]any)
		}
		req.Context[key] = parseScalar(val)
	}
	cfg.Requests = append(cfg.Requests, req)
	return nil
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) error {
	for _, kv := range parts {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("engine: expected key=value, got %q", kv)
		}
		if key == "protected" {
			cfg.Engine.ProtectedPrefixes = parseList(val)
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("engine %s: %w", key, err)
		}
		switch key {
		case "cache_ttl":
			cfg.Engine.CacheTTL = n
		case "cache_grace":
			cfg.Engine.CacheGrace = n
		case "cache_shards":
			cfg.Engine.CacheShards = int(n)
		case "sweep_interval":
			cfg.Engine.SweepInterval = n
		case "store_timeout":
			cfg.Engine.StoreTimeout = n
		case "condition_counters":
			cfg.Engine.ConditionCacheCounters = n
		case "condition_max_cost":
			cfg.Engine.ConditionCacheMaxCost = n
		default:
			return fmt.Errorf("engine: unknown key %q", key)
		}
	}
	return nil
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	out := make([]string, 0, strings.Count(s, ",")+1)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseScalar reads integers, floats and booleans; everything else stays a
// string
func parseScalar(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 4096)}
}

func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]

	for _, p := range cfg.Permissions {
		e.directive("permission", p.ID, p.TenantID, p.Identifier())
		if p.Name != "" {
			e.token(p.Name)
		}
		e.buf = append(e.buf, '\n')
	}

	for _, r := range cfg.Roles {
		e.directive("role", r.ID, r.TenantID, r.Name)
		if len(r.PermissionIDs) > 0 {
			e.token(strings.Join(r.PermissionIDs, ","))
		}
		e.buf = append(e.buf, '\n')
	}

	for _, m := range cfg.Memberships {
		e.directive("member", m.TenantID, m.PrincipalID, m.RoleID)
		e.buf = append(e.buf, '\n')
	}

	for _, p := range cfg.Principals {
		e.directive("principal", p.ID, p.TenantID)
		if len(p.RoleIDs) > 0 {
			e.token("roles:" + strings.Join(p.RoleIDs, ","))
		}
		e.attributes(p.Attributes)
		e.buf = append(e.buf, '\n')
	}

	for _, r := range cfg.Rules {
		method := r.Method
		if method == "" {
			method = "*"
		}
		e.directive("rule", r.ID, r.TenantID, method, r.PathPattern, r.PermissionID)
		if r.Priority != 0 {
			e.buf = append(e.buf, " priority:"...)
			e.buf = strconv.AppendInt(e.buf, int64(r.Priority), 10)
		}
		if r.Disabled {
			e.buf = append(e.buf, " disabled"...)
		}
		e.buf = append(e.buf, '\n')
	}

	for _, p := range cfg.Policies {
		if strings.ContainsAny(p.ConditionExpr, "\n") {
			return nil, fmt.Errorf("%w: policy %s: condition spans lines", ErrConfiguration, p.ID)
		}
		if len(p.Attributes) > 0 {
			return nil, fmt.Errorf("%w: policy %s: attributes cannot be written as DSL", ErrConfiguration, p.ID)
		}
		e.directive("policy", p.ID, p.TenantID, p.Resource+":"+p.Action)
		if p.ConditionExpr != "" {
			e.buf = append(e.buf, ' ')
			e.buf = append(e.buf, p.ConditionExpr...)
		}
		e.buf = append(e.buf, '\n')
	}

	for _, r := range cfg.Requests {
		e.directive("request", r.TenantID, r.PrincipalID, r.Method, r.Path)
		e.attributes(r.Context)
		e.buf = append(e.buf, '\n')
	}

	ec := cfg.Engine
	start := len(e.buf)
	e.buf = append(e.buf, "engine"...)
	mark := len(e.buf)
	e.setting("cache_ttl", ec.CacheTTL)
	e.setting("cache_grace", ec.CacheGrace)
	e.setting("cache_shards", int64(ec.CacheShards))
	e.setting("sweep_interval", ec.SweepInterval)
	e.setting("store_timeout", ec.StoreTimeout)
	e.setting("condition_counters", ec.ConditionCacheCounters)
	e.setting("condition_max_cost", ec.ConditionCacheMaxCost)
	if len(ec.ProtectedPrefixes) > 0 {
		e.token("protected=" + strings.Join(ec.ProtectedPrefixes, ","))
	}
	if len(e.buf) == mark {
		e.buf = e.buf[:start]
	} else {
		e.buf = append(e.buf, '\n')
	}

	return e.buf, nil
}

func (e *DSLEncoder) directive(name string, tokens ...string) {
	e.buf = append(e.buf, name...)
	for _, t := range tokens {
		e.token(t)
	}
}

func (e *DSLEncoder) token(t string) {
	e.buf = append(e.buf, ' ')
	if t == "" || strings.ContainsAny(t, " \t") {
		e.buf = append(e.buf, '"')
		e.buf = append(e.buf, t...)
		e.buf = append(e.buf, '"')
		return
	}
	e.buf = append(e.buf, t...)
}

func (e *DSLEncoder) setting(key string, v int64) {
	if v == 0 {
		return
	}
	e.buf = append(e.buf, ' ')
	e.buf = append(e.buf, key...)
	e.buf = append(e.buf, '=')
	e.buf = strconv.AppendInt(e.buf, v, 10)
}

func (e *DSLEncoder) attributes(attrs map[string]any) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e.token(k + "=" + fmt.Sprint(attrs[k]))
	}
}
