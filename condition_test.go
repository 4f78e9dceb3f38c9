package authz_test

import (
	"errors"
	"strings"
	"testing"

	authz "github.com/aixone/authz"
)

func TestParseConditionEvaluates(t *testing.T) {
	principal := map[string]any{
		"department": "finance",
		"level":      4,
		"groups":     []string{"eng", "ops"},
		"profile":    map[string]any{"country": "DE"},
		"suspended":  false,
	}
	request := map[string]any{"ip": "10.0.0.1", "amount": 99.5, "tags": []any{"urgent", 3}}
	policy := map[string]any{"max_amount": 100}
	ec := authz.NewEvalContext(principal, request, policy)

	cases := []struct {
		src  string
		want bool
	}{
		{``, true},
		{`true`, true},
		{`false`, false},
		{`eq(department, "finance")`, true},
		{`eq(attr.department, "finance")`, true},
		{`eq(user.department, "sales")`, false},
		{`neq(department, "sales")`, true},
		{`neq(department, 3)`, false},
		{`gte(level, 4)`, true},
		{`gt(level, 4)`, false},
		{`lt(ctx.amount, 100)`, true},
		{`lte(amount, 99.5)`, true},
		{`gt(department, 3)`, false},
		{`in(ctx.ip, ["10.0.0.1", "10.0.0.2"])`, true},
		{`in(level, [1, 2, 3])`, false},
		{`contains(groups, "ops")`, true},
		{`contains(tags, 3)`, true},
		{`contains(department, "fin")`, true},
		{`eq(profile.country, "DE")`, true},
		{`eq(principal.profile.country, "DE")`, true},
		{`eq(missing, null)`, false},
		{`eq(suspended, false)`, true},
		{`eq(policy.max_amount, 100)`, true},
		{`and(eq(department, "finance"), gte(level, 3), not(eq(suspended, true)))`, true},
		{`and(eq(department, "finance"), eq(level, 1))`, false},
		{`or(eq(department, "sales"), eq(request.ip, "10.0.0.1"))`, true},
		{`OR(eq(department, "sales"), eq(level, 1))`, false},
		{`not(false)`, true},
		{`eq("department", "finance")`, true},
		{`eq(department, "finance")`, true},
		{`bexpr:department == "finance"`, true},
		{`bexpr:department == "sales"`, false},
		{`bexpr:nosuchkey == "x"`, false},
	}
	for _, tc := range cases {
		expr, err := authz.CompileCondition(tc.src)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.src, err)
		}
		if got := expr.Evaluate(ec); got != tc.want {
			t.Fatalf("%q: expected %v, got %v", tc.src, tc.want, got)
		}
	}
}

func TestParseConditionErrors(t *testing.T) {
	bad := []string{
		`eq(department`,
		`eq(department, )`,
		`eq(, "x")`,
		`eq(department, finance)`,
		`regex(department, "x")`,
		`and()`,
		`not(true, false)`,
		`in(level, 3)`,
		`eq(department, "x") trailing`,
		`eq(department, "unterminated)`,
		`eq(level, 1.2.3)`,
		`in(level, [1, 2`,
		`(`,
	}
	for _, src := range bad {
		if _, err := authz.ParseCondition(src); err == nil {
			t.Fatalf("expected parse error for %q", src)
		}
	}
	if _, err := authz.CompileCondition(`bexpr:department ==`); err == nil {
		t.Fatalf("expected bexpr compile error")
	}
}

func TestConditionStringRoundTrip(t *testing.T) {
	exprs := []authz.Expr{
		authz.Eq("attr.department", "finance"),
		authz.And(authz.Gte("level", 3), authz.Not(authz.Eq("suspended", true))),
		authz.Or(authz.In("region", "eu", "us"), authz.Contains("groups", "ops"), authz.Lt("amount", 10.5)),
		authz.Neq("status", nil),
	}
	ec := authz.NewEvalContext(map[string]any{"level": 5, "suspended": false, "region": "us", "amount": 3}, nil, nil)
	for _, e := range exprs {
		parsed, err := authz.ParseCondition(e.String())
		if err != nil {
			t.Fatalf("reparse %q: %v", e.String(), err)
		}
		if parsed.String() != e.String() {
			t.Fatalf("round trip changed %q into %q", e.String(), parsed.String())
		}
		if parsed.Evaluate(ec) != e.Evaluate(ec) {
			t.Fatalf("round trip changed the result of %q", e.String())
		}
	}
	p := authz.NewPolicyBuilder().ID("p").Tenant("t").Permission("doc:read").Condition(exprs[1]).Build()
	if p.Resource != "doc" || p.Action != "read" || !strings.HasPrefix(p.ConditionExpr, "and(") {
		t.Fatalf("unexpected policy %+v", p)
	}
}

func TestConditionStringQuotesNonIdentifierKeys(t *testing.T) {
	exprs := []authz.Expr{
		authz.Eq("user name", "x"),
		authz.Eq("urn:team", "ops"),
		authz.In("attr.path/segment", "a", "b"),
		authz.Contains(`say "hi"`, "h"),
	}
	ec := authz.NewEvalContext(map[string]any{
		"user name":    "x",
		"urn:team":     "ops",
		"path/segment": "b",
	}, map[string]any{`say "hi"`: "hello"}, nil)
	for _, e := range exprs {
		text := e.String()
		if !strings.Contains(text, `("`) {
			t.Fatalf("expected a quoted key in %q", text)
		}
		parsed, err := authz.ParseCondition(text)
		if err != nil {
			t.Fatalf("reparse %q: %v", text, err)
		}
		if parsed.String() != text {
			t.Fatalf("round trip changed %q into %q", text, parsed.String())
		}
		if !parsed.Evaluate(ec) {
			t.Fatalf("%q should hold after round trip", text)
		}
	}
	if got := authz.Eq("attr.department", "x").String(); got != `eq(attr.department, "x")` {
		t.Fatalf("identifier keys stay bare, got %q", got)
	}
}

func TestEvalContextPrecedence(t *testing.T) {
	ec := authz.NewEvalContext(
		map[string]any{"region": "principal"},
		map[string]any{"region": "request"},
		map[string]any{"region": "policy", "limit": 5},
	)
	if v, _ := ec.Lookup("region"); v != "request" {
		t.Fatalf("request context should win, got %v", v)
	}
	if v, _ := ec.Lookup("attr.region"); v != "principal" {
		t.Fatalf("attr namespace should read principal attributes, got %v", v)
	}
	if v, _ := ec.Lookup("policy.region"); v != "policy" {
		t.Fatalf("policy namespace should read policy attributes, got %v", v)
	}
	if v, ok := ec.Lookup("limit"); !ok || v != 5 {
		t.Fatalf("policy attributes should be visible unqualified, got %v %v", v, ok)
	}
	if _, ok := ec.Lookup("env.nothing"); ok {
		t.Fatalf("missing keys must not resolve")
	}
}

func TestConditionCompilerMemoizes(t *testing.T) {
	cc, err := authz.NewConditionCompiler(0, 0)
	if err != nil {
		t.Fatalf("new compiler: %v", err)
	}
	defer cc.Close()

	src := `eq(department, "finance")`
	first, err := cc.Compile(src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cc.Wait()
	second, err := cc.Compile(src)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if first != second {
		t.Fatalf("expected the memoized expression to be returned")
	}

	_, err = cc.CompilePolicy(&authz.Policy{ID: "bad", ConditionExpr: "eq("})
	var cfgErr *authz.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.PolicyID != "bad" || !errors.Is(err, authz.ErrConfiguration) {
		t.Fatalf("expected a ConfigurationError for policy bad, got %v", err)
	}
	cc.Wait()
	if _, err := cc.CompilePolicy(&authz.Policy{ID: "bad", ConditionExpr: "eq("}); err == nil {
		t.Fatalf("memoized failure must still fail")
	}
	cc.Clear()
}

func TestMustParseConditionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	authz.MustParseCondition("eq(")
}
