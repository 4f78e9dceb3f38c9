package authz

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// ============================================================================
// EXPRESSION LANGUAGE (ABAC Conditions)
// ============================================================================

// Expr is a compiled boolean condition. Evaluation never fails: a missing
// attribute or a type mismatch makes the comparison false.
type Expr interface {
	Evaluate(ctx *EvalContext) bool
	String() string
}

// EvalContext holds the attribute sources a condition can read
type EvalContext struct {
	Principal map[string]any
	Request   map[string]any
	Policy    map[string]any
	merged    map[string]any
}

// NewEvalContext merges the three sources. On key collision the request
// context wins over principal attributes, which win over policy attributes.
func NewEvalContext(principal, request, policy map[string]any) *EvalContext {
	merged := make(map[string]any, len(principal)+len(request)+len(policy))
	for k, v := range policy {
		merged[k] = v
	}
	for k, v := range principal {
		merged[k] = v
	}
	for k, v := range request {
		merged[k] = v
	}
	return &EvalContext{Principal: principal, Request: request, Policy: policy, merged: merged}
}

// Merged returns the merged attribute view
func (c *EvalContext) Merged() map[string]any {
	if c == nil {
		return nil
	}
	return c.merged
}

var namespaces = map[string]func(*EvalContext) map[string]any{
	"attr":      func(c *EvalContext) map[string]any { return c.Principal },
	"principal": func(c *EvalContext) map[string]any { return c.Principal },
	"user":      func(c *EvalContext) map[string]any { return c.Principal },
	"ctx":       func(c *EvalContext) map[string]any { return c.Request },
	"request":   func(c *EvalContext) map[string]any { return c.Request },
	"env":       func(c *EvalContext) map[string]any { return c.Request },
	"policy":    func(c *EvalContext) map[string]any { return c.Policy },
}

// Lookup resolves an attribute key: exact merged key first, then a dotted
// path through nested maps, then a namespaced source such as attr.department.
func (c *EvalContext) Lookup(key string) (any, bool) {
	if c == nil || key == "" {
		return nil, false
	}
	if v, ok := c.merged[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	if v, ok := lookupPath(c.merged, key); ok {
		return v, true
	}
	ns, rest, _ := strings.Cut(key, ".")
	if src, ok := namespaces[ns]; ok {
		m := src(c)
		if v, ok := m[rest]; ok {
			return v, true
		}
		return lookupPath(m, rest)
	}
	return nil, false
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// Op is a comparison operator
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains:
		return true
	}
	return false
}

// CompareExpr applies Op to the attribute at Key and a literal Value
type CompareExpr struct {
	Op    Op
	Key   string
	Value any
}

func (e *CompareExpr) Evaluate(ctx *EvalContext) bool {
	actual, ok := ctx.Lookup(e.Key)
	if !ok {
		return false
	}
	switch e.Op {
	case OpEq:
		return equal(actual, e.Value)
	case OpNeq:
		// a type mismatch is not evidence of inequality
		if !sameKind(actual, e.Value) {
			return false
		}
		return !equal(actual, e.Value)
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := order(actual, e.Value)
		if !ok {
			return false
		}
		switch e.Op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpIn:
		for _, item := range listOf(e.Value) {
			if equal(actual, item) {
				return true
			}
		}
		return false
	case OpContains:
		if s, ok := actual.(string); ok {
			sub, ok := e.Value.(string)
			return ok && strings.Contains(s, sub)
		}
		for _, item := range listOf(actual) {
			if equal(item, e.Value) {
				return true
			}
		}
		return false
	}
	return false
}

func (e *CompareExpr) String() string {
	return fmt.Sprintf("%s(%s, %s)", e.Op, formatKey(e.Key), formatLiteral(e.Value))
}

// formatKey quotes keys the parser would not read back as a bare identifier
func formatKey(k string) string {
	for i := 0; i < len(k); i++ {
		if !isIdentByte(k[i]) {
			return strconv.Quote(k)
		}
	}
	if k == "" {
		return `""`
	}
	return k
}

// AndExpr is true when every operand is true
type AndExpr struct {
	Exprs []Expr
}

func (e *AndExpr) Evaluate(ctx *EvalContext) bool {
	for _, x := range e.Exprs {
		if !x.Evaluate(ctx) {
			return false
		}
	}
	return len(e.Exprs) > 0
}

func (e *AndExpr) String() string { return joinExprs("and", e.Exprs) }

// OrExpr is true when any operand is true
type OrExpr struct {
	Exprs []Expr
}

func (e *OrExpr) Evaluate(ctx *EvalContext) bool {
	for _, x := range e.Exprs {
		if x.Evaluate(ctx) {
			return true
		}
	}
	return false
}

func (e *OrExpr) String() string { return joinExprs("or", e.Exprs) }

// NotExpr negates its operand
type NotExpr struct {
	Expr Expr
}

func (e *NotExpr) Evaluate(ctx *EvalContext) bool {
	return !e.Expr.Evaluate(ctx)
}

func (e *NotExpr) String() string { return "not(" + e.Expr.String() + ")" }

// ConstExpr is a literal true or false (an empty condition compiles to true)
type ConstExpr bool

func (e ConstExpr) Evaluate(*EvalContext) bool { return bool(e) }

func (e ConstExpr) String() string {
	if e {
		return "true"
	}
	return "false"
}

func joinExprs(name string, exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, x := range exprs {
		parts[i] = x.String()
	}
	return name + "(" + strings.Join(parts, ", ") + ")"
}

// Constructors used by builders and tests
func Eq(key string, v any) Expr       { return &CompareExpr{Op: OpEq, Key: key, Value: v} }
func Neq(key string, v any) Expr      { return &CompareExpr{Op: OpNeq, Key: key, Value: v} }
func Gt(key string, v any) Expr       { return &CompareExpr{Op: OpGt, Key: key, Value: v} }
func Gte(key string, v any) Expr      { return &CompareExpr{Op: OpGte, Key: key, Value: v} }
func Lt(key string, v any) Expr       { return &CompareExpr{Op: OpLt, Key: key, Value: v} }
func Lte(key string, v any) Expr      { return &CompareExpr{Op: OpLte, Key: key, Value: v} }
func In(key string, vs ...any) Expr   { return &CompareExpr{Op: OpIn, Key: key, Value: vs} }
func Contains(key string, v any) Expr { return &CompareExpr{Op: OpContains, Key: key, Value: v} }
func And(exprs ...Expr) Expr          { return &AndExpr{Exprs: exprs} }
func Or(exprs ...Expr) Expr           { return &OrExpr{Exprs: exprs} }
func Not(expr Expr) Expr              { return &NotExpr{Expr: expr} }

// ----------------------------------------------------------------------------
// value comparison
// ----------------------------------------------------------------------------

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	}
	return 0, false
}

func sameKind(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if _, ok := toFloat(a); ok {
		_, ok = toFloat(b)
		return ok
	}
	switch a.(type) {
	case string:
		_, ok := b.(string)
		return ok
	case bool:
		_, ok := b.(bool)
		return ok
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

func equal(a, b any) bool {
	if !sameKind(a, b) {
		return false
	}
	if af, ok := toFloat(a); ok {
		bf, _ := toFloat(b)
		return af == bf
	}
	switch av := a.(type) {
	case nil:
		return true
	case string:
		return av == b.(string)
	case bool:
		return av == b.(bool)
	}
	return reflect.DeepEqual(a, b)
}

// order compares numbers numerically and strings lexically
func order(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, ok := a.(string)
	if !ok {
		return 0, false
	}
	bs, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

// listOf flattens any slice into []any; a scalar yields nil
func listOf(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case nil:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

func formatLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", x)
	case []any:
		parts := make([]string, len(x))
		for i, it := range x {
			parts[i] = formatLiteral(it)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	if l := listOf(v); l != nil {
		return formatLiteral(l)
	}
	return fmt.Sprint(v)
}
