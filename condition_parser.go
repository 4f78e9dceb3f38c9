package authz

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseCondition parses the function-call condition syntax:
//
//	eq(department, "finance")
//	and(gte(level, 3), in(region, ["eu", "us"]), not(eq(attr.suspended, true)))
//
// An empty string parses to an always-true condition.
func ParseCondition(s string) (Expr, error) {
	p := &condParser{src: s}
	p.skipSpace()
	if p.eof() {
		return ConstExpr(true), nil
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected %q after expression", p.src[p.pos:])
	}
	return e, nil
}

// MustParseCondition panics on a malformed condition (tests, static config)
func MustParseCondition(s string) Expr {
	e, err := ParseCondition(s)
	if err != nil {
		panic(err)
	}
	return e
}

type condParser struct {
	src string
	pos int
}

func (p *condParser) errorf(format string, args ...any) error {
	return fmt.Errorf("condition at offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *condParser) eof() bool { return p.pos >= len(p.src) }

func (p *condParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *condParser) skipSpace() {
	for !p.eof() && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *condParser) expect(c byte) error {
	p.skipSpace()
	if p.peek() != c {
		if p.eof() {
			return p.errorf("expected %q, got end of input", c)
		}
		return p.errorf("expected %q, got %q", c, p.peek())
	}
	p.pos++
	return nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c == '.' || c == '-' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *condParser) ident() string {
	p.skipSpace()
	start := p.pos
	for !p.eof() && isIdentByte(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *condParser) parseExpr() (Expr, error) {
	name := p.ident()
	if name == "" {
		return nil, p.errorf("expected expression")
	}
	switch strings.ToLower(name) {
	case "true":
		return ConstExpr(true), nil
	case "false":
		return ConstExpr(false), nil
	case "and", "or":
		args, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return nil, p.errorf("%s requires at least one operand", name)
		}
		if strings.EqualFold(name, "and") {
			return &AndExpr{Exprs: args}, nil
		}
		return &OrExpr{Exprs: args}, nil
	case "not":
		args, err := p.parseExprList()
		if err != nil {
			return nil, err
		}
		if len(args) != 1 {
			return nil, p.errorf("not takes exactly one operand, got %d", len(args))
		}
		return &NotExpr{Expr: args[0]}, nil
	}
	op := Op(strings.ToLower(name))
	if !op.valid() {
		return nil, p.errorf("unknown function %q", name)
	}
	return p.parseComparison(op)
}

func (p *condParser) parseExprList() ([]Expr, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var out []Expr
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		return out, nil
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return out, nil
		default:
			return nil, p.errorf("expected ',' or ')'")
		}
	}
}

func (p *condParser) parseComparison(op Op) (Expr, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	var key string
	if p.peek() == '"' {
		s, err := p.parseString()
		if err != nil {
			return nil, err
		}
		key = s
	} else {
		key = p.ident()
	}
	if key == "" {
		return nil, p.errorf("%s: missing attribute key", op)
	}
	if err := p.expect(','); err != nil {
		return nil, err
	}
	val, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	if op == OpIn {
		if _, ok := val.([]any); !ok {
			return nil, p.errorf("in: expected a list literal")
		}
	}
	return &CompareExpr{Op: op, Key: key, Value: val}, nil
}

func (p *condParser) parseLiteral() (any, error) {
	p.skipSpace()
	switch c := p.peek(); {
	case c == '"':
		return p.parseString()
	case c == '[':
		return p.parseList()
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	}
	word := p.ident()
	switch word {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	case "":
		return nil, p.errorf("expected literal")
	}
	return nil, p.errorf("bare word %q is not a literal; quote strings", word)
}

func (p *condParser) parseString() (string, error) {
	start := p.pos
	p.pos++ // opening quote
	for !p.eof() {
		switch p.src[p.pos] {
		case '\\':
			p.pos += 2
			continue
		case '"':
			p.pos++
			s, err := strconv.Unquote(p.src[start:p.pos])
			if err != nil {
				return "", p.errorf("bad string literal: %v", err)
			}
			return s, nil
		}
		p.pos++
	}
	return "", p.errorf("unterminated string")
}

func (p *condParser) parseNumber() (any, error) {
	start := p.pos
	p.pos++
	for !p.eof() {
		c := p.src[p.pos]
		if (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == '_' {
			p.pos++
			continue
		}
		if (c == '-' || c == '+') && (p.src[p.pos-1] == 'e' || p.src[p.pos-1] == 'E') {
			p.pos++
			continue
		}
		break
	}
	lit := p.src[start:p.pos]
	if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, p.errorf("bad number %q", lit)
	}
	return f, nil
}

func (p *condParser) parseList() ([]any, error) {
	p.pos++ // [
	out := make([]any, 0)
	p.skipSpace()
	if p.peek() == ']' {
		p.pos++
		return out, nil
	}
	for {
		v, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return out, nil
		default:
			return nil, p.errorf("expected ',' or ']' in list")
		}
	}
}
