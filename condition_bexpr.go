package authz

import (
	"strings"

	"github.com/hashicorp/go-bexpr"
)

const bexprPrefix = "bexpr:"

// BexprExpr evaluates a go-bexpr boolean expression against the merged
// attribute view, e.g. `bexpr:department == "finance" and level > 3`.
type BexprExpr struct {
	source    string
	evaluator *bexpr.Evaluator
}

func compileBexpr(src string) (*BexprExpr, error) {
	src = strings.TrimSpace(src)
	ev, err := bexpr.CreateEvaluator(src)
	if err != nil {
		return nil, err
	}
	return &BexprExpr{source: src, evaluator: ev}, nil
}

// Evaluate returns false when a selector is missing or types do not match
func (e *BexprExpr) Evaluate(ctx *EvalContext) bool {
	ok, err := e.evaluator.Evaluate(ctx.Merged())
	if err != nil {
		return false
	}
	return ok
}

func (e *BexprExpr) String() string { return bexprPrefix + e.source }
