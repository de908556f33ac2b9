package transform

import (
	"fmt"
	"time"

	"dw-etl/internal/model"

	"github.com/Knetic/govaluate"
	"github.com/shopspring/decimal"
)

// Evaluator is the subset of *govaluate.EvaluableExpression used by Filter.
type Evaluator interface {
	Evaluate(map[string]interface{}) (interface{}, error)
}

// newEvaluatorFunc builds an Evaluator from an expression; tests may override it.
var newEvaluatorFunc = func(expr string) (Evaluator, error) {
	return govaluate.NewEvaluableExpression(expr)
}

// Filter keeps or drops records based on a boolean govaluate expression,
// e.g. "custo > 0 && unidade != 'CX'".
type Filter struct {
	expr string
	eval Evaluator
}

// CompileFilter parses expr. An empty expression yields a nil *Filter that keeps every record.
func CompileFilter(expr string) (*Filter, error) {
	if expr == "" {
		return nil, nil
	}
	ev, err := newEvaluatorFunc(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression '%s': %w", expr, err)
	}
	return &Filter{expr: expr, eval: ev}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match evaluates the filter against r. A nil Filter matches everything.
// Numbers are passed to the expression as float64 and times as Unix seconds,
// which is how govaluate represents numeric and date literals.
func (f *Filter) Match(r model.Record) (bool, error) {
	if f == nil {
		return true, nil
	}
	params := make(map[string]interface{}, len(r))
	for k, v := range r {
		params[k] = expressionValue(v)
	}
	result, err := f.eval.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("evaluate filter '%s': %w", f.expr, err)
	}
	keep, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("filter '%s' returned %T, want bool", f.expr, result)
	}
	return keep, nil
}

func expressionValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return float64(x.Unix())
	case decimal.Decimal:
		return x.InexactFloat64()
	case string, bool, nil:
		return x
	}
	if f, ok := ParseFloat64(v); ok {
		return f
	}
	return v
}
