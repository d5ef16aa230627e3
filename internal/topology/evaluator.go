package topology

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator decides whether a runner's condition holds.
type Evaluator interface {
	Evaluate(expression string, params Params) (bool, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(expression string, params Params) (bool, error)

func (f EvaluatorFunc) Evaluate(expression string, params Params) (bool, error) {
	return f(expression, params)
}

// ExprEvaluator evaluates conditions with expr-lang, e.g.
// `platform == 'linux' && environment != 'release'`.
type ExprEvaluator struct {
	mu    sync.Mutex
	cache map[string]*vm.Program
}

func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{cache: map[string]*vm.Program{}}
}

func (e *ExprEvaluator) Evaluate(expression string, params Params) (bool, error) {
	prog, err := e.compile(expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, map[string]any(params))
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q is %T, not bool", expression, out)
	}
	return b, nil
}

func (e *ExprEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[expression]; ok {
		return p, nil
	}
	// no typed env: parameter sets differ per supervisor and unknown names
	// evaluate to nil instead of failing compilation
	p, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	e.cache[expression] = p
	return p, nil
}
