package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var (
	// ErrNotBoolean is returned by Evaluate when a script yields a non-boolean.
	ErrNotBoolean = errors.New("script did not evaluate to a boolean")
	// ErrHelperPanicked is returned by Run when a helper registered with
	// AddHelper panics.
	ErrHelperPanicked = errors.New("script helper panicked")
)

// ScriptRunner executes precondition, postcondition and KPI scripts.
type ScriptRunner interface {
	Run(source string, params map[string]interface{}) (interface{}, error)
}

// Evaluator evaluates boolean gate scripts.
type Evaluator interface {
	Evaluate(source string, params map[string]interface{}) (bool, error)
}

// ScriptRunnerFunc adapts a function to ScriptRunner.
type ScriptRunnerFunc func(source string, params map[string]interface{}) (interface{}, error)

// Run implements ScriptRunner.
func (f ScriptRunnerFunc) Run(source string, params map[string]interface{}) (interface{}, error) {
	return f(source, params)
}

// ExprRunner runs scripts written in the expr language. Compiled programs are
// cached per source.
type ExprRunner struct {
	cache   map[string]*vm.Program
	mu      sync.RWMutex
	helpers map[string]func(map[string]interface{}) interface{}
}

// NewExprRunner creates an ExprRunner with an empty program cache.
func NewExprRunner() *ExprRunner {
	return &ExprRunner{
		cache:   make(map[string]*vm.Program),
		helpers: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddHelper exposes name to every script; its value is computed from the
// script parameters at run time.
func (r *ExprRunner) AddHelper(name string, f func(map[string]interface{}) interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.helpers[name] = f
}

func (r *ExprRunner) program(source string) (*vm.Program, error) {
	r.mu.RLock()
	program, ok := r.cache[source]
	r.mu.RUnlock()
	if ok {
		return program, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if program, ok = r.cache[source]; ok {
		return program, nil
	}
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	r.cache[source] = program
	return program, nil
}

// Run executes source with params as its environment. params is not modified.
func (r *ExprRunner) Run(source string, params map[string]interface{}) (interface{}, error) {
	env := make(map[string]interface{}, len(params)+len(r.helpers))
	for k, v := range params {
		env[k] = v
	}
	r.mu.RLock()
	for name, f := range r.helpers {
		v, err := callHelper(name, f, params)
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		env[name] = v
	}
	r.mu.RUnlock()

	program, err := r.program(source)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

func callHelper(name string, f func(map[string]interface{}) interface{}, params map[string]interface{}) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHelperPanicked, name, r)
		}
	}()
	return f(params), nil
}

// Evaluate runs source and requires a boolean result.
func (r *ExprRunner) Evaluate(source string, params map[string]interface{}) (bool, error) {
	result, err := r.Run(source, params)
	if err != nil {
		return false, err
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: '%s' returned %T", ErrNotBoolean, source, result)
}

// EvaluateWith runs source through any ScriptRunner and requires a boolean.
func EvaluateWith(runner ScriptRunner, source string, params map[string]interface{}) (bool, error) {
	if e, ok := runner.(Evaluator); ok {
		return e.Evaluate(source, params)
	}
	result, err := runner.Run(source, params)
	if err != nil {
		return false, err
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: '%s' returned %T", ErrNotBoolean, source, result)
}
