package pseudo

import (
	"fmt"

	"github.com/dop251/goja"
)

// Formula is a compiled numeric expression over named variables.  It is
// compiled once and runs in a fresh runtime per evaluation, so a Formula
// is safe for concurrent use.  Expressions are ECMAScript, with the Math
// global available.
type Formula struct {
	name string
	prog *goja.Program
}

// CompileFormula compiles expr.  The name labels compile and evaluation
// errors.
func CompileFormula(name, expr string) (*Formula, error) {
	prog, err := goja.Compile(name, expr, true)
	if err != nil {
		return nil, fmt.Errorf("compiling formula %s: %w", name, err)
	}
	return &Formula{name: name, prog: prog}, nil
}

// Eval runs the formula with vars bound as global variables and returns
// the numeric result.
func (f *Formula) Eval(vars map[string]float64) (float64, error) {
	rt := goja.New()
	for k, v := range vars {
		rt.Set(k, v)
	}
	val, err := runProgram(rt, f.prog)
	if err != nil {
		return 0, fmt.Errorf("evaluating formula %s: %w", f.name, err)
	}
	switch x := val.Export().(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("formula %s produced %T, want a number", f.name, x)
	}
}

// BackFormula compiles expr into a Back closure.  The expression sees each
// dependency mnemonic as a variable holding its snapshot position.
func BackFormula(name, expr string) (Back, error) {
	f, err := CompileFormula(name, expr)
	if err != nil {
		return nil, err
	}
	return func(pos Position) (float64, error) {
		return f.Eval(pos)
	}, nil
}

// ForwardFormula compiles expr into a Forward closure.  On top of the
// snapshot bindings the expression sees the composite target as the
// variable target.
func ForwardFormula(name, expr string) (Forward, error) {
	f, err := CompileFormula(name, expr)
	if err != nil {
		return nil, err
	}
	return func(target float64, pos Position) (float64, error) {
		vars := make(map[string]float64, len(pos)+1)
		for k, v := range pos {
			vars[k] = v
		}
		vars["target"] = target
		return f.Eval(vars)
	}, nil
}

// runProgram guards against the interpreter panicking on pathological
// programs.
func runProgram(rt *goja.Runtime, p *goja.Program) (v goja.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s", r)
		}
	}()
	return rt.RunProgram(p)
}
