// Package policyexpr compiles and evaluates restricted boolean expressions
// for policy bindings.
//
// Expressions are CUE expressions over a read-only scope. The compiler
// enforces the sandbox statically: a source-length ceiling, an operation
// (node) ceiling, a whitelist of expression node kinds with no comprehension
// or struct construction, strict declaration of every free identifier, and a
// short builtin allow-list. Evaluation cannot reach mutation, I/O, or host
// calls because the scope is plain data and CUE has no side effects.
package policyexpr

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"
)

const (
	// DefaultMaxSourceLength is the source-length ceiling in bytes.
	DefaultMaxSourceLength = 128
	// DefaultMaxOperations is the per-evaluation operation ceiling.
	DefaultMaxOperations = 1000
)

// Limits bounds compilation and evaluation. Zero values take the defaults.
type Limits struct {
	MaxSourceLength int
	MaxOperations   int
}

func (l Limits) normalized() Limits {
	if l.MaxSourceLength <= 0 {
		l.MaxSourceLength = DefaultMaxSourceLength
	}
	if l.MaxOperations <= 0 {
		l.MaxOperations = DefaultMaxOperations
	}
	return l
}

// CompileError reports a source rejected by the sandbox.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string { return "policy expression rejected: " + e.Reason }

// Program is a compiled expression. Programs are immutable and safe for
// concurrent evaluation.
type Program struct {
	source string
	expr   ast.Expr
	ops    int
}

// Ops returns the operation count charged per evaluation.
func (p *Program) Ops() int { return p.ops }

// Source returns the original expression source.
func (p *Program) Source() string { return p.source }

// builtins callable from expressions. Anything else is rejected.
var builtins = map[string]bool{
	"len": true,
}

// Compile parses and statically checks source. declared is the set of scope
// identifiers an expression may reference; anything outside it fails the
// strict-declaration rule.
func Compile(source string, declared map[string]bool, limits Limits) (*Program, error) {
	limits = limits.normalized()
	if len(source) == 0 {
		return nil, &CompileError{Reason: "empty expression"}
	}
	if len(source) > limits.MaxSourceLength {
		return nil, &CompileError{
			Reason: fmt.Sprintf("source length %d exceeds ceiling %d", len(source), limits.MaxSourceLength),
		}
	}

	expr, err := parser.ParseExpr("policy", source)
	if err != nil {
		return nil, &CompileError{Reason: err.Error()}
	}

	ops, err := checkExpr(expr, declared)
	if err != nil {
		return nil, err
	}
	if ops > limits.MaxOperations {
		return nil, &CompileError{
			Reason: fmt.Sprintf("operation count %d exceeds ceiling %d", ops, limits.MaxOperations),
		}
	}

	return &Program{source: source, expr: expr, ops: ops}, nil
}

// checkExpr walks the expression with a node-kind whitelist, returning the
// node count. Selector members are not free identifiers and are skipped;
// call targets must be builtins.
func checkExpr(e ast.Expr, declared map[string]bool) (int, error) {
	switch n := e.(type) {
	case *ast.BasicLit:
		return 1, nil
	case *ast.Ident:
		if !declared[n.Name] && !builtins[n.Name] {
			return 0, &CompileError{Reason: fmt.Sprintf("undeclared identifier %q", n.Name)}
		}
		return 1, nil
	case *ast.SelectorExpr:
		ops, err := checkExpr(n.X, declared)
		if err != nil {
			return 0, err
		}
		return ops + 1, nil
	case *ast.ParenExpr:
		ops, err := checkExpr(n.X, declared)
		if err != nil {
			return 0, err
		}
		return ops + 1, nil
	case *ast.UnaryExpr:
		ops, err := checkExpr(n.X, declared)
		if err != nil {
			return 0, err
		}
		return ops + 1, nil
	case *ast.BinaryExpr:
		left, err := checkExpr(n.X, declared)
		if err != nil {
			return 0, err
		}
		right, err := checkExpr(n.Y, declared)
		if err != nil {
			return 0, err
		}
		return left + right + 1, nil
	case *ast.IndexExpr:
		ops, err := checkExpr(n.X, declared)
		if err != nil {
			return 0, err
		}
		idx, err := checkExpr(n.Index, declared)
		if err != nil {
			return 0, err
		}
		return ops + idx + 1, nil
	case *ast.ListLit:
		total := 1
		for _, el := range n.Elts {
			sub, err := checkExpr(el, declared)
			if err != nil {
				return 0, err
			}
			total += sub
		}
		return total, nil
	case *ast.CallExpr:
		ident, ok := n.Fun.(*ast.Ident)
		if !ok || !builtins[ident.Name] {
			return 0, &CompileError{Reason: "only builtin calls are permitted"}
		}
		total := 2
		for _, arg := range n.Args {
			sub, err := checkExpr(arg, declared)
			if err != nil {
				return 0, err
			}
			total += sub
		}
		return total, nil
	case *ast.Comprehension:
		return 0, &CompileError{Reason: "loop constructs are not permitted"}
	default:
		return 0, &CompileError{Reason: fmt.Sprintf("construct %T is not permitted", e)}
	}
}

// Evaluate resolves the program's free identifiers against scope and returns
// the boolean result. A non-boolean result or an evaluation failure is an
// error, never a silent verdict.
func (p *Program) Evaluate(scope map[string]any) (bool, error) {
	cctx := cuecontext.New()
	scopeVal := cctx.Encode(scope)
	if err := scopeVal.Err(); err != nil {
		return false, fmt.Errorf("policy scope encode: %w", err)
	}

	v := cctx.BuildExpr(p.expr, cue.Scope(scopeVal), cue.InferBuiltins(true))
	if err := v.Err(); err != nil {
		return false, fmt.Errorf("policy expression eval: %w", err)
	}
	result, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("policy expression result is not a bool: %w", err)
	}
	return result, nil
}
