package flow

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// EvalInput is what a loop-condition evaluator sees each iteration.
type EvalInput struct {
	// Input is the loop's original input text.
	Input string

	// LastOutput is the previous body iteration's output; empty on the
	// first evaluation.
	LastOutput string

	// Iteration is the zero-based count of completed body runs.
	Iteration int

	// Outputs is a read-only snapshot of the execution outputs map.
	Outputs map[string]string
}

// LoopEvaluator decides whether a whileLoop continues. Returning true runs
// the body again; false exits via the done port. Registered with
// WithEvaluator under the name a node declares in customEvaluator, or under
// the node's ID; when found it replaces the LLM condition call.
type LoopEvaluator func(ctx context.Context, in EvalInput) (bool, error)

// ExprEvaluator compiles an expr-lang expression into a LoopEvaluator.
//
// The expression evaluates against an environment with fields input,
// lastOutput, iteration, and outputs, and must yield a boolean:
//
//	flow.ExprEvaluator(`iteration < 5 && len(lastOutput) < 400`)
//
// Compilation errors surface on first use rather than at registration so
// the constructor stays a plain expression.
func ExprEvaluator(src string) LoopEvaluator {
	type env struct {
		Input      string            `expr:"input"`
		LastOutput string            `expr:"lastOutput"`
		Iteration  int               `expr:"iteration"`
		Outputs    map[string]string `expr:"outputs"`
	}

	var program *vm.Program
	var compileErr error
	compiled := false

	return func(ctx context.Context, in EvalInput) (bool, error) {
		if !compiled {
			program, compileErr = expr.Compile(src, expr.Env(env{}), expr.AsBool())
			compiled = true
		}
		if compileErr != nil {
			return false, &Error{Code: CodeValidation, Message: fmt.Sprintf("loop expression %q: %v", src, compileErr), Cause: compileErr}
		}
		out, err := expr.Run(program, env{
			Input:      in.Input,
			LastOutput: in.LastOutput,
			Iteration:  in.Iteration,
			Outputs:    in.Outputs,
		})
		if err != nil {
			return false, &Error{Code: CodeValidation, Message: fmt.Sprintf("loop expression %q: %v", src, err), Cause: err}
		}
		b, ok := out.(bool)
		if !ok {
			return false, &Error{Code: CodeValidation, Message: fmt.Sprintf("loop expression %q did not yield a boolean", src)}
		}
		return b, nil
	}
}
