package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/agentmesh/mesh/pkg/merrors"
)

// conditionEnv is shared across all compiled conditions: every rule's
// expression is evaluated against a single "input" variable, a nested
// context dictionary of null/bool/int/float/string/list/map values, plus
// "agent" for convenience paths like "agent.tier". CEL gives us a
// compiled AST and sandboxed, deterministic evaluation instead of a
// hand-rolled interpreter.
var conditionEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("agent", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: condition environment failed to initialize: %v", err))
	}
	return env
}()

// compiledCondition wraps a CEL program compiled from a rule's condition
// expression.
type compiledCondition struct {
	source string
	prg    cel.Program
}

// compileCondition parses and type-checks expr, returning PolicyInvalid on
// any failure.
func compileCondition(expr string) (*compiledCondition, error) {
	if expr == "" {
		// An empty condition always matches; used by default/catch-all rules.
		return &compiledCondition{source: expr, prg: nil}, nil
	}

	ast, issues := conditionEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, merrors.Wrap(merrors.PolicyInvalid, issues.Err(), "condition %q failed to compile", expr)
	}
	if ast.OutputType() != cel.BoolType {
		return nil, merrors.New(merrors.PolicyInvalid, "condition %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := conditionEnv.Program(ast)
	if err != nil {
		return nil, merrors.Wrap(merrors.PolicyInvalid, err, "condition %q failed to build program", expr)
	}
	return &compiledCondition{source: expr, prg: prg}, nil
}

// Eval runs the compiled condition against a context dictionary and an
// agent dictionary (e.g. {"tier": "trusted"}). A missing dotted path in a
// CEL map access surfaces as a runtime "no such key" error, which this
// treats as a null comparison: the error does not reject the rule, it
// simply makes the condition false.
func (c *compiledCondition) Eval(input, agent map[string]interface{}) (bool, error) {
	if c.prg == nil {
		return true, nil
	}
	out, _, err := c.prg.Eval(map[string]interface{}{"input": input, "agent": agent})
	if err != nil {
		return false, nil
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, merrors.New(merrors.PolicyInvalid, "condition %q did not evaluate to a boolean", c.source)
	}
	return b, nil
}
