package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// constraintCache compiles policy CEL constraints once and reuses the
// programs. Expressions see the tool name, the workspace and the requested
// resource constraints:
//
//	constraints.max_results <= 10 && tool != "run_shell"
type constraintCache struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

func newConstraintCache() *constraintCache {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("workspace", cel.StringType),
		cel.Variable("constraints", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		// The environment is static; failure here is a programming error.
		panic("policy: build CEL env: " + err.Error())
	}
	return &constraintCache{env: env, programs: make(map[string]cel.Program)}
}

func (c *constraintCache) eval(expr, tool, workspace string, constraints map[string]any) (bool, error) {
	prog, err := c.program(expr)
	if err != nil {
		return false, err
	}
	if constraints == nil {
		constraints = map[string]any{}
	}
	out, _, err := prog.Eval(map[string]any{
		"tool":        tool,
		"workspace":   workspace,
		"constraints": constraints,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate constraint: %w", err)
	}
	verdict, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("constraint must evaluate to bool, got %T", out.Value())
	}
	return verdict, nil
}

func (c *constraintCache) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile constraint: %w", issues.Err())
	}
	prog, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("plan constraint: %w", err)
	}

	c.mu.Lock()
	c.programs[expr] = prog
	c.mu.Unlock()
	return prog, nil
}
