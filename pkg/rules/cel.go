package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celCostLimit bounds per-evaluation CEL runtime cost so a pathological
// rule expression cannot stall an evaluation pass.
const celCostLimit = 100000

// ConditionInput is the variable set exposed to rule condition
// expressions.
type ConditionInput struct {
	Score      float64        // current composite score
	ScoreDelta float64        // composite delta vs prior snapshot
	Trend      string         // growing | stable | declining
	EventType  string         // empty when evaluating a score change
	Severity   string         // empty when evaluating a score change
	Subject    map[string]any // subject attributes supplied by collaborators
}

// ConditionEvaluator compiles and evaluates CEL condition expressions.
// Compiled programs are cached per expression.
type ConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEvaluator builds the CEL environment for rule conditions.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.StdLib(),
		cel.Variable("score", cel.DoubleType),
		cel.Variable("score_delta", cel.DoubleType),
		cel.Variable("trend", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &ConditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile validates an expression and caches its program. Called at rule
// configuration load so bad expressions fail synchronously to the
// operator.
func (e *ConditionEvaluator) Compile(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := e.program(expr)
	return err
}

// Evaluate runs the expression against the input. An empty expression is
// vacuously true.
func (e *ConditionEvaluator) Evaluate(expr string, input ConditionInput) (bool, error) {
	if expr == "" {
		return true, nil
	}

	prog, err := e.program(expr)
	if err != nil {
		return false, err
	}

	subject := input.Subject
	if subject == nil {
		subject = map[string]any{}
	}
	val, _, err := prog.Eval(map[string]any{
		"score":       input.Score,
		"score_delta": input.ScoreDelta,
		"trend":       input.Trend,
		"event_type":  input.EventType,
		"severity":    input.Severity,
		"subject":     subject,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}

	result, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q is not boolean", expr)
	}
	return result, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prog, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prog, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, issues.Err())
	}
	prog, err := e.env.Program(ast,
		cel.CostLimit(celCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("build condition program: %w", err)
	}

	e.mu.Lock()
	e.cache[expr] = prog
	e.mu.Unlock()
	return prog, nil
}
