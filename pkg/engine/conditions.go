package engine

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"

	"github.com/ritmohq/ritmo/pkg/models"
	"github.com/ritmohq/ritmo/pkg/template"
)

// EvaluateClauses evaluates a condition clause list against the run
// environment with the given logical operator. An unresolvable clause field
// is an error: the caller decides the path, so it cannot be guessed.
func EvaluateClauses(clauses []models.ConditionClause, op models.LogicalOperator, env template.Env) (bool, error) {
	if op == "" {
		op = models.LogicalAnd
	}

	for _, clause := range clauses {
		held, err := evaluateClause(clause, env)
		if err != nil {
			return false, err
		}

		if op == models.LogicalAnd && !held {
			return false, nil
		}

		if op == models.LogicalOr && held {
			return true, nil
		}
	}

	return op == models.LogicalAnd, nil
}

// EvaluateExpression evaluates an expr-language condition body. The run
// environment is exposed as the expression's variable scope.
func EvaluateExpression(expression string, env template.Env) (bool, error) {
	program, err := expr.Compile(expression, expr.Env(map[string]any(env)), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("failed to compile condition expression %q: %w", expression, err)
	}

	output, err := expr.Run(program, map[string]any(env))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition expression %q: %w", expression, err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition expression %q did not evaluate to a boolean", expression)
	}

	return result, nil
}

func evaluateClause(clause models.ConditionClause, env template.Env) (bool, error) {
	left, ok := env.Lookup(clause.Field)
	if !ok {
		return false, fmt.Errorf("%w: condition field %q", template.ErrUnresolved, clause.Field)
	}

	right := clause.Value
	if raw, ok := right.(string); ok && template.HasExpressions(raw) {
		resolved, err := template.Value(raw, env)
		if err != nil {
			return false, err
		}

		right = resolved
	}

	switch clause.Operator {
	case models.OperatorEquals:
		return valuesEqual(left, right), nil
	case models.OperatorNotEquals:
		return !valuesEqual(left, right), nil
	case models.OperatorGreaterThan, models.OperatorGreaterThanOrEqual, models.OperatorLessThan:
		return compareNumeric(clause.Operator, left, right)
	default:
		return false, fmt.Errorf("unsupported condition operator %q", clause.Operator)
	}
}

// valuesEqual compares with numeric coercion so that a JSON 5 and an int 5
// match, falling back to string form and deep equality.
func valuesEqual(left, right any) bool {
	if leftNum, ok := asNumber(left); ok {
		if rightNum, ok := asNumber(right); ok {
			return leftNum == rightNum
		}
	}

	if leftStr, ok := left.(string); ok {
		if rightStr, ok := right.(string); ok {
			return leftStr == rightStr
		}
	}

	return reflect.DeepEqual(left, right)
}

func compareNumeric(op models.ConditionOperator, left, right any) (bool, error) {
	leftNum, ok := asNumber(left)
	if !ok {
		return false, fmt.Errorf("cannot compare non-numeric value %v (%T)", left, left)
	}

	rightNum, ok := asNumber(right)
	if !ok {
		return false, fmt.Errorf("cannot compare non-numeric value %v (%T)", right, right)
	}

	switch op {
	case models.OperatorGreaterThan:
		return leftNum > rightNum, nil
	case models.OperatorGreaterThanOrEqual:
		return leftNum >= rightNum, nil
	case models.OperatorLessThan:
		return leftNum < rightNum, nil
	default:
		return false, fmt.Errorf("unsupported numeric operator %q", op)
	}
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
