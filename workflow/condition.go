package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// EvaluateCondition evaluates an edge condition or iteration predicate as a
// risor expression over the given globals and converts the result to a
// boolean. The literal strings "true" and "false" short-circuit without
// compilation. Expressions may optionally be wrapped in $( ).
func EvaluateCondition(ctx context.Context, condition string, globals map[string]any) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(condition)) {
	case "", "true":
		return true, nil
	case "false":
		return false, nil
	}
	result, err := EvaluateExpression(ctx, condition, globals)
	if err != nil {
		return false, err
	}
	return toBool(result), nil
}

// EvaluateExpression compiles and evaluates a risor expression, returning
// the result as a plain Go value. Expressions may optionally be wrapped in
// $( ).
func EvaluateExpression(ctx context.Context, code string, globals map[string]any) (any, error) {
	code = trimExpr(code)
	compiled, err := compileScript(ctx, code, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	result, err := risor.EvalCode(ctx, compiled, risor.WithGlobals(globals))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return fromRisor(result)
}

// IsExpression reports whether a string value is an embedded expression
// that must be evaluated before use, i.e. contains a ${...} or is wrapped
// in $( ).
func IsExpression(s string) bool {
	if strings.HasPrefix(s, "$(") && strings.HasSuffix(s, ")") {
		return true
	}
	return strings.Contains(s, "${")
}

func trimExpr(code string) string {
	code = strings.TrimSpace(code)
	if strings.HasPrefix(code, "$(") && strings.HasSuffix(code, ")") {
		code = strings.TrimPrefix(code, "$(")
		code = strings.TrimSuffix(code, ")")
	}
	// ${state.score} form: unwrap a single interpolation
	if strings.HasPrefix(code, "${") && strings.HasSuffix(code, "}") && strings.Count(code, "${") == 1 {
		code = strings.TrimPrefix(code, "${")
		code = strings.TrimSuffix(code, "}")
	}
	return code
}

// compileScript compiles a risor script with deterministic global ordering.
func compileScript(ctx context.Context, code string, globals map[string]any) (*compiler.Code, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	var globalNames []string
	for name := range globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)
	return compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
}

func toBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v != "" && strings.ToLower(v) != "false"
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case nil:
		return false
	default:
		return true
	}
}

// fromRisor converts a risor object into a plain Go value.
func fromRisor(obj object.Object) (any, error) {
	switch obj := obj.(type) {
	case *object.NilType:
		return nil, nil
	case *object.String:
		return obj.Value(), nil
	case *object.Int:
		return obj.Value(), nil
	case *object.Float:
		return obj.Value(), nil
	case *object.Bool:
		return obj.Value(), nil
	case *object.Time:
		return obj.Value(), nil
	case *object.List:
		values := make([]any, 0, len(obj.Value()))
		for _, item := range obj.Value() {
			value, err := fromRisor(item)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
		return values, nil
	case *object.Map:
		values := make(map[string]any, len(obj.Value()))
		for key, item := range obj.Value() {
			value, err := fromRisor(item)
			if err != nil {
				return nil, err
			}
			values[key] = value
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unsupported expression result type: %T", obj)
	}
}
