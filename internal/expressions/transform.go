package expressions

import (
	"context"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Transformer applies transform-step expressions to a step input:
//
//	$            the whole input
//	$.a.b[0]     the value at the path (nil when missing)
//	jq:<query>   gojq over the input
//	expr:<expr>  expr-lang with the input as environment
//
// Any other expression is the identity transform.
type Transformer struct {
	jq   *GoJQEngine
	expr *ExprEngine
}

// NewTransformer creates a Transformer.
func NewTransformer() *Transformer {
	return &Transformer{jq: NewGoJQEngine(), expr: NewExprEngine()}
}

// Compile checks jq and expr transforms ahead of execution. Path selectors
// are checked for syntax; identity expressions always compile.
func (t *Transformer) Compile(expression string) error {
	switch {
	case strings.HasPrefix(expression, PrefixJQ):
		_, err := t.jq.getOrCompile(strings.TrimSpace(strings.TrimPrefix(expression, PrefixJQ)))
		return err
	case strings.HasPrefix(expression, PrefixExpr):
		_, err := t.expr.getOrCompile(strings.TrimSpace(strings.TrimPrefix(expression, PrefixExpr)))
		return err
	case strings.HasPrefix(expression, "$."):
		if _, err := ParsePath(strings.TrimPrefix(expression, "$.")); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "transform %q: %s", expression, err.Error())
		}
	}
	return nil
}

// Apply runs the transform against input.
func (t *Transformer) Apply(ctx context.Context, expression string, input map[string]any) (any, error) {
	switch {
	case expression == "$":
		return schema.DeepCopyMap(input), nil
	case strings.HasPrefix(expression, "$."):
		val, _ := ResolvePath(input, strings.TrimPrefix(expression, "$."))
		return schema.DeepCopyAny(val), nil
	case strings.HasPrefix(expression, PrefixJQ):
		return t.jq.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expression, PrefixJQ)), input)
	case strings.HasPrefix(expression, PrefixExpr):
		return t.expr.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(expression, PrefixExpr)), input)
	default:
		return input, nil
	}
}
