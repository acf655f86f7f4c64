package expressions

import "context"

// Engine evaluates a prefixed expression against a data map.
// Implementations: CEL (guards), expr-lang (guards and transforms), gojq (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
