package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Prefixes that route a condition or transform to a pluggable engine.
const (
	PrefixCEL  = "cel:"
	PrefixExpr = "expr:"
	PrefixJQ   = "jq:"
)

// Evaluator compiles conditions once and evaluates them many times.
// Plain conditions use the minimal grammar; "cel:" and "expr:" prefixed
// conditions are delegated to CEL and expr-lang. Safe for concurrent use.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine

	mu    sync.RWMutex
	cache map[string]Condition
}

// NewEvaluator creates an Evaluator with its CEL and expr engines.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:   celEngine,
		expr:  NewExprEngine(),
		cache: make(map[string]Condition),
	}, nil
}

// Compile parses (or fetches from cache) the condition. Errors carry
// VALIDATION_ERROR so callers can report them at registration.
func (e *Evaluator) Compile(expression string) (Condition, error) {
	e.mu.RLock()
	if c, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.cache[expression]; ok {
		return c, nil
	}

	c, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = c
	return c, nil
}

func (e *Evaluator) compile(expression string) (Condition, error) {
	trimmed := strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(trimmed, PrefixCEL):
		src := strings.TrimSpace(strings.TrimPrefix(trimmed, PrefixCEL))
		if _, err := e.cel.getOrCompile(src); err != nil {
			return nil, err
		}
		return &engineCondition{engine: e.cel, src: src, source: trimmed, strictBool: true}, nil
	case strings.HasPrefix(trimmed, PrefixExpr):
		src := strings.TrimSpace(strings.TrimPrefix(trimmed, PrefixExpr))
		if _, err := e.expr.getOrCompile(src); err != nil {
			return nil, err
		}
		return &engineCondition{engine: e.expr, src: src, source: trimmed}, nil
	default:
		return Parse(trimmed)
	}
}

// Evaluate compiles (cached) and evaluates the condition against data.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (bool, error) {
	c, err := e.Compile(expression)
	if err != nil {
		return false, err
	}
	return c.Eval(ctx, data)
}

// Cached reports how many distinct conditions have been compiled.
func (e *Evaluator) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// engineCondition adapts an Engine result to a boolean.
type engineCondition struct {
	engine     Engine
	src        string
	source     string
	strictBool bool
}

func (c *engineCondition) String() string { return c.source }

func (c *engineCondition) Eval(ctx context.Context, data map[string]any) (bool, error) {
	out, err := c.engine.Evaluate(ctx, c.src, data)
	if err != nil {
		return false, err
	}
	if c.strictBool {
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeExecution,
				"%s condition %q returned %T, want bool", c.engine.Name(), c.src, out)
		}
		return b, nil
	}
	return Truthy(out), nil
}

// Evaluate is a one-shot evaluation of the minimal grammar without caching.
func Evaluate(expression string, data map[string]any) (bool, error) {
	c, err := Parse(expression)
	if err != nil {
		return false, err
	}
	return c.Eval(context.Background(), data)
}
