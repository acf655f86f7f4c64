package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Condition is a compiled boolean predicate over an evaluation context.
type Condition interface {
	Eval(ctx context.Context, data map[string]any) (bool, error)
	String() string
}

// Operator is a comparison operator of the minimal condition grammar.
type Operator string

const (
	OpEq  Operator = "=="
	OpNe  Operator = "!="
	OpGt  Operator = ">"
	OpLt  Operator = "<"
	OpGte Operator = ">="
	OpLte Operator = "<="
)

// LiteralKind tags the right-hand side of a comparison.
type LiteralKind int

const (
	LiteralString LiteralKind = iota
	LiteralNumber
	LiteralBool
	LiteralNull
)

// Literal is a parsed comparison operand.
type Literal struct {
	Kind LiteralKind
	Str  string
	Num  float64
	Bool bool
}

func (l Literal) value() any {
	switch l.Kind {
	case LiteralString:
		return l.Str
	case LiteralNumber:
		return l.Num
	case LiteralBool:
		return l.Bool
	default:
		return nil
	}
}

// Comparison is `path op literal`.
type Comparison struct {
	Path    Path
	Op      Operator
	Literal Literal
	source  string
}

// PathTruthy is a bare path coerced to a boolean.
type PathTruthy struct {
	Path   Path
	source string
}

func (c *Comparison) String() string { return c.source }
func (c *PathTruthy) String() string { return c.source }

// Eval applies the comparison. Equality is strict (numbers compare by value);
// ordering operators coerce both sides to numbers and are false on NaN.
func (c *Comparison) Eval(_ context.Context, data map[string]any) (bool, error) {
	val, found := c.Path.Lookup(data)
	switch c.Op {
	case OpEq:
		return found && strictEqual(val, c.Literal), nil
	case OpNe:
		return !(found && strictEqual(val, c.Literal)), nil
	}

	left := ToNumber(val, found)
	right := ToNumber(c.Literal.value(), true)
	if math.IsNaN(left) || math.IsNaN(right) {
		return false, nil
	}
	switch c.Op {
	case OpGt:
		return left > right, nil
	case OpLt:
		return left < right, nil
	case OpGte:
		return left >= right, nil
	case OpLte:
		return left <= right, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unsupported operator %q", c.Op)
}

func (p *PathTruthy) Eval(_ context.Context, data map[string]any) (bool, error) {
	val, found := p.Path.Lookup(data)
	return found && Truthy(val), nil
}

// Parse compiles a condition of the minimal grammar:
//
//	<path> <op> <literal>   op in ==, !=, >, <, >=, <=
//	<path>                  truthiness of the resolved value
//
// Literals are quoted strings, true, false, null, or numbers.
func Parse(expression string) (Condition, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition")
	}

	end := 0
	for end < len(src) && isPathByte(src[end]) {
		end++
	}
	path, err := ParsePath(src[:end])
	if err != nil || end == 0 {
		return nil, conditionError(expression, "expected a path at the start")
	}

	rest := strings.TrimSpace(src[end:])
	if rest == "" {
		return &PathTruthy{Path: path, source: src}, nil
	}

	op, afterOp, ok := cutOperator(rest)
	if !ok {
		return nil, conditionError(expression, fmt.Sprintf("unsupported operator near %q", rest))
	}
	if afterOp != "" && strings.ContainsRune("=<>!", rune(afterOp[0])) {
		return nil, conditionError(expression, fmt.Sprintf("unsupported operator %q", string(op)+afterOp[:1]))
	}

	lit, err := parseLiteral(strings.TrimSpace(afterOp))
	if err != nil {
		return nil, conditionError(expression, err.Error())
	}
	return &Comparison{Path: path, Op: op, Literal: lit, source: src}, nil
}

// MustParse is Parse for conditions known to be valid; it panics otherwise.
func MustParse(expression string) Condition {
	c, err := Parse(expression)
	if err != nil {
		panic(err)
	}
	return c
}

func conditionError(expression, reason string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid condition %q: %s", expression, reason).
		WithDetails(map[string]any{"expression": expression})
}

func isPathByte(b byte) bool {
	return b == '.' || b == '[' || b == ']' || isNameRune(rune(b))
}

func cutOperator(s string) (Operator, string, bool) {
	for _, op := range []Operator{OpEq, OpNe, OpGte, OpLte, OpGt, OpLt} {
		if strings.HasPrefix(s, string(op)) {
			return op, s[len(op):], true
		}
	}
	return "", "", false
}

func parseLiteral(s string) (Literal, error) {
	if s == "" {
		return Literal{}, fmt.Errorf("missing literal after operator")
	}
	switch s {
	case "true":
		return Literal{Kind: LiteralBool, Bool: true}, nil
	case "false":
		return Literal{Kind: LiteralBool, Bool: false}, nil
	case "null":
		return Literal{Kind: LiteralNull}, nil
	}
	if q := s[0]; q == '"' || q == '\'' {
		if len(s) < 2 || s[len(s)-1] != q {
			return Literal{}, fmt.Errorf("unterminated string literal %s", s)
		}
		return Literal{Kind: LiteralString, Str: s[1 : len(s)-1]}, nil
	}
	if c := s[0]; c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9') {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return Literal{Kind: LiteralNumber, Num: n}, nil
		}
	}
	return Literal{}, fmt.Errorf("literal %q is not a quoted string, boolean, null or number", s)
}

// strictEqual compares a resolved value with a literal without type coercion,
// except that all Go numeric types compare by numeric value.
func strictEqual(val any, lit Literal) bool {
	switch lit.Kind {
	case LiteralNull:
		return val == nil
	case LiteralBool:
		b, ok := val.(bool)
		return ok && b == lit.Bool
	case LiteralString:
		s, ok := val.(string)
		return ok && s == lit.Str
	case LiteralNumber:
		n, ok := numeric(val)
		return ok && n == lit.Num
	}
	return false
}

// numeric converts Go number types (and json.Number) to float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToNumber coerces a value the way numeric comparisons see it: missing values
// and non-numeric strings become NaN, null becomes 0, booleans become 0 or 1.
func ToNumber(v any, found bool) float64 {
	if !found {
		return math.NaN()
	}
	if n, ok := numeric(v); ok {
		return n
	}
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

// Truthy reports whether a resolved value counts as true: nil, false, 0, NaN
// and "" are false, everything else is true.
func Truthy(v any) bool {
	if n, ok := numeric(v); ok {
		return n != 0 && !math.IsNaN(n)
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	return true
}
