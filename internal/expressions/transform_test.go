package expressions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// --- Transforms ---

func TestTransformer_Apply(t *testing.T) {
	tr := NewTransformer()
	input := map[string]any{
		"msg":   "hi",
		"order": map[string]any{"items": []any{map[string]any{"sku": "A1"}}},
		"nums":  []any{1, 2, 3},
	}

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"path", "$.msg", "hi"},
		{"indexed path", "$.order.items[0].sku", "A1"},
		{"missing path", "$.nope", nil},
		{"whole input", "$", input},
		{"identity", "uppercase(msg)", input},
		{"jq", "jq: .nums | map(. * 2)", []any{2, 4, 6}},
		{"jq multiple outputs", "jq: .nums[]", []any{1, 2, 3}},
		{"expr", "expr: msg + '!'", "hi!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tr.Apply(context.Background(), tt.expr, input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransformer_ApplyCopiesSelection(t *testing.T) {
	tr := NewTransformer()
	input := map[string]any{"order": map[string]any{"id": "o1"}}

	got, err := tr.Apply(context.Background(), "$.order", input)
	require.NoError(t, err)
	got.(map[string]any)["id"] = "changed"

	assert.Equal(t, "o1", input["order"].(map[string]any)["id"])
}

func TestTransformer_JQRuntimeError(t *testing.T) {
	tr := NewTransformer()

	_, err := tr.Apply(context.Background(), `jq: error("boom")`, map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestTransformer_JQNormalizesGoTypes(t *testing.T) {
	tr := NewTransformer()
	input := map[string]any{
		"count": int64(4),
		"tags":  []string{"a", "b"},
		"at":    time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	got, err := tr.Apply(context.Background(), "jq: {c: (.count + 1), t: (.tags | length), at: .at}", input)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": float64(5), "t": 2, "at": "2026-01-02T00:00:00Z"}, got)
}

func TestTransformer_Compile(t *testing.T) {
	tr := NewTransformer()

	assert.NoError(t, tr.Compile("$.a.b[0]"))
	assert.NoError(t, tr.Compile("anything goes"))
	assert.NoError(t, tr.Compile("jq: .a"))
	assert.NoError(t, tr.Compile("expr: a + 1"))

	assert.Error(t, tr.Compile("$.a..b"))
	assert.Error(t, tr.Compile("jq: .a |"))
	assert.Error(t, tr.Compile("expr: a +"))
}

// --- Data references ---

func TestResolveMapping(t *testing.T) {
	input := map[string]any{"user": map[string]any{"name": "ada"}, "n": 2}
	results := map[string]*schema.WorkflowStepResult{
		"fetch": {StepID: "fetch", Status: schema.StepStatusCompleted, Output: map[string]any{
			"items": []any{"x", "y"},
		}},
		"scalar": {StepID: "scalar", Status: schema.StepStatusCompleted, Output: "plain"},
	}

	mapping := map[string]schema.InputValue{
		"name":      schema.Ref("input", "user.name"),
		"all":       schema.Ref("input", ""),
		"second":    schema.Ref("fetch", "items[1]"),
		"whole":     schema.Ref("scalar", ""),
		"lost":      schema.Ref("fetch", "nothing.here"),
		"ghost":     schema.Ref("never-ran", "x"),
		"verbatim":  schema.Literal("$.not.a.ref"),
		"structure": schema.Literal(map[string]any{"k": "v"}),
	}

	got := ResolveMapping(mapping, results, input)

	assert.Equal(t, "ada", got["name"])
	assert.Equal(t, input, got["all"])
	assert.Equal(t, "y", got["second"])
	assert.Equal(t, "plain", got["whole"])
	assert.Equal(t, "$.not.a.ref", got["verbatim"])
	assert.Equal(t, map[string]any{"k": "v"}, got["structure"])

	_, hasLost := got["lost"]
	_, hasGhost := got["ghost"]
	assert.False(t, hasLost)
	assert.False(t, hasGhost)
}

func TestResolveMapping_ResultsAreCopies(t *testing.T) {
	input := map[string]any{"cfg": map[string]any{"v": 1}}
	got := ResolveMapping(map[string]schema.InputValue{"cfg": schema.Ref("input", "cfg")}, nil, input)

	got["cfg"].(map[string]any)["v"] = 2
	assert.Equal(t, 1, input["cfg"].(map[string]any)["v"])
}

func TestResolveRef_NilInput(t *testing.T) {
	_, ok := ResolveRef(schema.DataRef{StepID: "input", Path: "a"}, nil, nil)
	assert.False(t, ok)
}

// --- Paths ---

func TestPath_Lookup(t *testing.T) {
	type payload struct{ Name string }
	root := map[string]any{
		"list":    []map[string]any{{"id": 1}},
		"strs":    []string{"a", "b"},
		"labels":  map[string]string{"env": "prod"},
		"typed":   map[string]int{"n": 3},
		"structs": []payload{{Name: "p"}},
	}

	v, ok := ResolvePath(root, "list[0].id")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = ResolvePath(root, "strs.1")
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	v, ok = ResolvePath(root, "labels.env")
	assert.True(t, ok)
	assert.Equal(t, "prod", v)

	v, ok = ResolvePath(root, "typed.n")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	v, ok = ResolvePath(root, "structs[0]")
	assert.True(t, ok)
	assert.Equal(t, payload{Name: "p"}, v)

	_, ok = ResolvePath(root, "structs[0].Name")
	assert.False(t, ok, "struct fields are not addressable by path")

	_, ok = ResolvePath(root, "strs[9]")
	assert.False(t, ok)

	_, ok = ResolvePath(root, "bad..path")
	assert.False(t, ok)

	v, ok = ResolvePath(root, "")
	assert.True(t, ok)
	assert.Equal(t, root, v)
}
