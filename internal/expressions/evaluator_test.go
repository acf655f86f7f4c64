package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return ev
}

// --- Minimal grammar through the evaluator ---

func TestEvaluator_CachesCompiledConditions(t *testing.T) {
	ev := newTestEvaluator(t)

	c1, err := ev.Compile("a == 1")
	require.NoError(t, err)
	c2, err := ev.Compile("a == 1")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, ev.Cached())
}

func TestEvaluator_CompileErrorNotCached(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Compile("a ===")
	require.Error(t, err)
	assert.Equal(t, 0, ev.Cached())
}

func TestEvaluator_Evaluate(t *testing.T) {
	ev := newTestEvaluator(t)

	ok, err := ev.Evaluate(context.Background(), "status == \"approved\"", map[string]any{"status": "approved"})
	require.NoError(t, err)
	assert.True(t, ok)
}

// --- CEL ---

func TestEvaluator_CEL(t *testing.T) {
	ev := newTestEvaluator(t)
	data := map[string]any{
		"amount": float64(150),
		"input":  map[string]any{"region": "eu"},
		"output": map[string]any{"approved": true},
		"tags":   []string{"vip"},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"cel: data.amount > 100", true},
		{"cel: data.amount > 100.0 && input.region == 'eu'", true},
		{"cel: output.approved", true},
		{"cel: 'vip' in data.tags", true},
		{"cel: input.region == 'us'", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ev.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_CELCompileError(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Compile("cel: data.amount >")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestEvaluator_CELNonBoolResult(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Evaluate(context.Background(), "cel: 1 + 2", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestEvaluator_CELMissingInputDefaults(t *testing.T) {
	ev := newTestEvaluator(t)

	got, err := ev.Evaluate(context.Background(), "cel: size(input) == 0", nil)
	require.NoError(t, err)
	assert.True(t, got)
}

// --- expr-lang ---

func TestEvaluator_Expr(t *testing.T) {
	ev := newTestEvaluator(t)
	data := map[string]any{
		"items":     []any{1, 2, 3},
		"threshold": 2,
	}

	got, err := ev.Evaluate(context.Background(), "expr: len(filter(items, # > threshold)) == 1", data)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = ev.Evaluate(context.Background(), "expr: missing ?? false", data)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluator_ExprCompileError(t *testing.T) {
	ev := newTestEvaluator(t)

	_, err := ev.Compile("expr: (a")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

// --- Concurrency ---

func TestEvaluator_ConcurrentCompile(t *testing.T) {
	ev := newTestEvaluator(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ev.Evaluate(context.Background(), "n >= 0", map[string]any{"n": 1})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ev.Cached())
}
