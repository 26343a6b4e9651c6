package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQ_ExtractsAssetList(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"content": "ignored",
		"cards": []any{
			map[string]any{"name": "Archer", "power": 3},
			map[string]any{"name": "Mage", "power": 5},
		},
	}

	out, err := e.Evaluate(context.Background(), `.cards | map({id: (.name | ascii_downcase), power})`, data)
	require.NoError(t, err)

	list, ok := out.([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "archer", list[0].(map[string]any)["id"])
	assert.Equal(t, 5.0, list[1].(map[string]any)["power"])
}

func TestGoJQ_NonObjectInput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `length`, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestGoJQ_AssetRecordInput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.id`, schema.AssetRecord{"id": "card-0"})
	require.NoError(t, err)
	assert.Equal(t, "card-0", out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"items": []any{"a", "b"}}

	out, err := e.Evaluate(context.Background(), `.items[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	all, err := e.EvaluateAll(context.Background(), `.missing[]?`, data)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))

	_, err = e.Evaluate(context.Background(), `.[invalid`, nil)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
	assert.Error(t, e.Compile(`.[invalid`))

	_, err = e.Evaluate(context.Background(), `.name[]`, map[string]any{"name": "x"})
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `$ENV`, map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGoJQ_CachingConcurrent(t *testing.T) {
	e := NewGoJQEngine()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), `.n + 1`, map[string]any{"n": n})
			if err != nil {
				t.Errorf("evaluate: %v", err)
				return
			}
			if out != float64(n+1) {
				t.Errorf("got %v, want %d", out, n+1)
			}
		}(i)
	}
	wg.Wait()

	programs := 0
	e.programs.Range(func(any, any) bool { programs++; return true })
	assert.Equal(t, 1, programs)
}

func TestJQValue(t *testing.T) {
	type stats struct {
		Power int    `json:"power"`
		Class string `json:"class"`
	}
	got, err := jqValue(map[string]any{
		"int_val":   42,
		"int64_val": int64(100),
		"nested":    map[string]any{"count": 5},
		"tags":      []string{"x"},
		"stats":     stats{Power: 7, Class: "caster"},
	})
	require.NoError(t, err)
	result := got.(map[string]any)

	assert.Equal(t, 42.0, result["int_val"])
	assert.Equal(t, 100.0, result["int64_val"])
	assert.Equal(t, 5.0, result["nested"].(map[string]any)["count"])
	assert.Equal(t, []any{"x"}, result["tags"])
	assert.Equal(t, map[string]any{"power": 7.0, "class": "caster"}, result["stats"])

	v, err := jqValue(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = jqValue(map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}
