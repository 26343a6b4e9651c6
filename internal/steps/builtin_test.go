package steps

import (
	"context"
	"testing"

	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtin(t *testing.T, kind string) StepExecutor {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	e, err := reg.Get(kind)
	require.NoError(t, err)
	return e
}

func TestEcho(t *testing.T) {
	e := builtin(t, "echo")
	res, err := e.Execute(context.Background(), map[string]any{KeyStepID: "s", "content": "hi"}, ExecContext{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"content": "hi"}, res.Output)
	assert.Empty(t, res.Candidates)

	res, err = e.Execute(context.Background(), map[string]any{KeyVariations: 3, "content": "hi"}, ExecContext{})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, 2, res.Candidates[2].(map[string]any)["variation"])

	res, err = e.Execute(context.Background(), map[string]any{
		KeyVariations: 2,
		"candidates":   []any{"a.png", "b.png"},
	}, ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a.png", "b.png"}, res.Candidates)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Execute(ctx, nil, ExecContext{})
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
}

func TestJQ(t *testing.T) {
	e := builtin(t, "jq")
	ec := ExecContext{StepOutputs: map[string]any{
		"concept": map[string]any{"items": []any{map[string]any{"name": "Archer"}, map[string]any{"name": "Mage"}}},
	}}

	res, err := e.Execute(context.Background(), map[string]any{"query": "[.concept.items[].name]"}, ec)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": []any{"Archer", "Mage"}}, res.Output)

	res, err = e.Execute(context.Background(), map[string]any{"query": ".a + 1", "input": map[string]any{"a": 1}}, ec)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Output.(map[string]any)["content"])

	v := e.(ConfigValidator)
	assert.Error(t, v.ValidateConfig(map[string]any{}))
	assert.Error(t, v.ValidateConfig(map[string]any{"query": ".[bad"}))
}

func TestExpr(t *testing.T) {
	e := builtin(t, "expr")
	ec := ExecContext{
		Context:     map[string]any{"rarity": "rare"},
		StepOutputs: map[string]any{"stats": map[string]any{"power": 4}},
		Asset:       schema.AssetRecord{"id": "archer", "cost": 3},
	}

	res, err := e.Execute(context.Background(), map[string]any{
		"expression": "stats.power + asset.cost if ctx.rarity == 'rare' else 0",
	}, ec)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Output.(map[string]any)["result"])

	_, err = e.Execute(context.Background(), map[string]any{"expression": "nope + 1"}, ec)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
	assert.Error(t, e.(ConfigValidator).ValidateConfig(map[string]any{"expression": "1 +"}))
}

func TestUserSelect(t *testing.T) {
	e := builtin(t, "user_select")
	ec := ExecContext{StepOutputs: map[string]any{
		"sketches": map[string]any{"candidates": []any{"a.png", "b.png"}},
		"empty":    map[string]any{"content": "no list"},
	}}

	res, err := e.Execute(context.Background(), map[string]any{"options_from": "sketches"}, ec)
	require.NoError(t, err)
	assert.Equal(t, []any{"a.png", "b.png"}, res.Candidates)

	res, err = e.Execute(context.Background(), map[string]any{"options": []string{"x", "y", "z"}}, ec)
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 3)

	res, err = e.Execute(context.Background(), map[string]any{"options_from": "empty"}, ec)
	require.NoError(t, err)
	assert.False(t, res.Success)

	_, err = e.Execute(context.Background(), map[string]any{"options_from": "missing"}, ec)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))

	_, err = e.Execute(context.Background(), map[string]any{}, ec)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCollect(t *testing.T) {
	e := builtin(t, "collect")
	ec := ExecContext{StepOutputs: map[string]any{
		"render": map[string]any{"assets": map[string]any{
			"mage":   map[string]any{"path": "mage.png"},
			"archer": map[string]any{"path": "archer.png"},
		}},
		"concept": map[string]any{"content": "global"},
	}}

	res, err := e.Execute(context.Background(), map[string]any{"from": "render", "field": "path"}, ec)
	require.NoError(t, err)
	out := res.Output.(map[string]any)
	assert.Equal(t, []any{"archer.png", "mage.png"}, out["items"])
	assert.Equal(t, []string{"archer", "mage"}, out["ids"])
	assert.Equal(t, 2, out["count"])

	_, err = e.Execute(context.Background(), map[string]any{"from": "concept"}, ec)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}
