package steps

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stub(kind string) StepExecutor {
	return Func(kind, func(context.Context, map[string]any, ExecContext) (*StepResult, error) {
		return &StepResult{Success: true, Output: kind}, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(stub("generate_text")))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("generate_text"))

	err := reg.Register(stub("generate_text"))
	var pe *schema.PipelineError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, schema.ErrCodeConflict, pe.Code)

	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(reg.Register(nil)))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(reg.Register(stub(""))))
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("render_image")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	reg.MustRegister(stub("alpha"))

	assert.Equal(t, []string{"alpha", "collect", "echo", "expr", "http", "jq", "shell", "user_select"}, reg.Kinds())
	infos := reg.List()
	assert.Empty(t, infos[0].Description)
	assert.NotEmpty(t, infos[1].Description)

	assert.Panics(t, func() { reg.MustRegister(stub("alpha")) })
}

func TestRegistry_Concurrent(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = reg.Register(stub(string(rune('a' + n))))
		}(i)
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Count())
}

func TestVariationsAndUserConfig(t *testing.T) {
	assert.Equal(t, 1, Variations(nil))
	assert.Equal(t, 3, Variations(map[string]any{KeyVariations: 3}))
	assert.Equal(t, 2, Variations(map[string]any{KeyVariations: 2.0}))
	assert.Equal(t, 1, Variations(map[string]any{KeyVariations: 0}))

	cfg := UserConfig(map[string]any{KeyStepID: "s", KeyVariations: 2, "prompt": "p"})
	assert.Equal(t, map[string]any{"prompt": "p"}, cfg)
}
