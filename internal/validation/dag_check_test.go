package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/artgen/pkg/schema"
)

func graphSpec(steps ...schema.StepSpec) *schema.PipelineSpec {
	return &schema.PipelineSpec{Name: "p", Steps: steps}
}

func TestGraph_NoCycle_Linear(t *testing.T) {
	result := validateGraph(graphSpec(
		schema.StepSpec{ID: "a", Kind: "echo"},
		schema.StepSpec{ID: "b", Kind: "echo", Requires: []string{"a"}},
		schema.StepSpec{ID: "c", Kind: "echo", Requires: []string{"b"}},
	))
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestGraph_NoCycle_DiamondThroughAlias(t *testing.T) {
	result := validateGraph(graphSpec(
		schema.StepSpec{ID: "a", Kind: "echo", Alias: "root"},
		schema.StepSpec{ID: "b", Kind: "echo", Requires: []string{"root"}},
		schema.StepSpec{ID: "c", Kind: "echo", Requires: []string{"a"}},
		schema.StepSpec{ID: "d", Kind: "echo", Requires: []string{"b", "c"}},
	))
	assert.True(t, result.Valid())
}

func TestGraph_Cycle(t *testing.T) {
	result := validateGraph(graphSpec(
		schema.StepSpec{ID: "root", Kind: "echo"},
		schema.StepSpec{ID: "a", Kind: "echo", Requires: []string{"c"}},
		schema.StepSpec{ID: "b", Kind: "echo", Requires: []string{"a"}},
		schema.StepSpec{ID: "c", Kind: "echo", Requires: []string{"b"}},
	))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "[a b c]")
}

func TestGraph_NoRoots(t *testing.T) {
	result := validateGraph(graphSpec(
		schema.StepSpec{ID: "a", Kind: "echo", Requires: []string{"b"}},
		schema.StepSpec{ID: "b", Kind: "echo", Requires: []string{"a"}},
	))
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "no root steps")
}
