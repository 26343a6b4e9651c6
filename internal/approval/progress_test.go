package approval

import (
	"testing"

	"github.com/rendis/artgen/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestProgress_Percent(t *testing.T) {
	cases := []struct {
		name string
		p    Progress
		want int
	}{
		{"no steps", Progress{Phase: schema.PhaseRunning}, 0},
		{"complete", Progress{Phase: schema.PhaseComplete, TotalSteps: 4, CompletedSteps: 1}, 100},
		{"failed", Progress{Phase: schema.PhaseFailed, TotalSteps: 4, CompletedSteps: 3}, 0},
		{"steps only", Progress{Phase: schema.PhaseRunning, TotalSteps: 4, CompletedSteps: 1}, 25},
		{"assets pending", Progress{Phase: schema.PhaseRunning, TotalSteps: 4, CompletedSteps: 2, TotalAssets: 10}, 50},
		{"weighted", Progress{Phase: schema.PhaseRunning, TotalSteps: 2, CompletedSteps: 1, TotalAssets: 4, CompletedAssets: 2}, 50},
		{"weighted uneven", Progress{Phase: schema.PhaseRunning, TotalSteps: 4, CompletedSteps: 1, TotalAssets: 10, CompletedAssets: 5}, 32},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.p.Percent())
		})
	}
}

func TestBridge_ProgressTracking(t *testing.T) {
	b := NewBridge(Config{})
	spec := &schema.PipelineSpec{
		Name: "cards",
		Steps: []schema.StepSpec{
			{ID: "concept", Kind: "echo"},
			{ID: "render", Kind: "echo", ForEach: "asset"},
		},
	}
	b.Begin("run-1", spec)

	p := b.Progress()
	assert.Equal(t, schema.PhaseValidating, p.Phase)
	assert.Equal(t, 2, p.TotalSteps)
	assert.NotNil(t, p.StartedAt)
	assert.Equal(t, schema.StepStatusPending, p.Steps[1].Status)

	b.SetPhase(schema.PhaseRunning, "go")
	b.StepStarted("concept", "echo")
	assert.Equal(t, schema.StepStatusRunning, b.Progress().Steps[0].Status)
	b.StepFinished("concept", schema.StepStatusComplete)

	b.UpdateProgress(func(p *Progress) { p.TotalAssets = 2 })
	b.StepStarted("render", "echo")
	b.AssetFinished("archer")
	b.AddError("mage failed")

	p = b.Progress()
	assert.Equal(t, 1, p.CompletedSteps)
	assert.Equal(t, 1, p.CompletedAssets)
	assert.Equal(t, "render", p.CurrentStep)
	assert.Equal(t, []string{"mage failed"}, p.Errors)
	assert.Equal(t, 50, p.PercentDone)
	assert.Equal(t, "go", p.Message)

	// snapshots are independent copies
	p.Errors[0] = "changed"
	assert.Equal(t, "mage failed", b.Progress().Errors[0])
}

func TestBridge_GeneratingHandles(t *testing.T) {
	b := NewBridge(Config{})
	h1 := b.StartGenerating("render", "archer")
	h2 := b.StartGenerating("render", "mage")
	assert.NotEqual(t, h1, h2)
	assert.Len(t, b.Progress().Generating, 2)

	b.StopGenerating(h1)
	gen := b.Progress().Generating
	assert.Len(t, gen, 1)
	assert.Equal(t, "mage", gen[0].AssetID)

	b.StopGenerating("unknown")
	b.StopGenerating(h2)
	assert.Empty(t, b.Progress().Generating)
}
