package approval

import (
	"time"

	"github.com/google/uuid"

	"github.com/rendis/artgen/pkg/schema"
)

// StepInfo describes a pipeline step for progress displays.
type StepInfo struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Description string            `json:"description,omitempty"`
	ForEach     string            `json:"for_each,omitempty"`
	Status      schema.StepStatus `json:"status"`
}

// Generating marks one in-flight step invocation. It lives only while
// the executor is working and is never persisted.
type Generating struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id"`
	AssetID   string    `json:"asset_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Progress is a snapshot of a run as shown to observers.
type Progress struct {
	Phase               schema.RunPhase `json:"phase"`
	RunID               string          `json:"run_id,omitempty"`
	PipelineName        string          `json:"pipeline_name"`
	PipelineDescription string          `json:"pipeline_description,omitempty"`
	TotalSteps          int             `json:"total_steps"`
	CompletedSteps      int             `json:"completed_steps"`
	CurrentStep         string          `json:"current_step,omitempty"`
	CurrentStepKind     string          `json:"current_step_kind,omitempty"`
	CurrentStepPrompt   string          `json:"current_step_prompt,omitempty"`
	TotalAssets         int             `json:"total_assets"`
	CompletedAssets     int             `json:"completed_assets"`
	CurrentAsset        string          `json:"current_asset,omitempty"`
	Message             string          `json:"message,omitempty"`
	Errors              []string        `json:"errors,omitempty"`
	CostUSD             float64         `json:"cost_usd"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	Steps               []StepInfo      `json:"steps,omitempty"`
	Generating          []Generating    `json:"generating,omitempty"`
	PercentDone         int             `json:"percent"`
}

// Percent weights step completion at 70% and asset completion at
// 30% once any asset has finished.
func (p *Progress) Percent() int {
	switch {
	case p.Phase == schema.PhaseComplete:
		return 100
	case p.Phase == schema.PhaseFailed:
		return 0
	case p.TotalSteps == 0:
		return 0
	}
	steps := float64(p.CompletedSteps) / float64(p.TotalSteps)
	if p.TotalAssets > 0 && p.CompletedAssets > 0 {
		assets := float64(p.CompletedAssets) / float64(p.TotalAssets)
		return int((steps*0.7 + assets*0.3) * 100)
	}
	return int(steps * 100)
}

func (p Progress) clone() Progress {
	out := p
	out.Errors = append([]string(nil), p.Errors...)
	out.Steps = append([]StepInfo(nil), p.Steps...)
	out.Generating = append([]Generating(nil), p.Generating...)
	if p.StartedAt != nil {
		t := *p.StartedAt
		out.StartedAt = &t
	}
	out.PercentDone = p.Percent()
	return out
}

// Begin resets progress for a new run of spec.
func (b *Bridge) Begin(runID string, spec *schema.PipelineSpec) {
	now := time.Now().UTC()
	steps := make([]StepInfo, 0, len(spec.Steps))
	for _, st := range spec.Steps {
		steps = append(steps, StepInfo{
			ID:          st.ID,
			Kind:        st.Kind,
			Description: st.Description,
			ForEach:     st.ForEach,
			Status:      schema.StepStatusPending,
		})
	}
	b.UpdateProgress(func(p *Progress) {
		*p = Progress{
			Phase:               schema.PhaseValidating,
			RunID:               runID,
			PipelineName:        spec.Name,
			PipelineDescription: spec.Description,
			TotalSteps:          len(spec.Steps),
			StartedAt:           &now,
			Steps:               steps,
		}
	})
}

// StartGenerating records an in-flight invocation and returns its handle.
func (b *Bridge) StartGenerating(stepID, assetID string) string {
	h := Generating{
		ID:        uuid.New().String(),
		StepID:    stepID,
		AssetID:   assetID,
		StartedAt: time.Now().UTC(),
	}
	b.UpdateProgress(func(p *Progress) {
		p.Generating = append(p.Generating, h)
	})
	return h.ID
}

// StopGenerating drops the handle returned by StartGenerating.
func (b *Bridge) StopGenerating(id string) {
	b.UpdateProgress(func(p *Progress) {
		for i, h := range p.Generating {
			if h.ID == id {
				p.Generating = append(p.Generating[:i], p.Generating[i+1:]...)
				return
			}
		}
	})
}
