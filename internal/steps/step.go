// Package steps defines the plug-in contract for step kinds and the
// registry the executor dispatches through.
package steps

import (
	"context"

	"github.com/rendis/artgen/pkg/schema"
)

// StepExecutor runs one step kind. Implementations must be safe for
// concurrent use: per-asset steps call Execute from several goroutines.
type StepExecutor interface {
	Kind() string
	Execute(ctx context.Context, config map[string]any, ec ExecContext) (*StepResult, error)
}

// ConfigValidator is implemented by executors that can check a step's
// raw config before a run starts.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// Describer is implemented by executors that document themselves.
type Describer interface {
	Description() string
}

// ExecContext is what an executor knows about the invocation.
type ExecContext struct {
	RunID        string
	PipelineName string
	StepID       string
	StateDir     string
	Context      map[string]any
	// StepOutputs holds every completed step's output, per-asset steps
	// keyed as {"assets": {id: output}}.
	StepOutputs map[string]any
	Asset       schema.AssetRecord
	AssetIndex  int
	TotalAssets int
	Attempt     int
}

// StepResult is an executor's report.
type StepResult struct {
	Success     bool     `json:"success"`
	Output      any      `json:"output,omitempty"`
	Candidates  []any    `json:"candidates,omitempty"`
	OutputFiles []string `json:"output_files,omitempty"`
	Error       string   `json:"error,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
	CostUSD     float64  `json:"cost_usd,omitempty"`
}

// Info summarizes a registered kind for listings.
type Info struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// Config keys injected by the executor before dispatch.
const (
	KeyStepID     = "_step_id"
	KeyVariations = "_variations"
)

// Variations reads the injected variation count, defaulting to 1.
func Variations(config map[string]any) int {
	switch v := config[KeyVariations].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return 1
}

// UserConfig returns config without the executor-injected keys.
func UserConfig(config map[string]any) map[string]any {
	out := make(map[string]any, len(config))
	for k, v := range config {
		if k == KeyStepID || k == KeyVariations {
			continue
		}
		out[k] = v
	}
	return out
}
