package validation

import "github.com/rendis/artgen/pkg/schema"

// Validator checks pipeline specs for correctness before execution.
// collections lists the names of asset collections loaded for the run.
type Validator interface {
	Validate(spec *schema.PipelineSpec, collections []string) *schema.ValidationResult
	ValidateSpec(spec *schema.PipelineSpec, collections []string) error
}

// KindLookup reports whether a step kind has a registered executor.
type KindLookup interface {
	Has(kind string) bool
}
