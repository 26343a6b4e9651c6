package validation

import "github.com/rendis/artgen/pkg/schema"

// PipelineValidator runs the three validation stages:
//  1. Structural (JSON Schema)
//  2. Semantic (kinds, references, aliases, conditions, durations)
//  3. Graph (explicit requires cycles, roots)
type PipelineValidator struct {
	jsonSchema *JSONSchemaValidator
	kinds      KindLookup
}

// NewPipelineValidator creates a PipelineValidator. kinds may be nil to
// skip step kind checks.
func NewPipelineValidator(kinds KindLookup) (*PipelineValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PipelineValidator{jsonSchema: jsv, kinds: kinds}, nil
}

// Validate runs every stage and aggregates the result. Structural errors
// short-circuit the later stages.
func (pv *PipelineValidator) Validate(spec *schema.PipelineSpec, collections []string) *schema.ValidationResult {
	if spec == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "pipeline spec is nil")
		return r
	}

	result := validateStructural(pv.jsonSchema, spec)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(spec, collections, pv.kinds))

	if result.Valid() {
		result.Merge(validateGraph(spec))
	}
	return result
}

// ValidateSpec satisfies the Validator interface.
func (pv *PipelineValidator) ValidateSpec(spec *schema.PipelineSpec, collections []string) error {
	return pv.Validate(spec, collections).ToError()
}

func validateStructural(v *JSONSchemaValidator, spec *schema.PipelineSpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateSpec(spec)
	if err == nil {
		return result
	}

	pe, ok := err.(*schema.PipelineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := pe.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, pe.Message)
	return result
}
