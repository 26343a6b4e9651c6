package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/rendis/artgen/internal/expressions"
	"github.com/rendis/artgen/pkg/schema"
)

// maxVariations is the variation count above which a warning is raised.
const maxVariations = 10

// extractQueries compiles creates/extract jq programs for syntax checks.
var extractQueries = expressions.NewGoJQEngine()

// validateSemantic checks what the JSON Schema cannot: registered kinds,
// requires and template references, alias collisions, collection bindings,
// condition syntax and durations.
func validateSemantic(spec *schema.PipelineSpec, collections []string, kinds KindLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := spec.StepNames()
	creators := spec.Creators()
	loaded := make(map[string]bool, len(collections))
	for _, c := range collections {
		loaded[schema.CollectionName(c)] = true
	}
	perAsset := make(map[string]bool, len(spec.Steps))
	for _, s := range spec.Steps {
		if s.PerAsset() {
			perAsset[s.ID] = true
		}
	}

	validateAliases(spec, result)

	for i := range spec.Steps {
		step := &spec.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if kinds != nil && !kinds.Has(step.Kind) {
			result.AddError(path+".kind", schema.ErrCodeConfiguration,
				fmt.Sprintf("step kind %q not registered", step.Kind))
		}
		if !step.Cache.Valid() {
			result.AddError(path+".cache", schema.ErrCodeValidation,
				fmt.Sprintf("unknown cache policy %q", step.Cache))
		}
		if !step.Approval.Valid() {
			result.AddError(path+".approval", schema.ErrCodeValidation,
				fmt.Sprintf("unknown approval mode %q", step.Approval))
		}

		for j, req := range step.Requires {
			target, ok := names[req]
			switch {
			case !ok:
				result.AddError(fmt.Sprintf("%s.requires[%d]", path, j), schema.ErrCodeConfiguration,
					fmt.Sprintf("references non-existent step %q", req))
			case target == step.ID:
				result.AddError(fmt.Sprintf("%s.requires[%d]", path, j), schema.ErrCodeCycleDetected,
					fmt.Sprintf("step %q requires itself", step.ID))
			}
		}

		validateReferences(spec, step, path, names, perAsset, result)
		validateCollection(step, path, loaded, creators, result)
		validateCondition(step, path, result)
		validateLimits(step, path, result)
		validateDurations(step, path, result)
	}

	return result
}

func validateAliases(spec *schema.PipelineSpec, result *schema.ValidationResult) {
	ids := make(map[string]bool, len(spec.Steps))
	for _, s := range spec.Steps {
		ids[s.ID] = true
	}
	owner := make(map[string]string)
	for i, s := range spec.Steps {
		if s.Alias == "" || s.Alias == s.ID {
			continue
		}
		path := fmt.Sprintf("steps[%d].alias", i)
		switch {
		case expressions.Reserved(s.Alias):
			result.AddError(path, schema.ErrCodeConfiguration,
				fmt.Sprintf("alias %q is a reserved namespace", s.Alias))
		case ids[s.Alias]:
			result.AddError(path, schema.ErrCodeConfiguration,
				fmt.Sprintf("alias %q shadows a step id", s.Alias))
		case owner[s.Alias] != "":
			result.AddError(path, schema.ErrCodeConfiguration,
				fmt.Sprintf("alias %q already declared by step %q", s.Alias, owner[s.Alias]))
		default:
			owner[s.Alias] = s.ID
		}
	}
}

// validateReferences checks {namespace.field} tokens in the step config.
// Context keys that are absent only warn: the context may be extended by
// the caller at run time.
func validateReferences(spec *schema.PipelineSpec, step *schema.StepSpec, path string, names map[string]string, perAsset map[string]bool, result *schema.ValidationResult) {
	for _, ref := range expressions.References(step.Config) {
		switch ref.Namespace {
		case expressions.NamespaceContext, expressions.NamespaceCtx:
			if len(ref.Path) > 0 {
				if _, ok := spec.Context[ref.Path[0]]; !ok {
					result.AddWarning(path+".config", schema.ErrCodeTemplate,
						fmt.Sprintf("references unknown context key %q", ref.Path[0]))
				}
			}
		case expressions.NamespaceAsset:
			if !step.PerAsset() {
				result.AddWarning(path+".config", schema.ErrCodeTemplate,
					fmt.Sprintf("global step references %s, which renders empty", ref.Token))
			}
		default:
			target, ok := names[ref.Namespace]
			if !ok {
				if len(ref.Path) > 0 {
					result.AddError(path+".config", schema.ErrCodeConfiguration,
						fmt.Sprintf("template %s references unknown step %q", ref.Token, ref.Namespace))
				}
				continue
			}
			if target == step.ID {
				result.AddError(path+".config", schema.ErrCodeCycleDetected,
					fmt.Sprintf("template %s references the step itself", ref.Token))
				continue
			}
			if perAsset[target] && !step.PerAsset() && step.Kind != "collect" {
				result.AddWarning(path+".config", schema.ErrCodeTemplate,
					fmt.Sprintf("global step reads per-asset output of %q keyed by asset id; use a collect step to gather it", target))
			}
		}
	}
}

func validateCollection(step *schema.StepSpec, path string, loaded map[string]bool, creators map[string]string, result *schema.ValidationResult) {
	if step.PerAsset() {
		name := step.Collection()
		if !loaded[name] && creators[name] == "" {
			result.AddWarning(path+".for_each", schema.ErrCodeConfiguration,
				fmt.Sprintf("collection %q is neither loaded nor created by a step; the step will process no assets", name))
		}
		if creators[name] == step.ID {
			result.AddError(path+".for_each", schema.ErrCodeCycleDetected,
				fmt.Sprintf("step iterates the collection %q it creates", name))
		}
	}
	if step.Extract == "" {
		return
	}
	if step.Creates == "" {
		result.AddWarning(path+".extract", schema.ErrCodeConfiguration, "extract is ignored without creates")
	}
	if err := extractQueries.Compile(step.Extract); err != nil {
		result.AddError(path+".extract", schema.ErrCodeExpression, err.Error())
	}
}

func validateCondition(step *schema.StepSpec, path string, result *schema.ValidationResult) {
	if step.Condition == "" {
		return
	}
	if _, err := expressions.Parse(step.Condition); err != nil {
		result.AddError(path+".condition", schema.ErrCodeExpression, err.Error())
	}
}

func validateLimits(step *schema.StepSpec, path string, result *schema.ValidationResult) {
	if step.Variations > maxVariations {
		result.AddWarning(path+".variations", schema.ErrCodeValidation,
			fmt.Sprintf("high variations (%d)", step.Variations))
	}
	if step.Approval == schema.ApprovalUserSelect && step.Variations <= 1 && step.Kind != "user_select" {
		result.AddWarning(path+".approval", schema.ErrCodeValidation,
			"user_select approval without variations presents a single candidate")
	}
	if step.Approval != schema.ApprovalUntilApproved && step.MaxAttempts > 0 {
		result.AddWarning(path+".max_attempts", schema.ErrCodeValidation,
			"max_attempts only applies to until_approved steps")
	}
	if step.Retry != nil {
		if step.Retry.MaxAttempts > 10 {
			result.AddWarning(path+".retry.max_attempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.MaxAttempts))
		}
		for j, code := range step.Retry.RetryOn {
			if !retryableCodes[code] {
				result.AddError(fmt.Sprintf("%s.retry.retry_on[%d]", path, j), schema.ErrCodeValidation,
					fmt.Sprintf("%q is not a retryable error code (one of %v)", code, sortedCodes()))
			}
		}
	}
}

func validateDurations(step *schema.StepSpec, path string, result *schema.ValidationResult) {
	check := func(field, v string) {
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			result.AddError(path+"."+field, schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", v))
		}
	}
	check("timeout", step.Timeout)
	if step.Retry != nil {
		check("retry.delay", step.Retry.Delay)
		check("retry.max_delay", step.Retry.MaxDelay)
	}
}

var retryableCodes = map[string]bool{
	schema.ErrCodeExecution:   true,
	schema.ErrCodeProvider:    true,
	schema.ErrCodeRateLimited: true,
	schema.ErrCodeTimeout:     true,
}

func sortedCodes() []string {
	out := make([]string, 0, len(retryableCodes))
	for c := range retryableCodes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
