package expressions

import (
	"sort"
	"sync"

	"github.com/rendis/artgen/pkg/schema"
)

// ScopeBuilder accumulates step outputs during a run and hands out
// snapshots for template substitution and condition evaluation.
//
//   - The pipeline context is frozen at construction.
//   - A global step output is recorded once; later writes are rejected.
//   - Per-asset outputs accumulate under {"assets": {asset_id: output}}.
//   - Aliases resolve to the output of the step that declared them.
type ScopeBuilder struct {
	mu       sync.RWMutex
	context  map[string]any
	steps    map[string]any    // step ID -> output
	aliases  map[string]string // alias -> step ID
	perAsset map[string]bool   // step IDs whose output is keyed by asset
}

// NewScopeBuilder creates a ScopeBuilder over a copy of the pipeline context.
func NewScopeBuilder(context map[string]any) *ScopeBuilder {
	ctx := deepCopyMap(context)
	if ctx == nil {
		ctx = map[string]any{}
	}
	return &ScopeBuilder{
		context:  ctx,
		steps:    make(map[string]any),
		aliases:  make(map[string]string),
		perAsset: make(map[string]bool),
	}
}

// SetStepOutput records the output of a global step.
func (sb *ScopeBuilder) SetStepOutput(stepID string, output any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already recorded", stepID).WithStep(stepID)
	}
	sb.steps[stepID] = schema.DeepCopy(output)
	return nil
}

// SetAssetOutput records one asset's output of a per-asset step.
func (sb *ScopeBuilder) SetAssetOutput(stepID, assetID string, output any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.perAsset[stepID] = true
	entry, _ := sb.steps[stepID].(map[string]any)
	if entry == nil {
		entry = map[string]any{"assets": map[string]any{}}
		sb.steps[stepID] = entry
	}
	byAsset := entry["assets"].(map[string]any)
	if _, exists := byAsset[assetID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output for asset %q already recorded", assetID).WithStep(stepID).WithAsset(assetID)
	}
	byAsset[assetID] = schema.DeepCopy(output)
	return nil
}

// MarkPerAsset registers stepID as per-asset even before any asset output
// exists, so an empty fan-out still reads as {"assets": {}}.
func (sb *ScopeBuilder) MarkPerAsset(stepID string) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.perAsset[stepID] = true
	if _, ok := sb.steps[stepID]; !ok {
		sb.steps[stepID] = map[string]any{"assets": map[string]any{}}
	}
}

// SetAlias makes alias resolve to stepID's output.
func (sb *ScopeBuilder) SetAlias(alias, stepID string) {
	if alias == "" || alias == stepID {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.aliases[alias] = stepID
}

// HasOutput reports whether stepID (or an alias) has a recorded output.
func (sb *ScopeBuilder) HasOutput(name string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if target, ok := sb.aliases[name]; ok {
		name = target
	}
	_, ok := sb.steps[name]
	return ok
}

// StepOutputs returns a deep copy of every recorded output, with aliases
// expanded to their own keys.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	out := deepCopyMap(sb.steps)
	for alias, target := range sb.aliases {
		if v, ok := out[target]; ok {
			if _, shadowed := out[alias]; !shadowed {
				out[alias] = schema.DeepCopy(v)
			}
		}
	}
	return out
}

// PerAssetSteps returns the names (step IDs and aliases) whose output is
// keyed by asset.
func (sb *ScopeBuilder) PerAssetSteps() map[string]bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	out := make(map[string]bool, len(sb.perAsset))
	for id := range sb.perAsset {
		out[id] = true
	}
	for alias, target := range sb.aliases {
		if sb.perAsset[target] {
			out[alias] = true
		}
	}
	return out
}

// Context returns a copy of the pipeline context.
func (sb *ScopeBuilder) Context() map[string]any {
	return deepCopyMap(sb.context)
}

// Build returns a template Scope for a global step.
func (sb *ScopeBuilder) Build() *Scope {
	return &Scope{Context: sb.context, Steps: sb.StepOutputs()}
}

// ForAsset returns a template Scope for one asset: per-asset outputs are
// narrowed to that asset and the asset record is exposed as {asset.*}.
func (sb *ScopeBuilder) ForAsset(asset schema.AssetRecord) *Scope {
	outputs := AssetAwareOutputs(sb.StepOutputs(), sb.PerAssetSteps(), asset.ID())
	return &Scope{Context: sb.context, Steps: outputs, Asset: map[string]any(asset.Clone())}
}

// ConditionScope returns the variables a condition sees: every step output
// plus the context under both "context" and "ctx".
func (sb *ScopeBuilder) ConditionScope() map[string]any {
	return BuildConditionScope(sb.context, sb.StepOutputs())
}

// BuildConditionScope merges step outputs with the pipeline context.
func BuildConditionScope(context map[string]any, outputs map[string]any) map[string]any {
	vars := make(map[string]any, len(outputs)+2)
	for k, v := range outputs {
		vars[k] = v
	}
	vars["context"] = context
	vars["ctx"] = context
	return vars
}

// Flatten returns vars plus, for every nested map, underscore-joined keys
// so asset.stats.power is also visible as asset_stats_power. Original keys
// win over generated ones.
func Flatten(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars)*2)
	for k, v := range vars {
		flattenInto(out, k, v, 0)
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

const maxFlattenDepth = 8

func flattenInto(out map[string]any, prefix string, v any, depth int) {
	m, ok := normalize(v).(map[string]any)
	if !ok || depth >= maxFlattenDepth {
		return
	}
	for k, child := range m {
		key := prefix + "_" + k
		if _, exists := out[key]; !exists {
			out[key] = child
		}
		flattenInto(out, key, child, depth+1)
	}
}

// lookupPath walks nested maps along path.
func lookupPath(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		m, ok := normalize(cur).(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return schema.DeepCopy(m).(map[string]any)
}
