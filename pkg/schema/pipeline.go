package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultCollection is the collection bound by for_each: asset (or item).
const DefaultCollection = "assets"

// PipelineSpec is an already-parsed pipeline definition.
type PipelineSpec struct {
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Context     map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	StateDir    string         `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`
	Steps       []StepSpec     `json:"steps" yaml:"steps"`
}

// StepSpec describes a single step in a pipeline.
type StepSpec struct {
	ID               string           `json:"id" yaml:"id"`
	Kind             string           `json:"kind" yaml:"kind"`
	Description      string           `json:"description,omitempty" yaml:"description,omitempty"`
	Requires         []string         `json:"requires,omitempty" yaml:"requires,omitempty"`
	ForEach          string           `json:"for_each,omitempty" yaml:"for_each,omitempty"`
	Condition        string           `json:"condition,omitempty" yaml:"condition,omitempty"`
	Cache            CachePolicy      `json:"cache,omitempty" yaml:"cache,omitempty"`
	Variations       int              `json:"variations,omitempty" yaml:"variations,omitempty"`
	Approval         ApprovalMode     `json:"approval,omitempty" yaml:"approval,omitempty"`
	MaxAttempts      int              `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	MaxRegenerations int              `json:"max_regenerations,omitempty" yaml:"max_regenerations,omitempty"`
	Creates          string           `json:"creates,omitempty" yaml:"creates,omitempty"`
	Extract          string           `json:"extract,omitempty" yaml:"extract,omitempty"`
	Alias            string           `json:"alias,omitempty" yaml:"alias,omitempty"`
	Provider         string           `json:"provider,omitempty" yaml:"provider,omitempty"`
	Retry            *RetryPolicySpec `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout          string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Config           map[string]any   `json:"config,omitempty" yaml:"config,omitempty"`
}

// RetryPolicySpec is the serializable retry override for a step.
// Durations use Go syntax ("500ms", "2s").
type RetryPolicySpec struct {
	MaxAttempts int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Delay       string   `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay    string   `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier  float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter      *bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RetryOn     []string `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
}

// CachePolicy controls checkpoint reuse for a step.
type CachePolicy string

const (
	CacheDefault      CachePolicy = ""
	CacheOff          CachePolicy = "off"
	CacheOn           CachePolicy = "on"
	CacheSkipExisting CachePolicy = "skip_existing"
)

// Valid reports whether p is a known policy (the empty default included).
func (p CachePolicy) Valid() bool {
	switch p {
	case CacheDefault, CacheOff, CacheOn, CacheSkipExisting:
		return true
	}
	return false
}

// ApprovalMode controls whether a step waits for a human decision.
type ApprovalMode string

const (
	ApprovalNone          ApprovalMode = "none"
	ApprovalUntilApproved ApprovalMode = "until_approved"
	ApprovalUserSelect    ApprovalMode = "user_select"
)

// Valid reports whether m is a known mode (empty means none).
func (m ApprovalMode) Valid() bool {
	switch m {
	case "", ApprovalNone, ApprovalUntilApproved, ApprovalUserSelect:
		return true
	}
	return false
}

// PerAsset reports whether the step fans out over a collection.
func (s *StepSpec) PerAsset() bool {
	return s.ForEach != ""
}

// Collection returns the name of the collection the step iterates.
func (s *StepSpec) Collection() string {
	return CollectionName(s.ForEach)
}

// CollectionName normalizes a for_each or creates value: asset, item and
// their plurals all name the default collection.
func CollectionName(v string) string {
	switch v {
	case "asset", "item", "assets", "items":
		return DefaultCollection
	default:
		return v
	}
}

// EffectiveCache applies the smart default: skip_existing for per-asset
// steps, on for global steps.
func (s *StepSpec) EffectiveCache() CachePolicy {
	if s.Cache != CacheDefault {
		return s.Cache
	}
	if s.PerAsset() {
		return CacheSkipExisting
	}
	return CacheOn
}

// Interactive reports whether the step can raise a human gate, a variation
// selection or a regeneration loop.
func (s *StepSpec) Interactive() bool {
	return s.Approval == ApprovalUntilApproved ||
		s.Approval == ApprovalUserSelect ||
		s.Variations > 1
}

// Hash returns the first 16 hex characters of the sha256 of the spec's
// canonical JSON encoding.
func (p *PipelineSpec) Hash() string {
	b, err := json.Marshal(p)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", p))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// Step returns the step with the given ID.
func (p *PipelineSpec) Step(id string) (*StepSpec, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// StepNames maps every step ID and alias to the owning step ID. An alias
// never overrides a step ID.
func (p *PipelineSpec) StepNames() map[string]string {
	names := make(map[string]string, len(p.Steps)*2)
	for _, s := range p.Steps {
		names[s.ID] = s.ID
	}
	for _, s := range p.Steps {
		if s.Alias == "" {
			continue
		}
		if _, taken := names[s.Alias]; !taken {
			names[s.Alias] = s.ID
		}
	}
	return names
}

// Creators maps each collection name to the step that creates it.
func (p *PipelineSpec) Creators() map[string]string {
	out := make(map[string]string)
	for _, s := range p.Steps {
		if s.Creates != "" {
			name := CollectionName(s.Creates)
			if _, dup := out[name]; !dup {
				out[name] = s.ID
			}
		}
	}
	return out
}

// AssetRecord is one unit of per-item work. It always carries an "id".
type AssetRecord map[string]any

// ID returns the record's identifier, or "" when absent.
func (a AssetRecord) ID() string {
	switch v := a["id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Name returns the display name of the record, falling back to its ID.
func (a AssetRecord) Name() string {
	if n, ok := a["name"].(string); ok && n != "" {
		return n
	}
	return a.ID()
}

// Clone returns a deep copy of the record.
func (a AssetRecord) Clone() AssetRecord {
	out := make(AssetRecord, len(a))
	for k, v := range a {
		out[k] = DeepCopy(v)
	}
	return out
}

// Collections groups asset records by collection name.
type Collections map[string][]AssetRecord

// EnsureIDs assigns "<collection>-<index>" style ids to records loaded without one.
func (c Collections) EnsureIDs() {
	for name, records := range c {
		for i, rec := range records {
			if rec.ID() == "" {
				prefix := "asset"
				if name != DefaultCollection {
					prefix = strings.TrimSuffix(name, "s")
				}
				rec["id"] = fmt.Sprintf("%s-%d", prefix, i)
			}
		}
	}
}

// CacheKey identifies one cached unit of work.
type CacheKey struct {
	StepID  string
	AssetID string
}

func (k CacheKey) String() string {
	if k.AssetID == "" {
		return k.StepID
	}
	return k.StepID + ":" + k.AssetID
}

// DeepCopy recursively copies maps and slices so callers can't alias shared state.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = DeepCopy(item)
		}
		return out
	case AssetRecord:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DeepCopy(item)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}
