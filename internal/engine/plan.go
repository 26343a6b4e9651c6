package engine

import (
	"sort"

	"github.com/rendis/artgen/internal/diagram"
	"github.com/rendis/artgen/internal/expressions"
	"github.com/rendis/artgen/pkg/schema"
)

// Plan is the execution order derived from a pipeline. Dependencies come
// from requires, template references, condition names and the creator of
// a step's for_each collection.
type Plan struct {
	Name    string
	Steps   map[string]*schema.StepSpec // step ID → spec
	Edges   map[string][]string         // step ID → dependencies
	Reverse map[string][]string         // step ID → dependents
	Sorted  []string                    // topological order
	Roots   []string                    // steps with no dependencies
	Tiers   [][]string                  // steps whose dependencies are all in earlier tiers
	Aliases map[string]string           // alias → step ID
}

// BuildPlan derives dependencies for every step, orders them with Kahn's
// algorithm and groups them into tiers by longest path from a root.
func BuildPlan(spec *schema.PipelineSpec) (*Plan, error) {
	if spec == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline spec is nil")
	}
	if len(spec.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "pipeline has no steps")
	}

	plan := &Plan{
		Name:    spec.Name,
		Steps:   make(map[string]*schema.StepSpec, len(spec.Steps)),
		Edges:   make(map[string][]string, len(spec.Steps)),
		Reverse: make(map[string][]string, len(spec.Steps)),
		Aliases: make(map[string]string),
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step at index %d has empty id", i)
		}
		if _, dup := plan.Steps[step.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate step id: %s", step.ID)
		}
		plan.Steps[step.ID] = step
	}

	for _, step := range spec.Steps {
		if step.Alias == "" {
			continue
		}
		if expressions.Reserved(step.Alias) {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: alias %q is a reserved namespace", step.ID, step.Alias).WithStep(step.ID)
		}
		if _, isStep := plan.Steps[step.Alias]; isStep {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: alias %q shadows a step id", step.ID, step.Alias).WithStep(step.ID)
		}
		if owner, dup := plan.Aliases[step.Alias]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: alias %q already used by step %s", step.ID, step.Alias, owner).WithStep(step.ID)
		}
		plan.Aliases[step.Alias] = step.ID
	}

	names := spec.StepNames()
	creators := spec.Creators()

	for _, step := range spec.Steps {
		deps, err := stepDependencies(&step, names, creators)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			plan.Reverse[dep] = append(plan.Reverse[dep], step.ID)
		}
		plan.Edges[step.ID] = deps
	}

	if err := plan.sort(); err != nil {
		return nil, err
	}
	plan.Tiers = computeTiers(plan)
	return plan, nil
}

// stepDependencies returns the sorted, de-duplicated dependencies of step.
func stepDependencies(step *schema.StepSpec, names, creators map[string]string) ([]string, error) {
	seen := make(map[string]bool)
	var deps []string
	add := func(dep string) error {
		if dep == step.ID {
			return schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", step.ID).WithStep(step.ID)
		}
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
		return nil
	}

	for _, req := range step.Requires {
		dep, ok := names[req]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s requires unknown step %q", step.ID, req).WithStep(step.ID)
		}
		if err := add(dep); err != nil {
			return nil, err
		}
	}

	for _, ref := range expressions.References(step.Config) {
		if expressions.Reserved(ref.Namespace) {
			continue
		}
		dep, ok := names[ref.Namespace]
		if !ok {
			// A bare {word} is literal text; a dotted one must name a step.
			if len(ref.Path) > 0 {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"step %s: template %s references unknown step %q", step.ID, ref.Token, ref.Namespace).
					WithStep(step.ID)
			}
			continue
		}
		if err := add(dep); err != nil {
			return nil, err
		}
	}

	if step.Condition != "" {
		x, err := expressions.Parse(step.Condition)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"step %s: invalid condition: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err)
		}
		for _, name := range x.Names() {
			if dep, ok := names[name]; ok {
				if err := add(dep); err != nil {
					return nil, err
				}
			}
		}
	}

	if step.PerAsset() {
		if creator, ok := creators[step.Collection()]; ok {
			if err := add(creator); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(deps)
	return deps, nil
}

// sort runs Kahn's algorithm with a sorted ready queue so the order is
// deterministic.
func (p *Plan) sort() error {
	inDegree := make(map[string]int, len(p.Steps))
	queue := make([]string, 0)
	for id := range p.Steps {
		inDegree[id] = len(p.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	p.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(p.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), p.Reverse[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(p.Steps) {
		stuck := make([]string, 0, len(p.Steps)-len(sorted))
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return schema.NewError(schema.ErrCodeCycleDetected, "pipeline contains a cycle").
			WithDetails(map[string]any{"steps": stuck})
	}
	p.Sorted = sorted
	return nil
}

// computeTiers places each step one tier after its deepest dependency.
func computeTiers(p *Plan) [][]string {
	depth := make(map[string]int, len(p.Steps))
	maxDepth := 0
	for _, id := range p.Sorted {
		d := 0
		for _, dep := range p.Edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	tiers := make([][]string, maxDepth+1)
	for _, id := range p.Sorted {
		tiers[depth[id]] = append(tiers[depth[id]], id)
	}
	for _, t := range tiers {
		sort.Strings(t)
	}
	return tiers
}

// Interactive reports whether any step in the tier may wait on a human.
func (p *Plan) Interactive(tier []string) bool {
	for _, id := range tier {
		if s := p.Steps[id]; s != nil && s.Interactive() {
			return true
		}
	}
	return false
}

// Topology exposes the plan's shape to the diagram renderer.
func (p *Plan) Topology() diagram.Topology {
	return diagram.Topology{
		Title: p.Name,
		Steps: p.Steps,
		Edges: p.Edges,
		Tiers: p.Tiers,
	}
}

// Render draws the plan as "ascii" (the default) or "mermaid", overlaying
// step states when given.
func (p *Plan) Render(format string, states map[string]*diagram.StatusOverlay) string {
	model := diagram.Build(p.Topology(), states)
	if format == "mermaid" {
		return diagram.RenderMermaid(model)
	}
	return diagram.RenderASCII(model)
}
