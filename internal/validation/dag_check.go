package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/artgen/pkg/schema"
)

// validateGraph runs Kahn's algorithm over the explicit requires edges.
// Template-derived edges are added later by the planner, which reports
// the cycles they introduce.
func validateGraph(spec *schema.PipelineSpec) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	names := spec.StepNames()

	edges := make(map[string][]string, len(spec.Steps))
	reverse := make(map[string][]string, len(spec.Steps))
	for _, s := range spec.Steps {
		seen := make(map[string]bool, len(s.Requires))
		for _, req := range s.Requires {
			dep, ok := names[req]
			if !ok || dep == s.ID || seen[dep] {
				continue
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}

	inDegree := make(map[string]int, len(spec.Steps))
	queue := make([]string, 0, len(spec.Steps))
	for _, s := range spec.Steps {
		inDegree[s.ID] = len(edges[s.ID])
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	if len(queue) == 0 {
		result.AddError("steps", schema.ErrCodeCycleDetected, "no root steps: every step requires another")
		return result
	}
	sort.Strings(queue)

	visited := make(map[string]bool, len(spec.Steps))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited[node] = true
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(visited) != len(spec.Steps) {
		stuck := make([]string, 0)
		for _, s := range spec.Steps {
			if !visited[s.ID] {
				stuck = append(stuck, s.ID)
			}
		}
		result.AddError("steps", schema.ErrCodeCycleDetected,
			fmt.Sprintf("requires cycle among steps %v", stuck))
	}
	return result
}
