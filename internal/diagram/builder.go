package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/artgen/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Topology is the planned shape of a pipeline: its steps, the dependency
// edges the planner derived and the execution tiers.
type Topology struct {
	Title string
	Steps map[string]*schema.StepSpec
	Edges map[string][]string // step ID -> dependencies
	Tiers [][]string
}

// Build constructs a DiagramModel from a Topology and optional per-step
// status overlays keyed by step ID.
func Build(topo Topology, states map[string]*StatusOverlay) *DiagramModel {
	nodes := make([]*Node, 0, len(topo.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	dependents := make(map[string]int, len(topo.Steps))
	for _, deps := range topo.Edges {
		for _, d := range deps {
			dependents[d]++
		}
	}

	var edges []Edge
	for _, tier := range topo.Tiers {
		for _, id := range tier {
			step := topo.Steps[id]
			if step == nil {
				continue
			}
			node := stepToNode(step)
			node.Status = states[id]
			nodes = append(nodes, node)

			deps := topo.Edges[id]
			if len(deps) == 0 {
				edges = append(edges, Edge{From: startID, To: id})
			}
			for _, dep := range deps {
				edges = append(edges, Edge{From: dep, To: id, Label: edgeLabel(topo.Steps[dep], step)})
			}
			if dependents[id] == 0 {
				edges = append(edges, Edge{From: id, To: endID})
			}
		}
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	levels := make([][]string, 0, len(topo.Tiers)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, topo.Tiers...)
	levels = append(levels, []string{endID})

	title := topo.Title
	if title == "" {
		title = "Pipeline"
	}
	return &DiagramModel{Title: title, Nodes: nodes, Edges: edges, Levels: levels}
}

func stepToNode(step *schema.StepSpec) *Node {
	kind := NodeKindGlobal
	switch {
	case step.Interactive():
		kind = NodeKindInteractive
	case step.PerAsset():
		kind = NodeKindPerAsset
	}
	return &Node{
		ID:     step.ID,
		Label:  fmt.Sprintf("%s\n(%s)", step.ID, step.Kind),
		Kind:   kind,
		Detail: stepDetail(step),
	}
}

func stepDetail(step *schema.StepSpec) string {
	var parts []string
	if step.PerAsset() {
		parts = append(parts, "each "+step.Collection())
	}
	if step.Creates != "" {
		parts = append(parts, "creates "+schema.CollectionName(step.Creates))
	}
	if step.Approval != "" && step.Approval != schema.ApprovalNone {
		parts = append(parts, string(step.Approval))
	}
	return strings.Join(parts, ", ")
}

// edgeLabel names the collection when the edge exists because to iterates
// what from creates.
func edgeLabel(from, to *schema.StepSpec) string {
	if from == nil || to == nil || from.Creates == "" || !to.PerAsset() {
		return ""
	}
	if schema.CollectionName(from.Creates) == to.Collection() {
		return to.Collection()
	}
	return ""
}
