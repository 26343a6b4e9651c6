// Package diagram renders execution plans as ASCII tiers or Mermaid
// flowcharts, optionally overlaid with run status.
package diagram

// NodeKind classifies a node by how its step runs.
type NodeKind string

const (
	NodeKindGlobal      NodeKind = "global"
	NodeKindPerAsset    NodeKind = "per_asset"
	NodeKindInteractive NodeKind = "interactive"
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
)

// DiagramModel is what Build produces and every renderer consumes. Levels
// start with the synthetic Start node and end with End.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is a step, or one of the synthetic Start and End nodes.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Detail string // for_each collection, creates, approval mode
	Status *StatusOverlay
}

// StatusOverlay is a step's run state, drawn over its node.
type StatusOverlay struct {
	Status     string // schema.StepStatus value
	DurationMs int64
	Attempts   int
	Assets     int
	Error      string
}

// Edge points from a dependency to its dependent. Label names the
// collection passed along, if any.
type Edge struct {
	From  string
	To    string
	Label string
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
