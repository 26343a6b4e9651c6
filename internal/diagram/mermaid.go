package diagram

import (
	"fmt"
	"strings"
)

// statusStyles maps step statuses to Mermaid class names and styles, in
// the order the classDefs are written.
var statusStyles = []struct {
	status, class, style string
}{
	{"complete", "complete", "fill:#2d6a2d,stroke:#1a4a1a,color:#fff"},
	{"failed", "failed", "fill:#8b1a1a,stroke:#5c0e0e,color:#fff"},
	{"running", "running", "fill:#1a5276,stroke:#0e3a52,color:#fff"},
	{"awaiting_approval", "awaiting", "fill:#b7791a,stroke:#8a5c14,color:#fff"},
	{"pending", "pending", "fill:#6b6b6b,stroke:#4a4a4a,color:#fff"},
	{"skipped", "skipped", "fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5"},
}

// RenderMermaid renders the model as a top-down flowchart with one
// subgraph per tier of steps.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	tier := 0
	for _, level := range model.Levels {
		var defs []string
		grouped := false
		for _, id := range level {
			n := findNode(model.Nodes, id)
			if n == nil {
				continue
			}
			if n.Kind != NodeKindStart && n.Kind != NodeKindEnd {
				grouped = true
			}
			defs = append(defs, mermaidNodeDef(n))
		}
		if !grouped {
			for _, d := range defs {
				fmt.Fprintf(&b, "    %s\n", d)
			}
			continue
		}
		tier++
		fmt.Fprintf(&b, "    subgraph tier_%d [\"Tier %d\"]\n", tier, tier)
		for _, d := range defs {
			fmt.Fprintf(&b, "        %s\n", d)
		}
		b.WriteString("    end\n")
	}

	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + mermaidEscapeLabel(e.Label) + "|"
		}
		fmt.Fprintf(&b, "    %s %s %s\n", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	b.WriteByte('\n')
	for _, s := range statusStyles {
		fmt.Fprintf(&b, "    classDef %s %s\n", s.class, s.style)
	}
	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), cls)
		}
	}
	return b.String()
}

func mermaidNodeDef(n *Node) string {
	id := mermaidSafeID(n.ID)
	label := mermaidEscapeLabel(firstLine(n.Label))
	if n.Detail != "" {
		label += " / " + mermaidEscapeLabel(n.Detail)
	}
	open, closing := "[", "]"
	switch n.Kind {
	case NodeKindInteractive:
		open, closing = "{{", "}}"
	case NodeKindPerAsset:
		open, closing = "[[", "]]"
	case NodeKindStart, NodeKindEnd:
		open, closing = "((", "))"
	}
	return fmt.Sprintf("%s%s%q%s", id, open, label, closing)
}

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

func mermaidSafeID(id string) string { return mermaidIDReplacer.Replace(id) }

// mermaidEscapeLabel swaps double quotes for single ones; Mermaid does not
// understand Go's escaped quotes.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func mermaidStatusClass(status string) string {
	for _, s := range statusStyles {
		if s.status == status {
			return s.class
		}
	}
	return ""
}
