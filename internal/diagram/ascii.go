package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

var statusTags = map[string]string{
	"complete":          "[OK]",
	"failed":            "[FAIL]",
	"running":           "[RUN]",
	"awaiting_approval": "[WAIT]",
	"skipped":           "[SKIP]",
	"pending":           "[PEND]",
}

func statusTag(status string) string { return statusTags[status] }

// RenderASCII draws each level as a row of boxes. Rows holding steps are
// headed "tier N".
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	tier := 0
	rows := 0
	for _, level := range model.Levels {
		var boxes []box
		hasSteps := false
		for _, id := range level {
			n := findNode(model.Nodes, id)
			if n == nil {
				continue
			}
			if n.Kind != NodeKindStart && n.Kind != NodeKindEnd {
				hasSteps = true
			}
			boxes = append(boxes, newBox(n))
		}
		if len(boxes) == 0 {
			continue
		}
		if rows > 0 {
			b.WriteString("   │\n   ▼\n")
		}
		if hasSteps {
			tier++
			fmt.Fprintf(&b, "tier %d\n", tier)
		}
		writeRow(&b, boxes)
		rows++
	}
	return b.String()
}

type box struct {
	lines []string
	width int
}

func newBox(n *Node) box {
	content := []string{firstLine(n.Label)}
	if n.Detail != "" {
		content = append(content, n.Detail)
	}
	if s := statusLine(n.Status); s != "" {
		content = append(content, s)
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}
	bar := strings.Repeat("─", inner+2)
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+bar+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-utf8.RuneCountInString(c))+" │")
	}
	lines = append(lines, "└"+bar+"┘")
	return box{lines: lines, width: inner + 4}
}

// statusLine is the tag followed by whatever counters are set.
func statusLine(s *StatusOverlay) string {
	if s == nil {
		return ""
	}
	var parts []string
	if s.Assets > 0 {
		parts = append(parts, fmt.Sprintf("%d assets", s.Assets))
	}
	if s.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("%d attempts", s.Attempts))
	}
	if s.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%dms", s.DurationMs))
	}
	line := strings.Join(parts, ", ")
	if tag := statusTag(s.Status); tag != "" {
		line = strings.TrimSpace(tag + " " + line)
	}
	return line
}

func writeRow(b *strings.Builder, boxes []box) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx.lines))
	}
	for row := 0; row < height; row++ {
		for i, bx := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(bx.lines) {
				b.WriteString(bx.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
