package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/artgen/internal/approval"
	"github.com/rendis/artgen/internal/engine"
	"github.com/rendis/artgen/pkg/schema"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	promptStyle = lipgloss.NewStyle().Bold(true)
)

// terminalResponder answers approval requests from a terminal.
type terminalResponder struct {
	lines <-chan string
	out   io.Writer
}

// newTerminalResponder reads answers line by line from in. The reader
// goroutine ends when in is exhausted.
func newTerminalResponder(in io.Reader, out io.Writer) *terminalResponder {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return &terminalResponder{lines: lines, out: out}
}

func (t *terminalResponder) Respond(ctx context.Context, req approval.Request) (approval.Response, error) {
	fmt.Fprintln(t.out, renderRequest(req))
	for {
		fmt.Fprint(t.out, promptStyle.Render(promptFor(req))+" ")
		select {
		case <-ctx.Done():
			return approval.Response{}, ctx.Err()
		case line, ok := <-t.lines:
			if !ok {
				return approval.Response{}, io.EOF
			}
			resp, err := parseAnswer(req, line)
			if err != nil {
				fmt.Fprintln(t.out, errStyle.Render(err.Error()))
				continue
			}
			return resp, nil
		}
	}
}

func renderRequest(req approval.Request) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(req.Prompt))
	if req.Description != "" {
		b.WriteString("\n" + dimStyle.Render(req.Description))
	}
	if i, ok := req.Metadata["asset_index"].(int); ok {
		if n, ok := req.Metadata["total_assets"].(int); ok {
			b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("asset %d of %d", i+1, n)))
		}
	}
	if req.GenerationPrompt != "" {
		b.WriteString("\n" + dimStyle.Render("prompt: "+req.GenerationPrompt))
	}
	for i, opt := range req.Options {
		fmt.Fprintf(&b, "\n  [%d] %s", i, describeOption(opt))
	}
	return boxStyle.Render(b.String())
}

func describeOption(opt any) string {
	switch o := opt.(type) {
	case string:
		return o
	case map[string]any:
		for _, k := range []string{"path", "content", "name", "id"} {
			if v, ok := o[k]; ok {
				return fmt.Sprint(v)
			}
		}
	}
	s := fmt.Sprint(opt)
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func promptFor(req approval.Request) string {
	if req.Type == approval.TypeApprove {
		return "approve? [y]es / [n]o / [r]egenerate:"
	}
	return fmt.Sprintf("select [0-%d] or [r]egenerate:", len(req.Options)-1)
}

// parseAnswer turns a typed line into a response. An empty line accepts
// the first option.
func parseAnswer(req approval.Request, line string) (approval.Response, error) {
	answer := strings.ToLower(strings.TrimSpace(line))
	resp := approval.Response{RequestID: req.ID, Approved: true}

	switch answer {
	case "r", "regen", "regenerate":
		resp.Regenerate = true
		resp.Approved = false
		return resp, nil
	case "", "y", "yes":
		zero := 0
		resp.SelectedIndex = &zero
		return resp, nil
	case "n", "no":
		if req.Type != approval.TypeApprove {
			return resp, errors.New("enter an option number or r")
		}
		resp.Approved = false
		return resp, nil
	}

	idx, err := strconv.Atoi(answer)
	if err != nil || idx < 0 || idx >= len(req.Options) {
		return resp, fmt.Errorf("invalid answer %q", line)
	}
	resp.SelectedIndex = &idx
	return resp, nil
}

func statusStyle(status schema.StepStatus) lipgloss.Style {
	switch status {
	case schema.StepStatusComplete:
		return okStyle
	case schema.StepStatusSkipped, schema.StepStatusPending:
		return warnStyle
	case schema.StepStatusFailed:
		return errStyle
	default:
		return dimStyle
	}
}

// printSummary writes a styled run summary.
func printSummary(w io.Writer, res *engine.ExecutionResult) {
	header := okStyle.Render("succeeded")
	switch {
	case res.Cancelled:
		header = warnStyle.Render("cancelled")
	case !res.Success:
		header = errStyle.Render("failed")
	}
	fmt.Fprintf(w, "%s %s %s\n", titleStyle.Render(res.Pipeline), header, dimStyle.Render(res.RunID))

	ids := make([]string, 0, len(res.Steps))
	for id := range res.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rep := res.Steps[id]
		line := fmt.Sprintf("  %-24s %s", id, statusStyle(rep.Status).Render(string(rep.Status)))
		if rep.Cached {
			line += dimStyle.Render(" (cached)")
		}
		if len(rep.Assets) > 0 {
			line += dimStyle.Render(fmt.Sprintf(" %d assets", len(rep.Assets)))
		}
		if rep.Error != "" {
			line += " " + errStyle.Render(rep.Error)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintf(w, "completed %d  skipped %d  cached %d  failed %d  failed assets %d  cost $%.4f  %dms\n",
		res.Completed, res.Skipped, res.Cached, res.Failed, res.FailedAssets, res.CostUSD, res.DurationMs)
	for _, warn := range res.Warnings {
		fmt.Fprintln(w, warnStyle.Render("warning: "+warn))
	}
}
