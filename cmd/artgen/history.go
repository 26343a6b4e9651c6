package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rendis/artgen/internal/store"
	"github.com/rendis/artgen/pkg/schema"
)

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	pipeline := fs.String("pipeline", "", "only runs of this pipeline")
	status := fs.String("status", "", "only runs with this status: running, completed, failed, cancelled")
	limit := fs.Int("limit", 20, "maximum runs to list")
	runID := fs.String("run", "", "show the event log of one run")
	eventType := fs.String("type", "", "list events of this type across runs, e.g. circuit_open")
	stepID := fs.String("step", "", "with -type, only events of this step")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	ledger, err := openLedger(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	if *eventType != "" {
		return printEventsByType(ctx, os.Stdout, ledger, *eventType, store.EventFilter{
			RunID:  *runID,
			StepID: *stepID,
			Limit:  *limit,
		})
	}
	if *runID != "" {
		return printEvents(ctx, os.Stdout, ledger, *runID)
	}
	runs, err := ledger.ListRuns(ctx, store.RunFilter{
		Pipeline: *pipeline,
		Status:   schema.RunStatus(*status),
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	printRuns(os.Stdout, runs)
	return nil
}

func printRuns(w io.Writer, runs []*store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no runs recorded"))
		return
	}
	for _, r := range runs {
		took := "-"
		if r.FinishedAt != nil {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s  %-20s %s %s\n",
			dimStyle.Render(r.StartedAt.Local().Format(time.DateTime)),
			r.Pipeline,
			runStatusStyle(r.Status).Render(fmt.Sprintf("%-9s", r.Status)),
			dimStyle.Render(r.ID+" "+took))
	}
}

func printEvents(ctx context.Context, w io.Writer, ledger store.Store, runID string) error {
	run, err := ledger.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	events, err := ledger.GetEvents(ctx, runID, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(run.Pipeline), runStatusStyle(run.Status).Render(string(run.Status)))
	for _, ev := range events {
		fmt.Fprintf(w, "%4d %s %-24s %s\n", ev.Sequence,
			dimStyle.Render(ev.Timestamp.Local().Format(time.TimeOnly)), ev.Type, eventTarget(ev))
	}
	return nil
}

// printEventsByType lists one kind of event across runs, oldest first.
func printEventsByType(ctx context.Context, w io.Writer, ledger store.Store, eventType string, filter store.EventFilter) error {
	events, err := ledger.GetEventsByType(ctx, eventType, filter)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no "+eventType+" events recorded"))
		return nil
	}
	for _, ev := range events {
		fmt.Fprintf(w, "%s %s %s %s\n",
			dimStyle.Render(ev.Timestamp.Local().Format(time.DateTime)),
			ev.RunID, eventTarget(ev), string(ev.Payload))
	}
	return nil
}

func eventTarget(ev *store.Event) string {
	if ev.AssetID != "" {
		return ev.StepID + "/" + ev.AssetID
	}
	return ev.StepID
}

func runStatusStyle(s schema.RunStatus) lipgloss.Style {
	switch s {
	case schema.RunStatusCompleted:
		return okStyle
	case schema.RunStatusFailed:
		return errStyle
	case schema.RunStatusCancelled:
		return warnStyle
	default:
		return dimStyle
	}
}
