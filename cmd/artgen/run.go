package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/artgen/internal/approval"
	"github.com/rendis/artgen/internal/engine"
	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/internal/specfile"
	"github.com/rendis/artgen/internal/steps"
	"github.com/rendis/artgen/internal/validation"
	"github.com/rendis/artgen/pkg/mcp"
)

var errRunFailed = errors.New("pipeline run did not succeed")

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	autoApprove := fs.Bool("auto-approve", false, "approve every result and select the first option")
	mcpMode := fs.Bool("mcp", false, "answer approvals over MCP on stdio")
	dryRun := fs.Bool("dry-run", false, "validate and print the plan without running")
	stateDir := fs.String("state-dir", "", "cache directory (default: the pipeline's state_dir or ~/.artgen state root)")
	jsonOut := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: artgen run [flags] <pipeline.yaml>")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := newLogger(level)

	loaded, err := specfile.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	if *stateDir != "" {
		loaded.Spec.StateDir = *stateDir
	}

	registry := steps.NewRegistry()
	if err := steps.RegisterBuiltins(registry); err != nil {
		return err
	}
	if *dryRun {
		return printPlan(os.Stdout, registry, loaded, "ascii")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	bridge := approval.NewBridge(approval.Config{
		Timeout: cfg.ApprovalTimeout,
		Hub:     svc.hub,
		Logger:  logger,
	})
	exec, err := engine.NewExecutor(engine.Dependencies{
		Steps:   registry,
		Bridge:  bridge,
		Limits:  cfg.limitsRegistry(),
		Ledger:  svc.ledger,
		Metrics: svc.metrics,
		Tracer:  svc.tracer,
		Logger:  logger,
	}, cfg.executorConfig())
	if err != nil {
		return err
	}
	plan, err := exec.Plan(loaded.Spec)
	if err != nil {
		return err
	}

	go watchReload(ctx, cfg, level, logger)

	respondCtx, stopResponder := context.WithCancel(ctx)
	defer stopResponder()

	// stdout carries the MCP transport in -mcp mode.
	var out io.Writer = os.Stdout
	switch {
	case *autoApprove || cfg.AutoApprove:
		go serveResponder(respondCtx, bridge, approval.AutoResponder{}, logger)
	case *mcpMode:
		out = os.Stderr
		srv := mcp.NewApprovalServer(mcp.ApprovalServerDeps{Bridge: bridge, Plan: plan, Hub: svc.hub, Logger: logger})
		go func() {
			if err := srv.Serve(respondCtx); err != nil && respondCtx.Err() == nil {
				logger.Warn("MCP approval server stopped", slog.String("error", err.Error()))
			}
		}()
	default:
		go serveResponder(respondCtx, bridge, newTerminalResponder(os.Stdin, os.Stderr), logger)
	}

	res, err := exec.Run(ctx, loaded.Spec, loaded.Collections)
	stopResponder()
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printSummary(out, res)
	}
	if !res.Success {
		return errRunFailed
	}
	return nil
}

func serveResponder(ctx context.Context, bridge *approval.Bridge, r approval.Responder, logger *slog.Logger) {
	if err := bridge.Serve(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("approval responder stopped", slog.String("error", err.Error()))
	}
}

// watchReload re-reads the configuration on SIGHUP. The log level applies
// immediately; everything else waits for the next run.
func watchReload(ctx context.Context, current Config, level *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next, err := loadConfig()
		if err != nil {
			logger.Warn("config reload failed", slog.String("error", err.Error()))
			continue
		}
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Info("config changes apply to the next run", slog.Any("fields", d.RestartNeeded))
		}
		current = next
	}
}

// printPlan validates the pipeline against its loaded collections and
// renders its tiers.
func printPlan(w io.Writer, registry *steps.Registry, loaded *specfile.Loaded, format string) error {
	validator, err := validation.NewPipelineValidator(registry)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(loaded.Collections))
	for name := range loaded.Collections {
		names = append(names, name)
	}
	vr := validator.Validate(loaded.Spec, names)
	for _, msg := range vr.WarningMessages() {
		fmt.Fprintln(w, warnStyle.Render("warning: "+msg))
	}
	if !vr.Valid() {
		return vr.ToError()
	}

	plan, err := engine.BuildPlan(loaded.Spec)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, plan.Render(format, nil))
	if format != "mermaid" {
		for i, tier := range plan.Tiers {
			fmt.Fprintf(w, "%s %v\n", dimStyle.Render(fmt.Sprintf("tier %d:", i)), tier)
		}
	}
	return nil
}
