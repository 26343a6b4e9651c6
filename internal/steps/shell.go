package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/artgen/pkg/schema"
)

// ShellConfig configures the shell step kind.
type ShellConfig struct {
	MaxOutputSize  int64
	DefaultTimeout time.Duration
	DefaultShell   string
}

const (
	defaultMaxOutputSize = 10 * 1024 * 1024
	defaultShellTimeout  = 10 * time.Minute
)

// NewShellStep returns the "shell" kind, which runs a local generator
// command in the pipeline's state directory.
func NewShellStep(cfg ShellConfig) StepExecutor {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "sh"
	}
	return &shellStep{cfg: cfg}
}

type shellStep struct {
	cfg ShellConfig
}

func (s *shellStep) Kind() string { return "shell" }

func (s *shellStep) Description() string {
	return "Run a local command; JSON stdout becomes the step output"
}

func (s *shellStep) ValidateConfig(config map[string]any) error {
	if stringParam(config, "command", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell requires 'command'")
	}
	return nil
}

func (s *shellStep) Execute(ctx context.Context, config map[string]any, ec ExecContext) (*StepResult, error) {
	if err := s.ValidateConfig(config); err != nil {
		return nil, err
	}
	start := time.Now()
	res := &StepResult{Success: true}

	n := Variations(config)
	for i := 0; i < n; i++ {
		out, err := s.run(ctx, config, ec, i)
		if err != nil {
			return nil, err
		}
		files, err := collectFiles(ec.StateDir, stringSliceParam(config, "output_files"))
		if err != nil {
			return nil, err
		}
		res.OutputFiles = appendUnique(res.OutputFiles, files...)
		res.CostUSD += floatParam(config, "cost_usd", 0)

		if n > 1 {
			res.Candidates = append(res.Candidates, out)
			continue
		}
		res.Output = out
		if m, ok := out.(map[string]any); ok {
			res.Candidates = toList(m["candidates"])
		}
	}
	if n > 1 {
		res.Output = map[string]any{"candidates": res.Candidates}
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

func (s *shellStep) run(ctx context.Context, config map[string]any, ec ExecContext, variation int) (any, error) {
	timeout := durationParam(config, "timeout", s.cfg.DefaultTimeout)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := stringParam(config, "command", "")
	args := stringSliceParam(config, "args")
	var cmd *exec.Cmd
	if len(args) > 0 {
		cmd = exec.CommandContext(execCtx, command, args...)
	} else {
		cmd = exec.CommandContext(execCtx, stringParam(config, "shell", s.cfg.DefaultShell), "-c", command)
	}
	cmd.WaitDelay = 5 * time.Second

	if ec.StateDir != "" {
		if err := os.MkdirAll(ec.StateDir, 0o755); err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "shell: create state dir").WithCause(err)
		}
		cmd.Dir = ec.StateDir
	}
	cmd.Env = append(os.Environ(),
		"ARTGEN_RUN_ID="+ec.RunID,
		"ARTGEN_STEP_ID="+ec.StepID,
		"ARTGEN_ATTEMPT="+fmt.Sprint(ec.Attempt),
		"ARTGEN_VARIATION="+fmt.Sprint(variation),
	)
	if ec.Asset != nil {
		cmd.Env = append(cmd.Env, "ARTGEN_ASSET_ID="+ec.Asset.ID())
	}
	for k, v := range stringMapParam(config, "env") {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if stdin := stringParam(config, "stdin", ""); stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: s.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: s.cfg.MaxOutputSize}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "shell: command cancelled").WithCause(ctx.Err())
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "shell: command exceeded %s", timeout).WithCause(err)
		}
		details := map[string]any{"stderr": strings.TrimSpace(stderr.String())}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			details["exit_code"] = exitErr.ExitCode()
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell: exit status %d: %s",
				exitErr.ExitCode(), strings.TrimSpace(stderr.String())).WithDetails(details).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell: %v", err).WithCause(err)
	}
	return decodeBody(bytes.TrimSpace(stdout.Bytes())), nil
}

// collectFiles expands output_files globs relative to dir.
func collectFiles(dir string, patterns []string) ([]string, error) {
	var files []string
	for _, p := range patterns {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "shell: bad output_files pattern %q", p).WithCause(err)
		}
		files = append(files, matches...)
	}
	return files, nil
}

func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, s := range dst {
		seen[s] = true
	}
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}

// limitedWriter discards bytes beyond limit but reports them written so
// the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	return total, err
}
