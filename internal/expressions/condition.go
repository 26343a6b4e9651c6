package expressions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/artgen/internal/logging"
)

// EvaluateCondition decides whether a step runs. An empty condition runs
// the step; so does a condition that fails to evaluate, after a warning.
func (e *Evaluator) EvaluateCondition(ctx context.Context, cond string, vars map[string]any, logger *slog.Logger) bool {
	if strings.TrimSpace(cond) == "" {
		return true
	}
	v, err := e.Evaluate(ctx, cond, vars)
	if err != nil {
		logging.LogWith(ctx, logging.OrDefault(logger)).Warn("condition evaluation failed, running step",
			slog.String("condition", cond),
			slog.String("error", err.Error()))
		return true
	}
	return Truthy(v)
}
