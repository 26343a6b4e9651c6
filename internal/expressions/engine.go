package expressions

import "context"

// Engine evaluates expressions against step data.
// Two implementations: Evaluator (conditions) and GoJQEngine (extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data any) (any, error)
}

var (
	_ Engine = (*Evaluator)(nil)
	_ Engine = (*GoJQEngine)(nil)
)
