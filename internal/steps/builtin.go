package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rendis/artgen/internal/expressions"
	"github.com/rendis/artgen/pkg/schema"
)

// Builtins returns the step kinds that ship with the engine.
func Builtins() []StepExecutor {
	return []StepExecutor{
		&echoStep{},
		&jqStep{engine: expressions.NewGoJQEngine()},
		&exprStep{engine: expressions.NewEvaluator()},
		&userSelectStep{},
		&collectStep{},
		NewHTTPStep(HTTPConfig{}),
		NewShellStep(ShellConfig{}),
	}
}

// RegisterBuiltins registers all built-in kinds in reg.
func RegisterBuiltins(reg *Registry) error {
	for _, e := range Builtins() {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// --- echo ---

// echoStep returns its rendered config. With variations it returns one
// candidate per variation, taken from "candidates" when given.
type echoStep struct{}

func (s *echoStep) Kind() string { return "echo" }

func (s *echoStep) Description() string {
	return "Return the rendered config as the step output"
}

func (s *echoStep) Execute(ctx context.Context, config map[string]any, _ ExecContext) (*StepResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "echo cancelled").WithCause(err)
	}
	start := time.Now()
	out := UserConfig(config)

	res := &StepResult{Success: true, Output: out}
	if n := Variations(config); n > 1 {
		if list, ok := out["candidates"].([]any); ok {
			res.Candidates = list
		} else {
			for i := 0; i < n; i++ {
				c := schema.DeepCopy(out).(map[string]any)
				c["variation"] = i
				res.Candidates = append(res.Candidates, c)
			}
		}
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

// --- jq ---

type jqStep struct {
	engine *expressions.GoJQEngine
}

func (s *jqStep) Kind() string { return "jq" }

func (s *jqStep) Description() string {
	return "Run a jq query over 'input' (defaults to all step outputs)"
}

func (s *jqStep) ValidateConfig(config map[string]any) error {
	q, ok := config["query"].(string)
	if !ok || strings.TrimSpace(q) == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq requires non-empty 'query' string")
	}
	return s.engine.Compile(q)
}

func (s *jqStep) Execute(ctx context.Context, config map[string]any, ec ExecContext) (*StepResult, error) {
	if err := s.ValidateConfig(config); err != nil {
		return nil, err
	}
	start := time.Now()
	input, ok := config["input"]
	if !ok {
		input = ec.StepOutputs
	}

	v, err := s.engine.Evaluate(ctx, config["query"].(string), input)
	if err != nil {
		return nil, err
	}
	return &StepResult{
		Success:    true,
		Output:     map[string]any{"content": v},
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// --- expr ---

type exprStep struct {
	engine *expressions.Evaluator
}

func (s *exprStep) Kind() string { return "expr" }

func (s *exprStep) Description() string {
	return "Evaluate an expression over context, step outputs and the current asset"
}

func (s *exprStep) ValidateConfig(config map[string]any) error {
	src, ok := config["expression"].(string)
	if !ok || strings.TrimSpace(src) == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr requires non-empty 'expression' string")
	}
	_, err := s.engine.Compile(src)
	return err
}

func (s *exprStep) Execute(ctx context.Context, config map[string]any, ec ExecContext) (*StepResult, error) {
	if err := s.ValidateConfig(config); err != nil {
		return nil, err
	}
	vars := expressions.BuildConditionScope(ec.Context, ec.StepOutputs)
	if ec.Asset != nil {
		vars[expressions.NamespaceAsset] = map[string]any(ec.Asset.Clone())
	}
	if data, ok := config["data"]; ok {
		vars["data"] = data
	}

	v, err := s.engine.Evaluate(ctx, config["expression"].(string), vars)
	if err != nil {
		return nil, err
	}
	return &StepResult{Success: true, Output: map[string]any{"content": v, "result": v}}, nil
}

// --- user_select ---

// userSelectStep offers a list of options for the selection loop. The
// options come from "options" or from the step named by "options_from".
type userSelectStep struct{}

func (s *userSelectStep) Kind() string { return "user_select" }

func (s *userSelectStep) Description() string {
	return "Offer options from config or a prior step for human selection"
}

func (s *userSelectStep) ValidateConfig(config map[string]any) error {
	_, hasOptions := config["options"]
	from, _ := config["options_from"].(string)
	if !hasOptions && from == "" {
		return schema.NewError(schema.ErrCodeValidation, "user_select requires 'options' or 'options_from'")
	}
	return nil
}

func (s *userSelectStep) Execute(_ context.Context, config map[string]any, ec ExecContext) (*StepResult, error) {
	if err := s.ValidateConfig(config); err != nil {
		return nil, err
	}

	var options []any
	if raw, ok := config["options"]; ok {
		options = toList(raw)
	} else {
		from := config["options_from"].(string)
		out, ok := ec.StepOutputs[from]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "user_select: step %q has no output", from)
		}
		options = optionsOf(out)
	}
	if len(options) == 0 {
		return &StepResult{Success: false, Error: "user_select: no options to choose from"}, nil
	}
	return &StepResult{
		Success:    true,
		Output:     map[string]any{"options": options},
		Candidates: options,
	}, nil
}

func optionsOf(out any) []any {
	m, ok := out.(map[string]any)
	if !ok {
		return toList(out)
	}
	for _, key := range []string{"candidates", "options", "items", "content"} {
		if list := toList(m[key]); len(list) > 0 {
			return list
		}
	}
	return nil
}

func toList(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, m := range val {
			out[i] = m
		}
		return out
	}
	return nil
}

// --- collect ---

// collectStep gathers a per-asset step's outputs into one list ordered
// by asset id, optionally projecting a single field.
type collectStep struct{}

func (s *collectStep) Kind() string { return "collect" }

func (s *collectStep) Description() string {
	return "Gather a per-asset step's outputs into a list"
}

func (s *collectStep) ValidateConfig(config map[string]any) error {
	if from, _ := config["from"].(string); from == "" {
		return schema.NewError(schema.ErrCodeValidation, "collect requires 'from' step id")
	}
	return nil
}

func (s *collectStep) Execute(_ context.Context, config map[string]any, ec ExecContext) (*StepResult, error) {
	if err := s.ValidateConfig(config); err != nil {
		return nil, err
	}
	from := config["from"].(string)
	field, _ := config["field"].(string)

	out, _ := ec.StepOutputs[from].(map[string]any)
	byAsset, ok := out["assets"].(map[string]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "collect: %q is not a per-asset step output", from)
	}

	ids := make([]string, 0, len(byAsset))
	for id := range byAsset {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]any, 0, len(ids))
	for _, id := range ids {
		v := byAsset[id]
		if field != "" {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeExecution, "collect: output of %s for %s has no field %q", from, id, field)
			}
			v = m[field]
		}
		items = append(items, v)
	}
	return &StepResult{
		Success: true,
		Output: map[string]any{
			"items":   items,
			"ids":     ids,
			"count":   len(items),
			"content": fmt.Sprintf("%d items from %s", len(items), from),
		},
	}, nil
}
