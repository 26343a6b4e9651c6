package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/artgen/pkg/schema"
)

// GoJQEngine runs jq programs over step outputs: the jq step kind and
// the extract field of creates. Programs are compiled once per engine.
type GoJQEngine struct {
	programs sync.Map // source -> *gojq.Code
}

func NewGoJQEngine() *GoJQEngine { return &GoJQEngine{} }

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns nil for no output, the value for one output and a
// []any for several.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}

// EvaluateAll returns every value the program emits.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data any) ([]any, error) {
	code, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	input, err := jqValue(data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "jq input is not JSON-like").WithCause(err)
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq %q failed: %s", expression, err).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, v)
	}
}

// Compile reports whether expression is a valid program.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *GoJQEngine) program(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}
	if code, ok := e.programs.Load(expression); ok {
		return code.(*gojq.Code), nil
	}

	fail := func(stage string, err error) error {
		return schema.NewErrorf(schema.ErrCodeExpression, "jq %s error in %q: %s", stage, expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fail("parse", err)
	}
	// Pipeline files never see the process environment through $ENV.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, fail("compile", err)
	}
	actual, _ := e.programs.LoadOrStore(expression, code)
	return actual.(*gojq.Code), nil
}

// jqValue converts data to the types gojq understands: map[string]any,
// []any, float64 numbers, strings, bools and nil. Anything it does not
// recognise takes a JSON round trip.
func jqValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case float32:
		return float64(val), nil
	case schema.AssetRecord:
		return jqValue(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			conv, err := jqValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			conv, err := jqValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
