package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/artgen/pkg/schema"
)

// Evaluator compiles and evaluates condition expressions. Compiled
// programs are cached by source text.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*Expr
}

// NewEvaluator creates an Evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*Expr)}
}

// Name returns the engine identifier.
func (e *Evaluator) Name() string { return "condition" }

// Compile parses src, returning a cached program when one exists.
func (e *Evaluator) Compile(src string) (*Expr, error) {
	e.mu.RLock()
	x, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return x, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if x, ok := e.cache[src]; ok {
		return x, nil
	}
	x, err := Parse(src)
	if err != nil {
		return nil, err
	}
	e.cache[src] = x
	return x, nil
}

// Evaluate compiles (or reuses) src and evaluates it against data, which
// must be a map[string]any or nil.
func (e *Evaluator) Evaluate(ctx context.Context, src string, data any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, schema.NewError(schema.ErrCodeCancelled, "expression evaluation cancelled").WithCause(err)
	}
	vars, err := asScope(data)
	if err != nil {
		return nil, err
	}
	x, err := e.Compile(src)
	if err != nil {
		return nil, err
	}
	return x.Eval(vars)
}

// EvaluateBool evaluates src for truthiness. Empty source and any error
// both yield def.
func (e *Evaluator) EvaluateBool(src string, vars map[string]any, def bool) bool {
	if strings.TrimSpace(src) == "" {
		return def
	}
	v, err := e.Evaluate(context.Background(), src, vars)
	if err != nil {
		return def
	}
	return Truthy(v)
}

// EvaluateInt evaluates src as an integer. Empty source, errors and
// non-numeric results yield def.
func (e *Evaluator) EvaluateInt(src string, vars map[string]any, def int) int {
	if strings.TrimSpace(src) == "" {
		return def
	}
	v, err := e.Evaluate(context.Background(), src, vars)
	if err != nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case bool:
		if n {
			return 1
		}
		return 0
	}
	return def
}

func asScope(data any) (map[string]any, error) {
	switch d := data.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return d, nil
	case schema.AssetRecord:
		return map[string]any(d), nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeExpression, "expression scope must be a map, got %T", data)
}

// Eval evaluates the compiled expression against vars. The scope is
// flattened first so dotted names resolve against nested maps. A runtime
// panic is returned as an EXPRESSION_ERROR.
func (x *Expr) Eval(vars map[string]any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = schema.NewErrorf(schema.ErrCodeExpression, "evaluating %q: %v", x.src, r).
				WithDetails(map[string]any{"expression": x.src})
		}
	}()
	ev := &evalState{src: x.src, scope: Flatten(vars)}
	return ev.eval(x.root)
}

// maxRepeatLen bounds the result of string * int.
const maxRepeatLen = 1 << 20

type evalState struct {
	src   string
	scope map[string]any
}

func (ev *evalState) errorf(n node, format string, args ...any) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeExpression, format, args...).
		WithDetails(map[string]any{"expression": ev.src, "position": n.pos()})
}

func (ev *evalState) eval(n node) (any, error) {
	switch v := n.(type) {
	case *literalNode:
		return v.value, nil

	case *nameNode:
		return ev.resolve(v)

	case *listNode:
		out := make([]any, 0, len(v.items))
		for _, it := range v.items {
			iv, err := ev.eval(it)
			if err != nil {
				return nil, err
			}
			out = append(out, iv)
		}
		return out, nil

	case *unaryNode:
		x, err := ev.eval(v.x)
		if err != nil {
			return nil, err
		}
		if v.op == "not" {
			return !Truthy(x), nil
		}
		switch num := normalize(x).(type) {
		case int:
			return -num, nil
		case float64:
			return -num, nil
		}
		return nil, ev.errorf(v, "bad operand type for unary -: %s", typeName(x))

	case *logicalNode:
		l, err := ev.eval(v.l)
		if err != nil {
			return nil, err
		}
		if v.op == "and" && !Truthy(l) {
			return l, nil
		}
		if v.op == "or" && Truthy(l) {
			return l, nil
		}
		return ev.eval(v.r)

	case *binaryNode:
		l, err := ev.eval(v.l)
		if err != nil {
			return nil, err
		}
		r, err := ev.eval(v.r)
		if err != nil {
			return nil, err
		}
		return ev.arith(v, l, r)

	case *compareNode:
		left, err := ev.eval(v.operands[0])
		if err != nil {
			return nil, err
		}
		for i, op := range v.ops {
			right, err := ev.eval(v.operands[i+1])
			if err != nil {
				return nil, err
			}
			ok, err := ev.compare(v, op, left, right)
			if err != nil {
				return nil, err
			}
			if !ok {
				return false, nil
			}
			left = right
		}
		return true, nil

	case *ternaryNode:
		c, err := ev.eval(v.cond)
		if err != nil {
			return nil, err
		}
		if Truthy(c) {
			return ev.eval(v.then)
		}
		return ev.eval(v.els)

	case *callNode:
		args := make([]any, 0, len(v.args))
		for _, a := range v.args {
			av, err := ev.eval(a)
			if err != nil {
				return nil, err
			}
			args = append(args, av)
		}
		out, err := functions[v.fn](args)
		if err != nil {
			return nil, ev.errorf(v, "%s(): %v", v.fn, err)
		}
		return out, nil

	case *indexNode:
		x, err := ev.eval(v.x)
		if err != nil {
			return nil, err
		}
		idx, err := ev.eval(v.index)
		if err != nil {
			return nil, err
		}
		return ev.index(v, x, idx)
	}
	return nil, ev.errorf(n, "unsupported expression node %T", n)
}

// resolve looks a dotted name up in the flattened scope, then by walking
// nested maps from the root.
func (ev *evalState) resolve(n *nameNode) (any, error) {
	flat := strings.Join(n.path, "_")
	if v, ok := ev.scope[flat]; ok {
		return v, nil
	}
	if len(n.path) > 1 {
		if root, ok := ev.scope[n.path[0]]; ok {
			if v, ok := lookupPath(root, n.path[1:]); ok {
				return v, nil
			}
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeExpression, "name %q is not defined", strings.Join(n.path, ".")).
		WithDetails(map[string]any{"expression": ev.src, "name": strings.Join(n.path, ".")})
}

func (ev *evalState) arith(n *binaryNode, l, r any) (any, error) {
	l, r = normalize(l), normalize(r)

	if n.op == "+" {
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
		if ll, ok := l.([]any); ok {
			if rl, ok := r.([]any); ok {
				out := make([]any, 0, len(ll)+len(rl))
				return append(append(out, ll...), rl...), nil
			}
		}
	}
	if n.op == "*" {
		if s, ok := l.(string); ok {
			if k, ok := r.(int); ok {
				if k <= 0 || s == "" {
					return "", nil
				}
				if k > maxRepeatLen/len(s) {
					return nil, ev.errorf(n, "repeated string would exceed %d bytes", maxRepeatLen)
				}
				return strings.Repeat(s, k), nil
			}
		}
	}

	li, lInt := l.(int)
	ri, rInt := r.(int)
	lf, lNum := toFloat(l)
	rf, rNum := toFloat(r)
	if !lNum || !rNum {
		return nil, ev.errorf(n, "unsupported operand types for %s: %s and %s", n.op, typeName(l), typeName(r))
	}
	bothInt := lInt && rInt

	switch n.op {
	case "+":
		if bothInt {
			return li + ri, nil
		}
		return lf + rf, nil
	case "-":
		if bothInt {
			return li - ri, nil
		}
		return lf - rf, nil
	case "*":
		if bothInt {
			return li * ri, nil
		}
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, ev.errorf(n, "division by zero")
		}
		return lf / rf, nil
	case "//":
		if rf == 0 {
			return nil, ev.errorf(n, "division by zero")
		}
		if bothInt {
			return floorDiv(li, ri), nil
		}
		return math.Floor(lf / rf), nil
	case "%":
		if rf == 0 {
			return nil, ev.errorf(n, "modulo by zero")
		}
		if bothInt {
			return li - floorDiv(li, ri)*ri, nil
		}
		return lf - math.Floor(lf/rf)*rf, nil
	}
	return nil, ev.errorf(n, "unknown operator %s", n.op)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func (ev *evalState) compare(n *compareNode, op string, l, r any) (bool, error) {
	switch op {
	case "==":
		return Equal(l, r), nil
	case "!=":
		return !Equal(l, r), nil
	case "in", "not in":
		ok, err := contains(r, l)
		if err != nil {
			return false, ev.errorf(n, "%v", err)
		}
		if op == "not in" {
			return !ok, nil
		}
		return ok, nil
	}

	c, err := order(l, r)
	if err != nil {
		return false, ev.errorf(n, "'%s' not supported between %s and %s", op, typeName(l), typeName(r))
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, ev.errorf(n, "unknown comparison %s", op)
}

func (ev *evalState) index(n *indexNode, x, idx any) (any, error) {
	switch c := normalize(x).(type) {
	case []any:
		i, ok := normalize(idx).(int)
		if !ok {
			return nil, ev.errorf(n, "list index must be an integer, got %s", typeName(idx))
		}
		if i < 0 {
			i += len(c)
		}
		if i < 0 || i >= len(c) {
			return nil, ev.errorf(n, "list index out of range")
		}
		return c[i], nil
	case string:
		i, ok := normalize(idx).(int)
		if !ok {
			return nil, ev.errorf(n, "string index must be an integer, got %s", typeName(idx))
		}
		runes := []rune(c)
		if i < 0 {
			i += len(runes)
		}
		if i < 0 || i >= len(runes) {
			return nil, ev.errorf(n, "string index out of range")
		}
		return string(runes[i]), nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			key = FormatValue(idx)
		}
		v, ok := c[key]
		if !ok {
			return nil, ev.errorf(n, "key %q not found", key)
		}
		return v, nil
	}
	return nil, ev.errorf(n, "%s is not subscriptable", typeName(x))
}

// Truthy applies the language's truthiness: nil, false, zero, and empty
// strings, lists and maps are false.
func Truthy(v any) bool {
	switch t := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// Equal compares two values, treating ints and floats by numeric value.
func Equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if af, ok := toFloat(a); ok {
		if _, isBool := a.(bool); !isBool {
			if bf, ok := toFloat(b); ok {
				if _, isBool := b.(bool); !isBool {
					return af == bf
				}
			}
		}
	}
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// order returns -1, 0 or 1 for two numbers or two strings.
func order(a, b any) (int, error) {
	a, b = normalize(a), normalize(b)
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), nil
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("values are not ordered")
}

func contains(container, item any) (bool, error) {
	switch c := normalize(container).(type) {
	case []any:
		for _, el := range c {
			if Equal(el, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("'in <string>' requires string as left operand, not %s", typeName(item))
		}
		return strings.Contains(c, s), nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[key]
		return found, nil
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("argument of type %s is not iterable", typeName(container))
}

// normalize maps Go numeric and container types onto int, float64,
// []any and map[string]any.
func normalize(v any) any {
	switch t := v.(type) {
	case int:
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case uint:
		return int(t)
	case uint8:
		return int(t)
	case uint16:
		return int(t)
	case uint32:
		return int(t)
	case uint64:
		return int(t)
	case float32:
		return float64(t)
	case float64:
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case schema.AssetRecord:
		return map[string]any(t)
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch t := normalize(v).(type) {
	case int:
		return float64(t), true
	case float64:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func typeName(v any) string {
	switch normalize(v).(type) {
	case nil:
		return "none"
	case bool:
		return "bool"
	case int:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	}
	return fmt.Sprintf("%T", v)
}

// sortValues sorts numbers or strings in place; mixed lists are an error.
func sortValues(items []any) error {
	var err error
	sort.SliceStable(items, func(i, j int) bool {
		c, cerr := order(items[i], items[j])
		if cerr != nil && err == nil {
			err = cerr
		}
		return c < 0
	})
	return err
}
