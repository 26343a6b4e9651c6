package expressions

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type builtin func(args []any) (any, error)

// functions is the complete set of callable names.
var functions map[string]builtin

func init() {
	functions = map[string]builtin{
		"len":        fnLen,
		"str":        fnStr,
		"int":        fnInt,
		"float":      fnFloat,
		"bool":       fnBool,
		"min":        func(a []any) (any, error) { return extreme(a, -1) },
		"max":        func(a []any) (any, error) { return extreme(a, 1) },
		"abs":        fnAbs,
		"round":      fnRound,
		"sum":        fnSum,
		"any":        fnAny,
		"all":        fnAll,
		"sorted":     fnSorted,
		"reversed":   fnReversed,
		"lower":      stringFn(strings.ToLower),
		"upper":      stringFn(strings.ToUpper),
		"strip":      stringFn(strings.TrimSpace),
		"contains":   fnContains,
		"startswith": prefixFn(strings.HasPrefix),
		"endswith":   prefixFn(strings.HasSuffix),
	}
}

func arity(args []any, lo, hi int) error {
	if len(args) < lo || len(args) > hi {
		if lo == hi {
			return fmt.Errorf("takes %d argument(s), got %d", lo, len(args))
		}
		return fmt.Errorf("takes %d to %d arguments, got %d", lo, hi, len(args))
	}
	return nil
}

func listArg(v any) ([]any, error) {
	switch t := normalize(v).(type) {
	case []any:
		return t, nil
	case string:
		out := make([]any, 0, len(t))
		for _, r := range t {
			out = append(out, string(r))
		}
		return out, nil
	case map[string]any:
		keys := sortedKeys(t)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s is not iterable", typeName(v))
}

func fnLen(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	switch t := normalize(args[0]).(type) {
	case string:
		return len([]rune(t)), nil
	case []any:
		return len(t), nil
	case map[string]any:
		return len(t), nil
	}
	return nil, fmt.Errorf("object of type %s has no len()", typeName(args[0]))
}

func fnStr(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	return FormatValue(args[0]), nil
}

func fnInt(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	switch t := normalize(args[0]).(type) {
	case int:
		return t, nil
	case float64:
		return int(t), nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		return nil, fmt.Errorf("invalid literal for int(): %q", t)
	}
	return nil, fmt.Errorf("cannot convert %s to int", typeName(args[0]))
}

func fnFloat(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	if s, ok := args[0].(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("could not convert string to float: %q", s)
		}
		return f, nil
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("cannot convert %s to float", typeName(args[0]))
	}
	return f, nil
}

func fnBool(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	return Truthy(args[0]), nil
}

// extreme implements min (sign -1) and max (sign 1), over either a single
// list argument or several scalar arguments.
func extreme(args []any, sign int) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least 1 argument")
	}
	items := args
	if len(args) == 1 {
		l, err := listArg(args[0])
		if err != nil {
			return nil, err
		}
		items = l
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("arg is an empty sequence")
	}
	best := items[0]
	for _, it := range items[1:] {
		c, err := order(it, best)
		if err != nil {
			return nil, fmt.Errorf("cannot compare %s and %s", typeName(it), typeName(best))
		}
		if c*sign > 0 {
			best = it
		}
	}
	return best, nil
}

func fnAbs(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	switch t := normalize(args[0]).(type) {
	case int:
		if t < 0 {
			return -t, nil
		}
		return t, nil
	case float64:
		return math.Abs(t), nil
	}
	return nil, fmt.Errorf("bad operand type for abs(): %s", typeName(args[0]))
}

// fnRound rounds half to even; with no digits argument it returns an int.
func fnRound(args []any) (any, error) {
	if err := arity(args, 1, 2); err != nil {
		return nil, err
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("type %s doesn't define round()", typeName(args[0]))
	}
	if len(args) == 1 {
		if i, isInt := normalize(args[0]).(int); isInt {
			return i, nil
		}
		return int(math.RoundToEven(f)), nil
	}
	digits, ok := normalize(args[1]).(int)
	if !ok {
		return nil, fmt.Errorf("digits must be an integer")
	}
	scale := math.Pow(10, float64(digits))
	return math.RoundToEven(f*scale) / scale, nil
}

func fnSum(args []any) (any, error) {
	if err := arity(args, 1, 2); err != nil {
		return nil, err
	}
	items, err := listArg(args[0])
	if err != nil {
		return nil, err
	}
	var start any = 0
	if len(args) == 2 {
		start = args[1]
	}
	total := normalize(start)
	for _, it := range items {
		it = normalize(it)
		ti, tInt := total.(int)
		ii, iInt := it.(int)
		if tInt && iInt {
			total = ti + ii
			continue
		}
		tf, ok1 := toFloat(total)
		itf, ok2 := toFloat(it)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("unsupported operand type for sum: %s", typeName(it))
		}
		total = tf + itf
	}
	return total, nil
}

func fnAny(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	items, err := listArg(args[0])
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if Truthy(it) {
			return true, nil
		}
	}
	return false, nil
}

func fnAll(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	items, err := listArg(args[0])
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if !Truthy(it) {
			return false, nil
		}
	}
	return true, nil
}

func fnSorted(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	items, err := listArg(args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	copy(out, items)
	if err := sortValues(out); err != nil {
		return nil, err
	}
	return out, nil
}

func fnReversed(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	items, err := listArg(args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out, nil
}

// stringFn wraps a string transform; non-string values pass through.
func stringFn(f func(string) string) builtin {
	return func(args []any) (any, error) {
		if err := arity(args, 1, 1); err != nil {
			return nil, err
		}
		if s, ok := args[0].(string); ok {
			return f(s), nil
		}
		return args[0], nil
	}
}

func prefixFn(f func(s, prefix string) bool) builtin {
	return func(args []any) (any, error) {
		if err := arity(args, 2, 2); err != nil {
			return nil, err
		}
		s, ok1 := args[0].(string)
		p, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		return f(s, p), nil
	}
}

func fnContains(args []any) (any, error) {
	if err := arity(args, 2, 2); err != nil {
		return nil, err
	}
	return contains(args[0], args[1])
}
