package expressions

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/artgen/pkg/schema"
)

// tokenRe matches {namespace} and {namespace.field.path}.
var tokenRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)((?:\.[A-Za-z0-9_\-]+)*)\}`)

// Reserved template namespaces.
const (
	NamespaceContext = "context"
	NamespaceCtx     = "ctx"
	NamespaceAsset   = "asset"
)

// Reserved reports whether ns is a built-in namespace rather than a step.
func Reserved(ns string) bool {
	return ns == NamespaceContext || ns == NamespaceCtx || ns == NamespaceAsset
}

// Scope holds what a template can see.
type Scope struct {
	Context map[string]any
	Steps   map[string]any // step ID or alias -> output
	Asset   map[string]any // nil for global steps
}

// Reference is one {namespace.path} token found in a template.
type Reference struct {
	Namespace string
	Path      []string
	Token     string
}

// Substitute replaces every token in s and returns the rendered string.
func Substitute(s string, scope *Scope) (string, error) {
	var firstErr error
	out := tokenRe.ReplaceAllStringFunc(s, func(tok string) string {
		if firstErr != nil {
			return tok
		}
		v, literal, err := resolveToken(tok, scope)
		if err != nil {
			firstErr = err
			return tok
		}
		if literal {
			return tok
		}
		return FormatValue(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// SubstituteValue renders a single string, keeping the referenced value's
// type when the string is exactly one token.
func SubstituteValue(s string, scope *Scope) (any, error) {
	if loc := tokenRe.FindStringIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		v, literal, err := resolveToken(s, scope)
		if err != nil {
			return nil, err
		}
		if literal {
			return s, nil
		}
		return v, nil
	}
	return Substitute(s, scope)
}

// SubstituteAll walks maps and lists, substituting every string leaf.
func SubstituteAll(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return SubstituteValue(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := SubstituteAll(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := SubstituteAll(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := SubstituteValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// References lists every token found in the strings of v, in encounter
// order with map keys visited sorted.
func References(v any) []Reference {
	var refs []Reference
	collectRefs(v, &refs)
	return refs
}

func collectRefs(v any, refs *[]Reference) {
	switch val := v.(type) {
	case string:
		for _, m := range tokenRe.FindAllStringSubmatch(val, -1) {
			ref := Reference{Namespace: m[1], Token: m[0]}
			if m[2] != "" {
				ref.Path = strings.Split(m[2][1:], ".")
			}
			*refs = append(*refs, ref)
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			collectRefs(val[k], refs)
		}
	case []any:
		for _, item := range val {
			collectRefs(item, refs)
		}
	case []string:
		for _, item := range val {
			collectRefs(item, refs)
		}
	}
}

// resolveToken returns the value for tok. literal is true when the token
// names nothing and should be left in place.
func resolveToken(tok string, scope *Scope) (v any, literal bool, err error) {
	m := tokenRe.FindStringSubmatch(tok)
	ns := m[1]
	var path []string
	if m[2] != "" {
		path = strings.Split(m[2][1:], ".")
	}
	if scope == nil {
		scope = &Scope{}
	}

	switch ns {
	case NamespaceContext, NamespaceCtx:
		if len(path) == 0 {
			return scope.Context, false, nil
		}
		v, ok := lookupTemplatePath(scope.Context, path)
		if !ok {
			return nil, false, schema.NewErrorf(schema.ErrCodeTemplate,
				"context has no field %q", strings.Join(path, ".")).
				WithDetails(map[string]any{"token": tok})
		}
		return v, false, nil

	case NamespaceAsset:
		if scope.Asset == nil {
			return "", false, nil
		}
		if len(path) == 0 {
			return scope.Asset, false, nil
		}
		v, ok := lookupTemplatePath(scope.Asset, path)
		if !ok {
			return "", false, nil
		}
		return v, false, nil
	}

	out, ok := scope.Steps[ns]
	if !ok {
		if len(path) == 0 {
			return nil, true, nil
		}
		return nil, false, schema.NewErrorf(schema.ErrCodeTemplate,
			"unknown template namespace %q", ns).
			WithDetails(map[string]any{"token": tok})
	}
	if len(path) == 0 {
		if m, isMap := normalize(out).(map[string]any); isMap {
			if content, has := m["content"]; has {
				return content, false, nil
			}
		}
		return out, false, nil
	}
	v, found := lookupTemplatePath(out, path)
	if !found {
		return "", false, nil
	}
	return v, false, nil
}

// lookupTemplatePath is lookupPath that also indexes lists by number.
func lookupTemplatePath(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		switch c := normalize(cur).(type) {
		case map[string]any:
			next, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// AssetAwareOutputs narrows per-asset step outputs to the given asset.
// Global outputs pass through unchanged; a per-asset step with no output
// for the asset reads as nil.
func AssetAwareOutputs(outputs map[string]any, perAssetSteps map[string]bool, assetID string) map[string]any {
	out := make(map[string]any, len(outputs))
	for name, v := range outputs {
		if !perAssetSteps[name] {
			out[name] = v
			continue
		}
		entry, _ := normalize(v).(map[string]any)
		byAsset, _ := entry["assets"].(map[string]any)
		out[name] = byAsset[assetID]
	}
	return out
}

// FormatValue renders a value for inclusion in text.
func FormatValue(v any) string {
	switch t := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + FormatValue(t[k])
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprint(v)
}
