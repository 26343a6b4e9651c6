// Package assets turns step outputs into asset collections and holds the
// collections a run works on.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rendis/artgen/internal/expressions"
	"github.com/rendis/artgen/internal/logging"
	"github.com/rendis/artgen/pkg/schema"
)

var (
	fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\n?(.*?)\n?```")
	lineRe  = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+?)\s*$`)
	pairRe  = regexp.MustCompile(`^\*{0,2}([^:*]+?)\*{0,2}\s*(?::|\s-\s|\s–\s)\s*(.+)$`)
)

// listKeys are the map keys searched for an embedded list, in order.
var listKeys = []string{"items", "assets", "content"}

// Extractor parses the output of a step that creates a collection.
type Extractor struct {
	jq     *expressions.GoJQEngine
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{
		jq:     expressions.NewGoJQEngine(),
		logger: logging.OrDefault(logger),
	}
}

// Extract returns the asset records found in output. When jqExpr is set it
// is applied first and the lenient parse runs on its result. Every record
// gets a unique id.
func (x *Extractor) Extract(ctx context.Context, output any, jqExpr string) ([]schema.AssetRecord, error) {
	if jqExpr != "" {
		v, err := x.jq.Evaluate(ctx, jqExpr, output)
		if err != nil {
			return nil, err
		}
		output = v
	}

	records, err := fromValue(output, 0)
	if err != nil {
		return nil, err
	}
	AssignIDs(records)
	logging.LogWith(ctx, x.logger).Debug("assets extracted", slog.Int("count", len(records)))
	return records, nil
}

func fromValue(v any, depth int) ([]schema.AssetRecord, error) {
	if depth > 4 {
		return nil, extractErr("output nests too deeply")
	}
	switch val := v.(type) {
	case []any:
		return fromList(val), nil
	case []map[string]any:
		out := make([]schema.AssetRecord, len(val))
		for i, m := range val {
			out[i] = schema.AssetRecord(m).Clone()
		}
		return out, nil
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return fromList(items), nil
	case []schema.AssetRecord:
		out := make([]schema.AssetRecord, len(val))
		for i, r := range val {
			out[i] = r.Clone()
		}
		return out, nil
	case map[string]any:
		for _, key := range listKeys {
			inner, ok := val[key]
			if !ok {
				continue
			}
			if recs, err := fromValue(inner, depth+1); err == nil && len(recs) > 0 {
				return recs, nil
			}
		}
		return nil, extractErr("no list under items, assets or content")
	case string:
		return fromText(val, depth)
	case nil:
		return nil, extractErr("output is empty")
	}
	return nil, extractErr(fmt.Sprintf("cannot extract assets from %T", v))
}

func fromList(items []any) []schema.AssetRecord {
	out := make([]schema.AssetRecord, 0, len(items))
	for _, item := range items {
		switch it := item.(type) {
		case map[string]any:
			out = append(out, schema.AssetRecord(it).Clone())
		case schema.AssetRecord:
			out = append(out, it.Clone())
		case string:
			out = append(out, fromLine(it))
		default:
			out = append(out, schema.AssetRecord{"name": fmt.Sprint(it)})
		}
	}
	return out
}

// fromLine reads "Name: description" (or "Name - description").
func fromLine(s string) schema.AssetRecord {
	s = strings.TrimSpace(s)
	if m := pairRe.FindStringSubmatch(s); m != nil {
		return schema.AssetRecord{
			"name":        strings.TrimSpace(m[1]),
			"description": strings.TrimSpace(m[2]),
		}
	}
	return schema.AssetRecord{"name": strings.Trim(s, "*")}
}

func fromText(s string, depth int) ([]schema.AssetRecord, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, extractErr("output text is empty")
	}

	for _, m := range fenceRe.FindAllStringSubmatch(s, -1) {
		if v, ok := decodeJSON(m[1]); ok {
			if recs, err := fromValue(v, depth+1); err == nil {
				return recs, nil
			}
		}
	}
	if v, ok := decodeJSON(s); ok {
		switch v.(type) {
		case []any, map[string]any:
			return fromValue(v, depth+1)
		}
	}
	if v, ok := firstJSON(s); ok {
		if recs, err := fromValue(v, depth+1); err == nil && len(recs) > 0 {
			return recs, nil
		}
	}

	var recs []schema.AssetRecord
	for _, line := range strings.Split(s, "\n") {
		if m := lineRe.FindStringSubmatch(line); m != nil {
			recs = append(recs, fromLine(m[1]))
		}
	}
	if len(recs) == 0 {
		return nil, extractErr("no JSON or list lines found in text")
	}
	return recs, nil
}

func decodeJSON(s string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return numbersToNative(v), true
}

// firstJSON decodes the first JSON array or object embedded in s.
func firstJSON(s string) (any, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '[' && s[i] != '{' {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader([]byte(s[i:])))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err == nil {
			return numbersToNative(v), true
		}
	}
	return nil, false
}

func numbersToNative(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = numbersToNative(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = numbersToNative(item)
		}
		return val
	}
	return v
}

func extractErr(msg string) error {
	return schema.NewError(schema.ErrCodeExecution, "asset extraction: "+msg)
}
