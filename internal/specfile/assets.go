package specfile

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/artgen/pkg/schema"
)

// LoadAssets reads asset records from a file, choosing the format by
// extension: .csv, .json, .jsonl, .yaml/.yml or .txt.
func LoadAssets(path string) ([]schema.AssetRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "asset file not found: %s", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read asset file %s", path).WithCause(err)
	}

	var recs []schema.AssetRecord
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		recs, err = parseCSV(data)
	case ".json":
		recs, err = parseJSON(data)
	case ".jsonl":
		recs, err = parseJSONL(data)
	case ".yaml", ".yml":
		recs, err = parseYAML(data)
	case ".txt":
		recs = parseTXT(data)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported asset file format %q", ext)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse asset file %s", path).WithCause(err)
	}
	return recs, nil
}

// parseCSV maps each row to its header; empty cells become nil.
func parseCSV(data []byte) ([]schema.AssetRecord, error) {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	out := make([]schema.AssetRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(schema.AssetRecord, len(header))
		for i, col := range header {
			if i < len(row) && row[i] != "" {
				rec[col] = row[i]
			} else {
				rec[col] = nil
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseJSON(data []byte) ([]schema.AssetRecord, error) {
	var items []map[string]any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("expected a JSON array of objects: %w", err)
	}
	return records(items), nil
}

func parseJSONL(data []byte) ([]schema.AssetRecord, error) {
	var out []schema.AssetRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var item map[string]any
		if err := json.Unmarshal([]byte(text), &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, schema.AssetRecord(item))
	}
	return out, sc.Err()
}

func parseYAML(data []byte) ([]schema.AssetRecord, error) {
	var items []map[string]any
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("expected a YAML list of mappings: %w", err)
	}
	return records(items), nil
}

// parseTXT turns each non-blank line into {"id": "item-NNN", "content": line}.
func parseTXT(data []byte) []schema.AssetRecord {
	var out []schema.AssetRecord
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, schema.AssetRecord{
			"id":      fmt.Sprintf("item-%03d", len(out)+1),
			"content": line,
		})
	}
	return out
}
